package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"optionsync/internal/chain"
	"optionsync/internal/config"
	"optionsync/internal/contract"
	"optionsync/internal/dedupe"
	"optionsync/internal/ingest"
	"optionsync/internal/retry"
	"optionsync/internal/storage"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Follow OptionManager events into the mirror store",
		RunE:  runIngest,
	}
	addIngestFlags(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadIngest(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	chainClient, err := dialChain(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	pipeline, closeLedger, err := buildPipeline(ctx, cfg, chainClient, store, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	return pipeline.Run(ctx)
}

func dialChain(ctx context.Context, cfg config.Chain) (*chain.Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.Options{RequestsPerSecond: cfg.RPCRate})
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	return chainClient, nil
}

func openStore(ctx context.Context, dsn string, logger *zap.Logger) (storage.Mirror, error) {
	store, err := storage.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("mirror store ready", zap.String("store", storage.Redact(dsn)))
	return store, nil
}

func buildPipeline(
	ctx context.Context,
	cfg config.IngestConfig,
	chainClient *chain.Client,
	store storage.Mirror,
	logger *zap.Logger,
) (*ingest.Pipeline, func(), error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, nil, fmt.Errorf("invalid contract address: %q", cfg.Contract)
	}
	if !common.IsHexAddress(cfg.QuoteToken) {
		return nil, nil, fmt.Errorf("invalid quote token address: %q", cfg.QuoteToken)
	}

	decoder, err := contract.NewDecoder()
	if err != nil {
		return nil, nil, err
	}
	tokens, err := contract.NewTokenRegistry(chainClient, cfg.TokenDecimals, logger)
	if err != nil {
		return nil, nil, err
	}

	var ledger dedupe.Ledger
	if cfg.RedisAddr != "" {
		ledger, err = dedupe.NewRedisLedger(ctx, dedupe.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.DedupeTTL,
		})
		if err != nil {
			return nil, nil, err
		}
	} else {
		ledger = dedupe.NewMemoryLedger(cfg.DedupeSize)
	}

	var checkpoint ingest.CheckpointStore = &ingest.FileCheckpoint{Path: cfg.Checkpoint}
	if cfg.Checkpoint == "db" {
		checkpoint = &ingest.DBCheckpoint{Store: store, Name: cfg.CheckpointName}
	}

	policy := retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBackoff,
		MaxDelay:   cfg.RetryMaxBackoff,
	}
	source := ingest.NewSource(ingest.SourceConfig{
		Contract:     common.HexToAddress(cfg.Contract),
		Topic0:       decoder.Topics(),
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		Retry:        policy,
	}, chainClient, logger)

	applier := ingest.NewApplier(store, tokens, cfg.QuoteToken, logger)
	ingestor := ingest.NewIngestor(ingest.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Retry:     policy,
	}, decoder, applier, ledger, storage.NewJsonlStorage(cfg.Issues), logger)

	sweeper := ingest.NewSweeper(store, ingest.ChainClock(chainClient), cfg.SweepInterval, logger)

	logger.Info("ingest configured",
		zap.String("contract", cfg.Contract),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers),
		zap.String("checkpoint", cfg.Checkpoint),
		zap.Bool("redis_ledger", cfg.RedisAddr != ""),
		zap.String("issues", cfg.Issues),
	)

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{FromBlock: cfg.FromBlock}, source, ingestor, checkpoint, sweeper, logger)
	return pipeline, func() { ledger.Close() }, nil
}
