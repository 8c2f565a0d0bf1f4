package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"optionsync/internal/config"
	"optionsync/internal/contract"
	"optionsync/internal/gateway"
	"optionsync/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the option query API",
		RunE:  runServe,
	}
	addIngestFlags(cmd)
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().Bool("with-ingest", false, "run the ingest pipeline in the same process")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServe(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		chainReader gateway.ChainReader
		tokens      gateway.Decimals
		run         []func(context.Context) error
	)
	if cfg.RPCURL != "" {
		chainClient, err := dialChain(ctx, cfg.Chain)
		if err != nil {
			return err
		}
		defer chainClient.Close()

		manager, err := contract.NewManager(ctx, chainClient, contract.ManagerConfig{
			Address:    cfg.Contract,
			QuoteToken: cfg.QuoteToken,
		}, logger)
		if err != nil {
			return err
		}
		registry, err := contract.NewTokenRegistry(chainClient, cfg.TokenDecimals, logger)
		if err != nil {
			return err
		}
		chainReader, tokens = manager, registry

		if cfg.WithIngest {
			pipeline, closeLedger, err := buildPipeline(ctx, cfg.IngestConfig, chainClient, store, logger)
			if err != nil {
				return err
			}
			defer closeLedger()
			run = append(run, pipeline.Run)
		}
	} else if cfg.WithIngest {
		return fmt.Errorf("rpc url is required with --with-ingest")
	} else {
		logger.Warn("no rpc configured, verification disabled")
	}

	svc := gateway.NewService(store, chainReader, tokens, cfg.QuoteToken, logger)
	server := gateway.NewServer(cfg.Listen, gateway.NewHandler(svc, logger), logger)
	run = append(run, server.Run)

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range run {
		g.Go(func() error { return fn(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("serve stopped", zap.Error(err))
		return err
	}
	return nil
}
