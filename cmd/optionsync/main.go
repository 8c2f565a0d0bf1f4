package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "optionsync",
		Short:        "Put-option lifecycle sync engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(newIngestCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newOptionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func configFile(cmd *cobra.Command) string {
	cfgFile, _ := cmd.Flags().GetString("config")
	return cfgFile
}

// addChainFlags registers the flags shared by every command that reads the
// contract.
func addChainFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "RPC URL (ws:// enables log subscriptions)")
	cmd.Flags().Float64("rpc-rps", 0, "max RPC requests per second, 0 means unlimited")
	cmd.Flags().String("contract", "", "OptionManager contract address")
	cmd.Flags().String("quote-token", "", "quote token (strike and premium) address")
	cmd.Flags().StringToString("token-decimals", nil, "token decimals overrides (address=decimals, comma-separated)")
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "", "mirror store DSN (postgres://... or sqlite:<path>)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func addIngestFlags(cmd *cobra.Command) {
	addChainFlags(cmd)
	addStoreFlags(cmd)
	cmd.Flags().Uint64("from", 0, "start block when no checkpoint exists")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per backfill batch")
	cmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path, or \"db\" to keep it in the mirror store")
	cmd.Flags().String("checkpoint-name", "optionsync", "checkpoint row name when stored in the mirror")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "head polling interval when subscriptions are unavailable")
	cmd.Flags().Int("workers", 4, "apply workers (events shard by option id)")
	cmd.Flags().Int("queue-size", 64, "per-worker queue length")
	cmd.Flags().Int("max-retries", 0, "store retry attempts per event, 0 means retry until stopped")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().Duration("retry-max-backoff", 30*time.Second, "retry backoff cap")
	cmd.Flags().Duration("sweep-interval", time.Minute, "expiry sweep interval, 0 disables the sweeper")
	cmd.Flags().String("issues", "./data/issues.jsonl", "consistency issue JSONL path")
	cmd.Flags().String("redis-addr", "", "redis address for a shared dedupe ledger; empty keeps it in memory")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-db", 0, "redis database")
	cmd.Flags().Duration("dedupe-ttl", 7*24*time.Hour, "redis dedupe key TTL")
	cmd.Flags().Int("dedupe-size", 100000, "in-memory dedupe ledger capacity")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
