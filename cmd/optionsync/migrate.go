package main

import (
	"github.com/spf13/cobra"

	"optionsync/internal/config"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the mirror store schema",
		RunE:  runMigrate,
	}
	addStoreFlags(cmd)
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn, level, err := config.LoadStore(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, dsn, logger)
	if err != nil {
		return err
	}
	return store.Close()
}
