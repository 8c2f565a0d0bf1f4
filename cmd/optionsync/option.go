package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"optionsync/internal/config"
	"optionsync/internal/contract"
	"optionsync/internal/coordinator"
	"optionsync/internal/retry"
)

func newOptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "option",
		Short: "Submit OptionManager transactions",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a put option (approves the strike in the quote token first)",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	create.Flags().String("strike", "", "strike price in quote token units")
	create.Flags().String("premium", "", "premium in quote token units")
	create.Flags().String("asset", "", "underlying asset token address")
	create.Flags().String("asset-amount", "", "asset amount in asset token units")
	create.Flags().String("expiry", "", "expiry (RFC3339)")
	cmd.AddCommand(create)

	cmd.AddCommand(idCommand("buy <chain-id>", "Buy an option (approves the premium first)",
		func(ctx context.Context, c *coordinator.Coordinator, id uint64) (interface{}, error) {
			return c.BuyOption(ctx, id)
		}))
	cmd.AddCommand(idCommand("retry-buy <chain-id>", "Retry a purchase whose approval already went through",
		func(ctx context.Context, c *coordinator.Coordinator, id uint64) (interface{}, error) {
			return c.RetryPurchase(ctx, id)
		}))
	cmd.AddCommand(idCommand("delete <chain-id>", "Delete an unsold option",
		func(ctx context.Context, c *coordinator.Coordinator, id uint64) (interface{}, error) {
			return c.DeleteOption(ctx, id)
		}))
	cmd.AddCommand(idCommand("send-asset <chain-id>", "Send the underlying asset to the contract",
		func(ctx context.Context, c *coordinator.Coordinator, id uint64) (interface{}, error) {
			return c.SendCollateral(ctx, id)
		}))
	cmd.AddCommand(idCommand("reclaim <chain-id>", "Reclaim the underlying asset from the contract",
		func(ctx context.Context, c *coordinator.Coordinator, id uint64) (interface{}, error) {
			return c.ReclaimCollateral(ctx, id)
		}))

	for _, sub := range cmd.Commands() {
		addChainFlags(sub)
		addStoreFlags(sub)
		sub.Flags().String("private-key", "", "hex private key of the sending account")
		sub.Flags().Duration("confirm-timeout", 2*time.Minute, "receipt wait limit, 0 waits until interrupted")
		sub.Flags().Bool("optimistic", true, "insert a provisional mirror record before creating")
		sub.Flags().Int("store-retries", 5, "attempts for mirror writes after broadcast")
	}
	return cmd
}

type idAction func(ctx context.Context, c *coordinator.Coordinator, chainID uint64) (interface{}, error)

func idCommand(use, short string, action idAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := strconv.ParseUint(args[0], 10, 63)
			if err != nil {
				return fmt.Errorf("invalid chain id %q", args[0])
			}
			return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) (interface{}, error) {
				return action(ctx, c, chainID)
			})
		},
	}
}

func runCreate(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	var req coordinator.CreateRequest
	var err error
	for name, dst := range map[string]*decimal.Decimal{
		"strike":       &req.StrikePrice,
		"premium":      &req.PremiumPrice,
		"asset-amount": &req.AssetAmount,
	} {
		raw, _ := flags.GetString(name)
		if *dst, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	req.Asset, _ = flags.GetString("asset")
	rawExpiry, _ := flags.GetString("expiry")
	if req.Expiry, err = time.Parse(time.RFC3339, rawExpiry); err != nil {
		return fmt.Errorf("--expiry: %w", err)
	}

	return withCoordinator(cmd, func(ctx context.Context, c *coordinator.Coordinator) (interface{}, error) {
		return c.CreateOption(ctx, req)
	})
}

func withCoordinator(cmd *cobra.Command, fn func(context.Context, *coordinator.Coordinator) (interface{}, error)) error {
	cfg, err := config.LoadCoordinator(configFile(cmd), cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}

	ctx, stop := signalContext()
	defer stop()

	chainClient, err := dialChain(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	manager, err := contract.NewManager(ctx, chainClient, contract.ManagerConfig{
		Address:    cfg.Contract,
		QuoteToken: cfg.QuoteToken,
		PrivateKey: cfg.PrivateKey,
	}, logger)
	if err != nil {
		return err
	}
	tokens, err := contract.NewTokenRegistry(chainClient, cfg.TokenDecimals, logger)
	if err != nil {
		return err
	}

	var store coordinator.Store
	if cfg.Store != "" {
		mirror, err := openStore(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		store = mirror
	} else if cfg.Optimistic {
		logger.Warn("no store configured, provisional records disabled")
		cfg.Optimistic = false
	}

	c := coordinator.New(coordinator.Config{
		Optimistic:     cfg.Optimistic,
		ConfirmTimeout: cfg.ConfirmTimeout,
		StoreRetry:     retry.Policy{MaxRetries: cfg.StoreRetries},
	}, manager, store, tokens, logger)

	result, err := fn(ctx, c)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			logger.Warn("write result failed", zap.Error(encErr))
		}
	}
	return err
}
