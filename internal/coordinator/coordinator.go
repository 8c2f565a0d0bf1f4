// Package coordinator drives user actions that span the OptionManager
// contract and the mirror store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"optionsync/internal/amount"
	"optionsync/internal/contract"
	"optionsync/internal/metrics"
	"optionsync/internal/model"
	"optionsync/internal/retry"
)

// ChainClient is the OptionManager capability the coordinator needs.
// *contract.Manager implements it.
type ChainClient interface {
	From() (common.Address, error)
	QuoteToken() common.Address

	CreateOptionPut(ctx context.Context, strike, premium, expiry *big.Int, asset common.Address, assetAmount *big.Int) (*types.Transaction, error)
	BuyOption(ctx context.Context, optionID *big.Int) (*types.Transaction, error)
	DeleteOptionPut(ctx context.Context, optionID *big.Int) (*types.Transaction, error)
	SendAssetToContract(ctx context.Context, optionID *big.Int) (*types.Transaction, error)
	ReclaimAssetFromContract(ctx context.Context, optionID *big.Int) (*types.Transaction, error)

	Approve(ctx context.Context, token common.Address, amount *big.Int) (*types.Transaction, error)
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Option(ctx context.Context, optionID *big.Int) (contract.OnChainOption, error)

	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	RevertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) error
	CreatedOptionID(receipt *types.Receipt) (*big.Int, bool)
}

// Store is the provisional-record part of the mirror.
type Store interface {
	InsertProvisional(ctx context.Context, o model.Option) (model.Option, error)
	AttachSubmission(ctx context.Context, id int64, txHash string) error
	MarkProvisionalFailed(ctx context.Context, id int64, reason string) error
}

// Decimals resolves token precision.
type Decimals interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// Config tunes the coordinator.
type Config struct {
	// Optimistic inserts a provisional record before the creation call.
	Optimistic bool
	// ConfirmTimeout bounds each wait for a receipt; zero waits until the
	// caller's context ends.
	ConfirmTimeout time.Duration
	// StoreRetry applies to mirror writes made after a transaction was
	// broadcast.
	StoreRetry retry.Policy
}

// Coordinator issues chain calls and keeps provisional records in step.
// Confirmed records are never written here; the ingestor owns them.
type Coordinator struct {
	cfg    Config
	chain  ChainClient
	store  Store
	tokens Decimals
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Coordinator.
func New(cfg Config, chain ChainClient, store Store, tokens Decimals, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreRetry.MaxRetries <= 0 {
		cfg.StoreRetry.MaxRetries = 5
	}
	return &Coordinator{cfg: cfg, chain: chain, store: store, tokens: tokens, logger: logger, now: time.Now}
}

// CreateRequest describes a new put option in display units.
type CreateRequest struct {
	StrikePrice  decimal.Decimal
	PremiumPrice decimal.Decimal
	Asset        string
	AssetAmount  decimal.Decimal
	Expiry       time.Time
}

// CreateResult reports a mined creation.
type CreateResult struct {
	// Record is the provisional row; zero when optimistic inserts are off.
	Record     model.Option `json:"record"`
	TxHash     string       `json:"tx_hash,omitempty"`
	ApprovalTx string       `json:"approval_tx,omitempty"`
	// ChainID is read from the receipt. The mirror row is promoted by the
	// ingestor, not by this call.
	ChainID *uint64 `json:"chain_id,omitempty"`
}

// TxResult reports a mined transaction.
type TxResult struct {
	ChainID    uint64 `json:"chain_id"`
	TxHash     string `json:"tx_hash,omitempty"`
	ApprovalTx string `json:"approval_tx,omitempty"`
}

// CreateOption locks the strike in the quote token and creates the option.
// With optimistic inserts a provisional record exists from before the chain
// call; it is marked failed if the call is rejected or reverts.
func (c *Coordinator) CreateOption(ctx context.Context, req CreateRequest) (CreateResult, error) {
	var result CreateResult

	asset, verr := c.validateCreate(req)
	if verr != nil {
		return result, verr
	}
	seller, err := c.chain.From()
	if err != nil {
		return result, err
	}

	quote := c.chain.QuoteToken()
	strike, err := c.toChain(ctx, "strikePrice", req.StrikePrice, quote)
	if err != nil {
		return result, err
	}
	premium, err := c.toChain(ctx, "premiumPrice", req.PremiumPrice, quote)
	if err != nil {
		return result, err
	}
	assetAmount, err := c.toChain(ctx, "assetAmount", req.AssetAmount, asset)
	if err != nil {
		return result, err
	}
	expiry := big.NewInt(req.Expiry.Unix())

	if c.cfg.Optimistic {
		record, err := c.store.InsertProvisional(ctx, model.Option{
			OptionType:    model.OptionTypePut,
			StrikePrice:   req.StrikePrice,
			PremiumPrice:  req.PremiumPrice,
			Asset:         asset.Hex(),
			AssetAmount:   req.AssetAmount,
			SellerAddress: seller.Hex(),
			Expiry:        req.Expiry.UTC().Truncate(time.Second),
		})
		if err != nil {
			return result, fmt.Errorf("insert provisional option: %w", err)
		}
		result.Record = record
	}

	approvalTx, err := c.ensureAllowance(ctx, quote, seller, strike)
	result.ApprovalTx = approvalTx
	if err != nil {
		c.markFailed(ctx, result.Record, err)
		return result, err
	}

	tx, receipt, err := c.submit(ctx, "createOptionPut", func(ctx context.Context) (*types.Transaction, error) {
		return c.chain.CreateOptionPut(ctx, strike, premium, expiry, asset, assetAmount)
	}, func(tx *types.Transaction) {
		c.attach(ctx, result.Record, tx)
	})
	if tx != nil {
		result.TxHash = tx.Hash().Hex()
	}
	if err != nil {
		if !errors.Is(err, ErrAbandoned) {
			c.markFailed(ctx, result.Record, err)
		}
		return result, err
	}

	if id, ok := c.chain.CreatedOptionID(receipt); ok && id.IsUint64() {
		chainID := id.Uint64()
		result.ChainID = &chainID
	}
	return result, nil
}

// BuyOption approves the premium if needed and buys the option. When the
// approval is in place and the purchase fails, the error wraps
// ErrPurchaseAfterApproval.
func (c *Coordinator) BuyOption(ctx context.Context, chainID uint64) (TxResult, error) {
	result := TxResult{ChainID: chainID}
	optionID := new(big.Int).SetUint64(chainID)

	buyer, err := c.chain.From()
	if err != nil {
		return result, err
	}
	onChain, err := c.readOption(ctx, optionID)
	if err != nil {
		return result, err
	}
	if onChain.Buyer != (common.Address{}) {
		return result, model.NewValidationError("chainId", "option already bought")
	}

	approvalTx, err := c.ensureAllowance(ctx, c.chain.QuoteToken(), buyer, onChain.Premium)
	result.ApprovalTx = approvalTx
	if err != nil {
		return result, err
	}

	purchase, err := c.RetryPurchase(ctx, chainID)
	purchase.ApprovalTx = approvalTx
	if err != nil {
		return purchase, &PurchaseError{ChainID: chainID, ApprovalTx: approvalTx, Err: err}
	}
	return purchase, nil
}

// RetryPurchase issues only the purchase call.
func (c *Coordinator) RetryPurchase(ctx context.Context, chainID uint64) (TxResult, error) {
	return c.simple(ctx, "buyOption", chainID, c.chain.BuyOption)
}

// DeleteOption deletes the option on chain. The mirror row is removed by
// the ingestor when OptionDeleted is observed.
func (c *Coordinator) DeleteOption(ctx context.Context, chainID uint64) (TxResult, error) {
	return c.simple(ctx, "deleteOptionPut", chainID, c.chain.DeleteOptionPut)
}

// SendCollateral approves the option's asset if needed and transfers it to
// the contract.
func (c *Coordinator) SendCollateral(ctx context.Context, chainID uint64) (TxResult, error) {
	result := TxResult{ChainID: chainID}
	optionID := new(big.Int).SetUint64(chainID)

	owner, err := c.chain.From()
	if err != nil {
		return result, err
	}
	onChain, err := c.readOption(ctx, optionID)
	if err != nil {
		return result, err
	}
	if onChain.AssetTransferred {
		return result, model.NewValidationError("chainId", "asset already transferred")
	}

	approvalTx, err := c.ensureAllowance(ctx, onChain.Asset, owner, onChain.AssetAmount)
	result.ApprovalTx = approvalTx
	if err != nil {
		return result, err
	}
	sent, err := c.simple(ctx, "sendERC20AssetToContract", chainID, c.chain.SendAssetToContract)
	sent.ApprovalTx = approvalTx
	return sent, err
}

// ReclaimCollateral takes the asset back from the contract.
func (c *Coordinator) ReclaimCollateral(ctx context.Context, chainID uint64) (TxResult, error) {
	return c.simple(ctx, "reclaimAssetFromContract", chainID, c.chain.ReclaimAssetFromContract)
}

func (c *Coordinator) simple(ctx context.Context, op string, chainID uint64, call func(context.Context, *big.Int) (*types.Transaction, error)) (TxResult, error) {
	result := TxResult{ChainID: chainID}
	optionID := new(big.Int).SetUint64(chainID)
	tx, _, err := c.submit(ctx, op, func(ctx context.Context) (*types.Transaction, error) {
		return call(ctx, optionID)
	}, nil)
	if tx != nil {
		result.TxHash = tx.Hash().Hex()
	}
	return result, err
}

func (c *Coordinator) readOption(ctx context.Context, optionID *big.Int) (contract.OnChainOption, error) {
	onChain, err := c.chain.Option(ctx, optionID)
	if err != nil {
		return onChain, fmt.Errorf("read option %s: %w", optionID, err)
	}
	if !onChain.Exists() {
		return onChain, fmt.Errorf("option %s: %w", optionID, model.ErrNotFound)
	}
	return onChain, nil
}

// ensureAllowance approves the OptionManager for need on token unless the
// current allowance already covers it. It returns the approval tx hash.
func (c *Coordinator) ensureAllowance(ctx context.Context, token, owner common.Address, need *big.Int) (string, error) {
	current, err := c.chain.Allowance(ctx, token, owner)
	if err != nil {
		return "", fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(need) >= 0 {
		c.logger.Debug("allowance sufficient", zap.String("token", token.Hex()), zap.String("allowance", current.String()))
		return "", nil
	}
	tx, _, err := c.submit(ctx, "approve", func(ctx context.Context) (*types.Transaction, error) {
		return c.chain.Approve(ctx, token, need)
	}, nil)
	if tx != nil {
		return tx.Hash().Hex(), err
	}
	return "", err
}

// submit sends a transaction and waits for its receipt. onSent runs once the
// transaction is broadcast. Failures come back as *ChainError.
func (c *Coordinator) submit(
	ctx context.Context,
	op string,
	send func(context.Context) (*types.Transaction, error),
	onSent func(*types.Transaction),
) (*types.Transaction, *types.Receipt, error) {
	tx, err := send(ctx)
	if err != nil {
		if errors.Is(err, contract.ErrReadOnly) {
			return nil, nil, err
		}
		cerr := &ChainError{Op: op, Reason: submitReason(err), Err: err}
		c.record(op, cerr)
		return nil, nil, cerr
	}
	txHash := tx.Hash().Hex()
	if onSent != nil {
		onSent(tx)
	}

	waitCtx := ctx
	if c.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
		defer cancel()
	}
	receipt, err := c.chain.WaitMined(waitCtx, tx)
	if err != nil {
		cerr := &ChainError{Op: op, Reason: model.ReasonTimeout, TxHash: txHash, Err: err}
		if waitCtx.Err() != nil {
			cerr.Err = fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		c.record(op, cerr)
		return tx, nil, cerr
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.chain.RevertReason(ctx, tx, receipt)
		cerr := &ChainError{Op: op, Reason: contract.Classify(reason), TxHash: txHash, Err: reason}
		if cerr.Reason == "" {
			cerr.Reason = model.ReasonReverted
		}
		c.record(op, cerr)
		return tx, receipt, cerr
	}

	c.record(op, nil)
	c.logger.Info("transaction confirmed",
		zap.String("method", op),
		zap.String("tx_hash", txHash),
		zap.Uint64("block_number", receipt.BlockNumber.Uint64()),
	)
	return tx, receipt, nil
}

func (c *Coordinator) record(op string, err *ChainError) {
	outcome := "confirmed"
	switch {
	case err == nil:
	case errors.Is(err, ErrAbandoned):
		outcome = "abandoned"
	case err.TxHash == "":
		outcome = "rejected"
	default:
		outcome = "reverted"
	}
	metrics.ChainCalls.WithLabelValues(op, outcome).Inc()
	if err != nil {
		c.logger.Warn("chain call failed",
			zap.String("method", op),
			zap.String("reason", string(err.Reason)),
			zap.String("tx_hash", err.TxHash),
			zap.Error(err.Err),
		)
	}
}

// submitReason classifies an error returned before broadcast. Estimation
// reverts carry revert data; anything else is a rejection unless the node
// names the cause.
func submitReason(err error) model.ReasonCode {
	var revert *contract.RevertError
	if errors.As(err, &revert) {
		return revert.Code
	}
	if code := contract.ReasonForMessage(err.Error()); code != model.ReasonReverted {
		return code
	}
	return model.ReasonRejected
}

func (c *Coordinator) validateCreate(req CreateRequest) (common.Address, *model.ValidationError) {
	verr := &model.ValidationError{}
	if req.StrikePrice.Sign() <= 0 {
		verr.Add("strikePrice", "must be positive")
	}
	if req.PremiumPrice.Sign() <= 0 {
		verr.Add("premiumPrice", "must be positive")
	}
	if req.AssetAmount.Sign() <= 0 {
		verr.Add("assetAmount", "must be positive")
	}
	if !common.IsHexAddress(req.Asset) {
		verr.Add("asset", "invalid address")
	}
	if req.Expiry.IsZero() {
		verr.Add("expiry", "required")
	} else if !req.Expiry.After(c.now()) {
		verr.Add("expiry", "must be in the future")
	}
	if len(verr.Fields) > 0 {
		return common.Address{}, verr
	}
	return common.HexToAddress(req.Asset), nil
}

func (c *Coordinator) toChain(ctx context.Context, field string, value decimal.Decimal, token common.Address) (*big.Int, error) {
	decimals, err := c.tokens.Decimals(ctx, token.Hex())
	if err != nil {
		return nil, fmt.Errorf("token decimals %s: %w", token.Hex(), err)
	}
	out, err := amount.ToChain(value, decimals)
	if err != nil {
		return nil, model.NewValidationError(field, err.Error())
	}
	return out, nil
}

// attach records the creation tx hash on the provisional row. The
// transaction is already broadcast, so the write is retried.
func (c *Coordinator) attach(ctx context.Context, record model.Option, tx *types.Transaction) {
	if record.ID == 0 {
		return
	}
	err := retry.Do(ctx, c.cfg.StoreRetry, retryableStoreError, nil, func(ctx context.Context) error {
		return c.store.AttachSubmission(ctx, record.ID, tx.Hash().Hex())
	})
	if err != nil {
		c.logger.Warn("attach submission failed", zap.Error(err), zap.Int64("id", record.ID), zap.String("tx_hash", tx.Hash().Hex()))
	}
}

func (c *Coordinator) markFailed(ctx context.Context, record model.Option, cause error) {
	if record.ID == 0 {
		return
	}
	reason := cause.Error()
	var cerr *ChainError
	if errors.As(cause, &cerr) {
		reason = string(cerr.Reason)
	}
	err := retry.Do(ctx, c.cfg.StoreRetry, retryableStoreError, nil, func(ctx context.Context) error {
		return c.store.MarkProvisionalFailed(ctx, record.ID, reason)
	})
	if err != nil {
		c.logger.Warn("mark provisional failed", zap.Error(err), zap.Int64("id", record.ID))
		return
	}
	c.logger.Info("provisional option failed", zap.Int64("id", record.ID), zap.String("reason", reason))
}

// retryableStoreError stops on outcomes a retry cannot change: the row was
// promoted or failed meanwhile, or is gone.
func retryableStoreError(err error) bool {
	return !errors.Is(err, model.ErrConfirmedRecord) &&
		!errors.Is(err, model.ErrNotProvisional) &&
		!errors.Is(err, model.ErrNotFound)
}
