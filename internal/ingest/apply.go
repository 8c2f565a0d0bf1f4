package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"optionsync/internal/amount"
	"optionsync/internal/model"
)

// Store is the part of the mirror the ingestor writes through.
type Store interface {
	GetByChainID(ctx context.Context, chainID uint64) (model.Option, error)
	FindProvisionalMatch(ctx context.Context, key model.MatchKey) (model.Option, error)
	Promote(ctx context.Context, id int64, p model.Promotion) (model.Option, error)
	InsertConfirmed(ctx context.Context, o model.Option) (model.Option, bool, error)
	SaveTransition(ctx context.Context, prev, next model.Option) (bool, error)
	DeleteByChainID(ctx context.Context, chainID uint64) (bool, error)
}

// Decimals resolves token precision for unit conversion.
type Decimals interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// Outcome labels how an event landed in the mirror.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIssue     Outcome = "issue"
	OutcomeError     Outcome = "error"
)

// Applier maps one decoded event onto the mirror. Every mutation is guarded
// so applying the same event twice leaves the store unchanged.
type Applier struct {
	store      Store
	tokens     Decimals
	quoteToken string
	logger     *zap.Logger
}

// NewApplier builds an Applier. quoteToken is the token strike and premium
// are denominated in.
func NewApplier(store Store, tokens Decimals, quoteToken string, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: store, tokens: tokens, quoteToken: quoteToken, logger: logger}
}

// Apply applies ev. Store failures are returned as is; events that do not fit
// the mirror come back as *model.ConsistencyError.
func (a *Applier) Apply(ctx context.Context, ev model.Event) (Outcome, error) {
	chainID, err := ev.ChainID()
	if err != nil {
		return OutcomeIssue, err
	}

	switch ev.Kind {
	case model.EventOptionCreated:
		return a.applyCreated(ctx, chainID, ev)
	case model.EventOptionDeleted:
		return a.applyDeleted(ctx, chainID, ev)
	case model.EventOptionBought, model.EventAssetSent, model.EventAssetReclaimed, model.EventOptionExercised:
		return a.applyTransition(ctx, chainID, ev)
	default:
		return OutcomeIssue, model.NewConsistencyError(model.CodeMalformedEvent, &chainID, ev, fmt.Sprintf("unknown kind %q", ev.Kind))
	}
}

func (a *Applier) applyCreated(ctx context.Context, chainID uint64, ev model.Event) (Outcome, error) {
	c := ev.Created
	if c == nil {
		return OutcomeIssue, model.NewConsistencyError(model.CodeMalformedEvent, &chainID, ev, "missing payload")
	}

	existing, err := a.store.GetByChainID(ctx, chainID)
	switch {
	case err == nil:
		if !model.SameAddress(existing.SellerAddress, c.Seller) {
			return OutcomeIssue, model.NewConsistencyError(model.CodeFieldMismatch, &chainID, ev,
				fmt.Sprintf("stored seller %s, event seller %s", existing.SellerAddress, c.Seller))
		}
		return OutcomeNoop, nil
	case !errors.Is(err, model.ErrNotFound):
		return OutcomeError, fmt.Errorf("get option %d: %w", chainID, err)
	}

	record, err := a.confirmedRecord(ctx, chainID, ev)
	if err != nil {
		if model.IsConsistency(err) {
			return OutcomeIssue, err
		}
		return OutcomeError, err
	}

	match, err := a.store.FindProvisionalMatch(ctx, model.MatchKey{
		SellerAddress: record.SellerAddress,
		StrikePrice:   record.StrikePrice,
		PremiumPrice:  record.PremiumPrice,
		Asset:         record.Asset,
		Expiry:        record.Expiry,
	})
	switch {
	case err == nil:
		promoted, err := a.store.Promote(ctx, match.ID, model.Promotion{
			ChainID:     chainID,
			OptionType:  record.OptionType,
			AssetAmount: record.AssetAmount,
			TxHash:      record.TxHash,
		})
		if err != nil {
			return OutcomeError, fmt.Errorf("promote option %d: %w", match.ID, err)
		}
		a.logger.Info("provisional option promoted",
			zap.Int64("id", promoted.ID),
			zap.Uint64("chain_id", chainID),
			zap.String("tx_hash", ev.Log.TxHash),
		)
		return OutcomeApplied, nil
	case !errors.Is(err, model.ErrNotFound):
		return OutcomeError, fmt.Errorf("find provisional match: %w", err)
	}

	inserted, created, err := a.store.InsertConfirmed(ctx, record)
	if err != nil {
		return OutcomeError, fmt.Errorf("insert option %d: %w", chainID, err)
	}
	if !created {
		return OutcomeNoop, nil
	}
	a.logger.Info("confirmed option inserted",
		zap.Int64("id", inserted.ID),
		zap.Uint64("chain_id", chainID),
		zap.String("tx_hash", ev.Log.TxHash),
	)
	return OutcomeApplied, nil
}

// confirmedRecord converts an OptionCreated payload into a mirror row.
// Conversion failures that come from the payload itself are consistency
// errors; token lookups are store-side failures and are retried.
func (a *Applier) confirmedRecord(ctx context.Context, chainID uint64, ev model.Event) (model.Option, error) {
	c := ev.Created
	if c.Expiry == nil || !c.Expiry.IsInt64() || c.Expiry.Int64() > math.MaxInt64/int64(time.Second) {
		return model.Option{}, model.NewConsistencyError(model.CodeMalformedEvent, &chainID, ev, "expiry out of range")
	}

	quoteDecimals, err := a.tokens.Decimals(ctx, a.quoteToken)
	if err != nil {
		return model.Option{}, fmt.Errorf("quote token decimals: %w", err)
	}
	assetDecimals, err := a.tokens.Decimals(ctx, c.Asset)
	if err != nil {
		return model.Option{}, fmt.Errorf("asset decimals: %w", err)
	}

	id := chainID
	return model.Option{
		ChainID:       &id,
		OptionType:    c.OptionType,
		StrikePrice:   amount.FromChain(c.StrikePrice, quoteDecimals),
		PremiumPrice:  amount.FromChain(c.Premium, quoteDecimals),
		Asset:         c.Asset,
		AssetAmount:   amount.FromChain(c.AssetAmount, assetDecimals),
		SellerAddress: c.Seller,
		Expiry:        time.Unix(c.Expiry.Int64(), 0).UTC(),
		Status:        model.StatusConfirmed,
		TxHash:        ev.Log.TxHash,
	}, nil
}

func (a *Applier) applyTransition(ctx context.Context, chainID uint64, ev model.Event) (Outcome, error) {
	current, err := a.store.GetByChainID(ctx, chainID)
	if errors.Is(err, model.ErrNotFound) {
		return OutcomeIssue, model.NewConsistencyError(model.CodeUnknownOption, &chainID, ev, "no record for chain id")
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("get option %d: %w", chainID, err)
	}

	next, changed, err := model.Transition(current, ev)
	if err != nil {
		return OutcomeIssue, err
	}
	if !changed {
		return OutcomeNoop, nil
	}

	saved, err := a.store.SaveTransition(ctx, current, next)
	if err != nil {
		return OutcomeError, fmt.Errorf("save transition %d: %w", chainID, err)
	}
	if !saved {
		return OutcomeError, fmt.Errorf("save transition %d: %w", chainID, model.ErrConflict)
	}
	a.logger.Debug("option transitioned",
		zap.Uint64("chain_id", chainID),
		zap.String("event", string(ev.Kind)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next.Status)),
	)
	return OutcomeApplied, nil
}

func (a *Applier) applyDeleted(ctx context.Context, chainID uint64, ev model.Event) (Outcome, error) {
	current, err := a.store.GetByChainID(ctx, chainID)
	if errors.Is(err, model.ErrNotFound) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("get option %d: %w", chainID, err)
	}
	if err := model.CheckDeletable(current, ev); err != nil {
		return OutcomeIssue, err
	}

	deleted, err := a.store.DeleteByChainID(ctx, chainID)
	if err != nil {
		return OutcomeError, fmt.Errorf("delete option %d: %w", chainID, err)
	}
	if !deleted {
		return OutcomeError, fmt.Errorf("delete option %d: %w", chainID, model.ErrConflict)
	}
	a.logger.Info("option deleted", zap.Uint64("chain_id", chainID), zap.String("tx_hash", ev.Log.TxHash))
	return OutcomeApplied, nil
}
