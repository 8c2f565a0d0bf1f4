// Package gateway serves option listings from the mirror store and, on
// request, cross-checks them against the contract.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"optionsync/internal/amount"
	"optionsync/internal/contract"
	"optionsync/internal/model"
)

// Store is the mirror surface the gateway reads and the provisional writes
// it may make.
type Store interface {
	InsertProvisional(ctx context.Context, o model.Option) (model.Option, error)
	PatchProvisional(ctx context.Context, id int64, p model.Patch) (model.Option, error)
	DeleteProvisional(ctx context.Context, id int64) (bool, error)
	GetByID(ctx context.Context, id int64) (model.Option, error)
	List(ctx context.Context, f model.ListFilter) ([]model.Option, error)
	Ping(ctx context.Context) error
}

// ChainReader reads the authoritative option slot.
type ChainReader interface {
	Option(ctx context.Context, optionID *big.Int) (contract.OnChainOption, error)
}

// Decimals resolves token precision.
type Decimals interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// OptionView is a mirror record as served. Provisional is the freshness
// flag: the record has not been seen on chain yet.
type OptionView struct {
	model.Option
	Provisional  bool          `json:"provisional"`
	Verification *Verification `json:"verification,omitempty"`
}

// Verification compares a confirmed record with the contract's view.
type Verification struct {
	Consistent bool     `json:"consistent"`
	OnChain    bool     `json:"on_chain"`
	Mismatches []string `json:"mismatches,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Query selects records. At least one of Seller, Buyer or Unsold is needed.
type Query struct {
	Seller             string
	Buyer              string
	Unsold             bool
	IncludeProvisional bool
	Verify             bool
}

// CreateInput is an off-chain provisional insert.
type CreateInput struct {
	StrikePrice   *decimal.Decimal
	PremiumPrice  *decimal.Decimal
	AssetAmount   *decimal.Decimal
	Asset         string
	SellerAddress string
	Expiry        string
}

// Service implements the Query Gateway.
type Service struct {
	store       Store
	chain       ChainReader
	tokens      Decimals
	quoteToken  string
	verifyLimit int
	logger      *zap.Logger
}

// NewService builds a Service. chain and tokens may be nil, which disables
// verification.
func NewService(store Store, chain ChainReader, tokens Decimals, quoteToken string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		chain:       chain,
		tokens:      tokens,
		quoteToken:  quoteToken,
		verifyLimit: 4,
		logger:      logger,
	}
}

// ListOptions returns records whose role address equals address, newest
// first. For RoleBuyer an empty address selects unsold options.
func (s *Service) ListOptions(ctx context.Context, role model.Role, address string) ([]OptionView, error) {
	q := Query{IncludeProvisional: true}
	switch role {
	case model.RoleSeller:
		q.Seller = address
	case model.RoleBuyer:
		if address == "" {
			q.Unsold = true
		}
		q.Buyer = address
	default:
		return nil, model.NewValidationError("role", "must be seller or buyer")
	}
	return s.List(ctx, q)
}

// List returns records matching q, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]OptionView, error) {
	filter := model.ListFilter{Unsold: q.Unsold, IncludeProvisional: q.IncludeProvisional}
	verr := &model.ValidationError{}
	if q.Seller != "" {
		seller, ok := model.NormalizeAddress(q.Seller)
		if !ok {
			verr.Add("seller", "invalid address")
		}
		filter.Seller = &seller
	}
	if q.Buyer != "" {
		if q.Unsold {
			verr.Add("buyer", "cannot combine an address with null")
		}
		buyer, ok := model.NormalizeAddress(q.Buyer)
		if !ok {
			verr.Add("buyer", "invalid address")
		}
		filter.Buyer = &buyer
	}
	if filter.Seller == nil && filter.Buyer == nil && !filter.Unsold {
		verr.Add("seller", "seller or buyer is required")
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	options, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}

	views := make([]OptionView, len(options))
	for i, o := range options {
		views[i] = view(o)
	}
	if q.Verify {
		s.verifyAll(ctx, views)
	}
	return views, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64, verify bool) (OptionView, error) {
	o, err := s.store.GetByID(ctx, id)
	if err != nil {
		return OptionView{}, err
	}
	v := view(o)
	if verify {
		v.Verification = s.Verify(ctx, o)
	}
	return v, nil
}

// Create inserts a provisional record.
func (s *Service) Create(ctx context.Context, in CreateInput) (OptionView, error) {
	verr := &model.ValidationError{}
	if in.StrikePrice == nil {
		verr.Add("strike_price", "required")
	} else if in.StrikePrice.Sign() <= 0 {
		verr.Add("strike_price", "must be positive")
	}
	if in.PremiumPrice == nil {
		verr.Add("premium_price", "required")
	} else if in.PremiumPrice.Sign() <= 0 {
		verr.Add("premium_price", "must be positive")
	}
	assetAmount := decimal.Zero
	if in.AssetAmount != nil {
		if in.AssetAmount.Sign() < 0 {
			verr.Add("asset_amount", "must not be negative")
		}
		assetAmount = *in.AssetAmount
	}
	asset, ok := model.NormalizeAddress(in.Asset)
	if !ok {
		verr.Add("asset", "invalid address")
	}
	seller, ok := model.NormalizeAddress(in.SellerAddress)
	if !ok {
		verr.Add("seller_address", "invalid address")
	}
	expiry, err := parseExpiry(in.Expiry)
	if err != nil {
		verr.Add("expiry", err.Error())
	}
	if len(verr.Fields) > 0 {
		return OptionView{}, verr
	}

	o, err := s.store.InsertProvisional(ctx, model.Option{
		OptionType:    model.OptionTypePut,
		StrikePrice:   *in.StrikePrice,
		PremiumPrice:  *in.PremiumPrice,
		Asset:         asset,
		AssetAmount:   assetAmount,
		SellerAddress: seller,
		Expiry:        expiry,
	})
	if err != nil {
		return OptionView{}, fmt.Errorf("insert provisional option: %w", err)
	}
	s.logger.Info("provisional option created", zap.Int64("id", o.ID), zap.String("seller", seller))
	return view(o), nil
}

// Patch updates a provisional record.
func (s *Service) Patch(ctx context.Context, id int64, p model.Patch) (OptionView, error) {
	if p.Empty() {
		return OptionView{}, model.NewValidationError("body", "nothing to update")
	}
	o, err := s.store.PatchProvisional(ctx, id, p)
	if err != nil {
		return OptionView{}, err
	}
	return view(o), nil
}

// Delete removes a provisional record. Deleting a missing record succeeds
// and reports false.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	return s.store.DeleteProvisional(ctx, id)
}

// Ping checks the mirror store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Verify compares o with the contract. Provisional records are not checked.
func (s *Service) Verify(ctx context.Context, o model.Option) *Verification {
	if o.Provisional() {
		return nil
	}
	if s.chain == nil || s.tokens == nil {
		return &Verification{Error: "verification unavailable"}
	}

	onChain, err := s.chain.Option(ctx, new(big.Int).SetUint64(*o.ChainID))
	if err != nil {
		s.logger.Warn("verify option failed", zap.Error(err), zap.Uint64("chain_id", *o.ChainID))
		return &Verification{Error: err.Error()}
	}
	if !onChain.Exists() {
		return &Verification{Mismatches: []string{"deleted on chain"}}
	}

	mismatches, err := s.compare(ctx, o, onChain)
	if err != nil {
		return &Verification{OnChain: true, Error: err.Error()}
	}
	return &Verification{OnChain: true, Consistent: len(mismatches) == 0, Mismatches: mismatches}
}

func (s *Service) compare(ctx context.Context, o model.Option, c contract.OnChainOption) ([]string, error) {
	quoteDecimals, err := s.tokens.Decimals(ctx, s.quoteToken)
	if err != nil {
		return nil, fmt.Errorf("quote token decimals: %w", err)
	}
	assetDecimals, err := s.tokens.Decimals(ctx, c.Asset.Hex())
	if err != nil {
		return nil, fmt.Errorf("asset decimals: %w", err)
	}

	var out []string
	if !model.SameAddress(o.SellerAddress, c.Seller.Hex()) {
		out = append(out, "seller_address")
	}
	chainBuyer := ""
	if !model.IsZeroAddress(c.Buyer.Hex()) {
		chainBuyer = c.Buyer.Hex()
	}
	mirrorBuyer := ""
	if o.HasBuyer() {
		mirrorBuyer = *o.BuyerAddress
	}
	if !model.SameAddress(mirrorBuyer, chainBuyer) {
		out = append(out, "buyer_address")
	}
	if !o.StrikePrice.Equal(amount.FromChain(c.StrikePrice, quoteDecimals)) {
		out = append(out, "strike_price")
	}
	if !o.PremiumPrice.Equal(amount.FromChain(c.Premium, quoteDecimals)) {
		out = append(out, "premium_price")
	}
	if !model.SameAddress(o.Asset, c.Asset.Hex()) {
		out = append(out, "asset")
	}
	if !o.AssetAmount.Equal(amount.FromChain(c.AssetAmount, assetDecimals)) {
		out = append(out, "asset_amount")
	}
	if c.Expiry == nil || !c.Expiry.IsInt64() || o.Expiry.Unix() != c.Expiry.Int64() {
		out = append(out, "expiry")
	}
	if o.CollateralTransferred != c.AssetTransferred {
		out = append(out, "collateral_transferred")
	}
	return out, nil
}

func (s *Service) verifyAll(ctx context.Context, views []OptionView) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.verifyLimit)
	for i := range views {
		if views[i].Provisional {
			continue
		}
		g.Go(func() error {
			views[i].Verification = s.Verify(gctx, views[i].Option)
			return nil
		})
	}
	_ = g.Wait()
}

func view(o model.Option) OptionView {
	return OptionView{Option: o, Provisional: o.Provisional()}
}

func parseExpiry(input string) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, errors.New("required")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, input); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, errors.New("must be an ISO 8601 timestamp")
}
