package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType mirrors the contract's OptionType enum.
type OptionType uint8

const (
	OptionTypeCall OptionType = 0
	OptionTypePut  OptionType = 1
)

func (t OptionType) String() string {
	switch t {
	case OptionTypeCall:
		return "call"
	case OptionTypePut:
		return "put"
	default:
		return "unknown"
	}
}

// Status is the lifecycle position of a mirror record.
type Status string

const (
	StatusProvisional    Status = "provisional"
	StatusFailed         Status = "failed"
	StatusConfirmed      Status = "confirmed"
	StatusPurchased      Status = "purchased"
	StatusCollateralHeld Status = "collateral_held"
	StatusSettled        Status = "settled"
)

// Terminal reports whether no further chain event may mutate the record.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Settlement values recorded when a record reaches StatusSettled.
const (
	SettlementExercised = "exercised"
	SettlementExpired   = "expired"
)

// Option is a mirror-store row.
type Option struct {
	ID                    int64           `json:"id"`
	ChainID               *uint64         `json:"chain_id,omitempty"`
	OptionType            OptionType      `json:"option_type"`
	StrikePrice           decimal.Decimal `json:"strike_price"`
	PremiumPrice          decimal.Decimal `json:"premium_price"`
	Asset                 string          `json:"asset"`
	AssetAmount           decimal.Decimal `json:"asset_amount"`
	SellerAddress         string          `json:"seller_address"`
	BuyerAddress          *string         `json:"buyer_address,omitempty"`
	Expiry                time.Time       `json:"expiry"`
	CollateralTransferred bool            `json:"collateral_transferred"`
	Status                Status          `json:"status"`
	Settlement            string          `json:"settlement,omitempty"`
	TxHash                string          `json:"tx_hash,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Provisional reports whether the record still lacks a chain id.
func (o Option) Provisional() bool {
	return o.ChainID == nil
}

// HasBuyer reports whether a purchase has been recorded.
func (o Option) HasBuyer() bool {
	return o.BuyerAddress != nil && *o.BuyerAddress != ""
}

// MatchKey holds the business fields used to pair an OptionCreated event with
// an optimistic provisional record.
type MatchKey struct {
	SellerAddress string
	StrikePrice   decimal.Decimal
	PremiumPrice  decimal.Decimal
	Asset         string
	Expiry        time.Time
}

// Promotion carries the authoritative fields attached when a provisional
// record is confirmed.
type Promotion struct {
	ChainID     uint64
	OptionType  OptionType
	AssetAmount decimal.Decimal
	TxHash      string
}

// Role selects which address column a listing filters on.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// ListFilter selects mirror records. A nil address means "not filtered"; for
// the buyer column, Unsold requests rows whose buyer is unset.
type ListFilter struct {
	Seller             *string
	Buyer              *string
	Unsold             bool
	IncludeProvisional bool
}

// Patch is a partial update of a provisional record.
type Patch struct {
	BuyerAddress          *string
	CollateralTransferred *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.BuyerAddress == nil && p.CollateralTransferred == nil
}
