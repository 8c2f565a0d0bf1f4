package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// EventKind names an OptionManager event.
type EventKind string

const (
	EventOptionCreated   EventKind = "OptionCreated"
	EventOptionBought    EventKind = "OptionBought"
	EventAssetSent       EventKind = "AssetSentToTheContract"
	EventAssetReclaimed  EventKind = "AssetReclaimFromTheContract"
	EventOptionExercised EventKind = "OptionExercised"
	EventOptionDeleted   EventKind = "OptionDeleted"
)

// EventKinds lists every kind the ingestor understands.
var EventKinds = []EventKind{
	EventOptionCreated,
	EventOptionBought,
	EventAssetSent,
	EventAssetReclaimed,
	EventOptionExercised,
	EventOptionDeleted,
}

// LogRef locates the chain log an event was decoded from.
type LogRef struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Removed     bool   `json:"removed"`
	Timestamp   uint64 `json:"timestamp,omitempty"`
}

// CreatedPayload is the OptionCreated body.
type CreatedPayload struct {
	OptionType  OptionType `json:"option_type"`
	Seller      string     `json:"seller"`
	StrikePrice *big.Int   `json:"strike_price"`
	Premium     *big.Int   `json:"premium"`
	Asset       string     `json:"asset"`
	AssetAmount *big.Int   `json:"asset_amount"`
	Expiry      *big.Int   `json:"expiry"`
}

// Event is a decoded OptionManager log. Buyer is set for the purchase,
// collateral and exercise kinds; Created only for OptionCreated.
type Event struct {
	Kind     EventKind       `json:"kind"`
	OptionID *big.Int        `json:"option_id"`
	Buyer    string          `json:"buyer,omitempty"`
	Created  *CreatedPayload `json:"created,omitempty"`
	Log      LogRef          `json:"log"`
}

// ChainID returns the option index as a mirror key. Indexes beyond the BIGINT
// range cannot be mirrored and are reported as consistency errors.
func (e Event) ChainID() (uint64, error) {
	if e.OptionID == nil {
		return 0, NewConsistencyError(CodeMalformedEvent, nil, e, "missing option id")
	}
	if e.OptionID.Sign() < 0 || !e.OptionID.IsUint64() || e.OptionID.Uint64() > math.MaxInt64 {
		return 0, NewConsistencyError(CodeMalformedEvent, nil, e, fmt.Sprintf("option id out of range: %s", e.OptionID))
	}
	return e.OptionID.Uint64(), nil
}

// Key is the delivery idempotency key. Logs are identified by their position
// on chain; synthetic events fall back to a digest of kind, id and payload.
func (e Event) Key() string {
	if e.Log.TxHash != "" {
		return fmt.Sprintf("%s:%s:%d", strings.ToLower(e.Log.BlockHash), strings.ToLower(e.Log.TxHash), e.Log.LogIndex)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", e.Kind, bigString(e.OptionID), strings.ToLower(e.Buyer))
	if c := e.Created; c != nil {
		fmt.Fprintf(h, "|%d|%s|%s|%s|%s|%s|%s",
			c.OptionType,
			strings.ToLower(c.Seller),
			bigString(c.StrikePrice),
			bigString(c.Premium),
			strings.ToLower(c.Asset),
			bigString(c.AssetAmount),
			bigString(c.Expiry),
		)
	}
	return "digest:" + hex.EncodeToString(h.Sum(nil))
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
