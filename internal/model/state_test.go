package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerA = "0x2222222222222222222222222222222222222222"
	buyerB = "0x3333333333333333333333333333333333333333"
)

func confirmed(status Status, buyer string, collateral bool) Option {
	id := uint64(7)
	o := Option{ChainID: &id, Status: status, CollateralTransferred: collateral}
	if buyer != "" {
		b := buyer
		o.BuyerAddress = &b
	}
	return o
}

func TestTransitionHappyPath(t *testing.T) {
	o := confirmed(StatusConfirmed, "", false)

	o, changed, err := Transition(o, Event{Kind: EventOptionBought, Buyer: buyerA})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPurchased, o.Status)
	require.NotNil(t, o.BuyerAddress)
	assert.Equal(t, buyerA, *o.BuyerAddress)

	o, changed, err = Transition(o, Event{Kind: EventAssetSent, Buyer: buyerA})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, o.CollateralTransferred)
	assert.Equal(t, StatusCollateralHeld, o.Status)

	o, changed, err = Transition(o, Event{Kind: EventAssetReclaimed, Buyer: buyerA})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, o.CollateralTransferred)
	assert.Equal(t, StatusPurchased, o.Status)
	require.NotNil(t, o.BuyerAddress, "reclaim keeps the purchase")

	o, _, err = Transition(o, Event{Kind: EventAssetSent, Buyer: buyerA})
	require.NoError(t, err)

	o, changed, err = Transition(o, Event{Kind: EventOptionExercised, Buyer: buyerA})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusSettled, o.Status)
	assert.Equal(t, SettlementExercised, o.Settlement)
}

func TestTransitionRedeliveryIsNoop(t *testing.T) {
	tests := []struct {
		name string
		in   Option
		kind EventKind
	}{
		{"bought same buyer", confirmed(StatusPurchased, buyerA, false), EventOptionBought},
		{"bought after collateral", confirmed(StatusCollateralHeld, buyerA, true), EventOptionBought},
		{"asset sent twice", confirmed(StatusCollateralHeld, buyerA, true), EventAssetSent},
		{"reclaim twice", confirmed(StatusPurchased, buyerA, false), EventAssetReclaimed},
		{"exercised twice", func() Option {
			o := confirmed(StatusSettled, buyerA, true)
			o.Settlement = SettlementExercised
			return o
		}(), EventOptionExercised},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed, err := Transition(tt.in, Event{Kind: tt.kind, Buyer: buyerA})
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestTransitionConsistencyErrors(t *testing.T) {
	tests := []struct {
		name string
		in   Option
		ev   Event
		code ConsistencyCode
	}{
		{"double purchase", confirmed(StatusPurchased, buyerA, false), Event{Kind: EventOptionBought, Buyer: buyerB}, CodeDoublePurchase},
		{"asset before purchase", confirmed(StatusConfirmed, "", false), Event{Kind: EventAssetSent, Buyer: buyerA}, CodeInvalidTransition},
		{"asset from other buyer", confirmed(StatusPurchased, buyerA, false), Event{Kind: EventAssetSent, Buyer: buyerB}, CodeBuyerMismatch},
		{"exercise without collateral", confirmed(StatusPurchased, buyerA, false), Event{Kind: EventOptionExercised, Buyer: buyerA}, CodeInvalidTransition},
		{"reclaim after settlement", confirmed(StatusSettled, buyerA, true), Event{Kind: EventAssetReclaimed, Buyer: buyerA}, CodeInvalidTransition},
		{"provisional record", Option{Status: StatusProvisional}, Event{Kind: EventOptionBought, Buyer: buyerA}, CodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed, err := Transition(tt.in, tt.ev)
			require.Error(t, err)
			assert.False(t, changed)
			assert.Equal(t, tt.in, out)

			var ce *ConsistencyError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
}

func TestBuyerComparisonIgnoresCase(t *testing.T) {
	o := confirmed(StatusPurchased, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", false)
	_, changed, err := Transition(o, Event{Kind: EventOptionBought, Buyer: "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCheckDeletable(t *testing.T) {
	assert.NoError(t, CheckDeletable(confirmed(StatusPurchased, buyerA, false), Event{Kind: EventOptionDeleted}))
	assert.True(t, IsConsistency(CheckDeletable(confirmed(StatusSettled, buyerA, true), Event{Kind: EventOptionDeleted})))
}

func TestExercisedOverridesSweptExpiry(t *testing.T) {
	o := confirmed(StatusSettled, buyerA, true)
	o.Settlement = SettlementExpired

	out, changed, err := Transition(o, Event{Kind: EventOptionExercised, Buyer: buyerA})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, SettlementExercised, out.Settlement)
}

func TestApplyPatch(t *testing.T) {
	buyer := "0x2222222222222222222222222222222222222222"
	other := "0x3333333333333333333333333333333333333333"
	yes, no := true, false
	provisional := Option{Status: StatusProvisional}

	out, err := ApplyPatch(provisional, Patch{BuyerAddress: &buyer, CollateralTransferred: &yes})
	require.NoError(t, err)
	require.NotNil(t, out.BuyerAddress)
	assert.True(t, SameAddress(buyer, *out.BuyerAddress))
	assert.True(t, out.CollateralTransferred)

	_, err = ApplyPatch(out, Patch{BuyerAddress: &other})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ApplyPatch(out, Patch{CollateralTransferred: &no})
	assert.ErrorIs(t, err, ErrInvalidInput)

	again, err := ApplyPatch(out, Patch{BuyerAddress: &buyer})
	require.NoError(t, err)
	assert.Equal(t, out, again)

	bad := "nope"
	_, err = ApplyPatch(provisional, Patch{BuyerAddress: &bad})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "buyerAddress")

	_, err = ApplyPatch(confirmed(StatusConfirmed, "", false), Patch{CollateralTransferred: &yes})
	assert.ErrorIs(t, err, ErrConfirmedRecord)

	_, err = ApplyPatch(Option{Status: StatusFailed}, Patch{CollateralTransferred: &yes})
	assert.ErrorIs(t, err, ErrNotProvisional)
}
