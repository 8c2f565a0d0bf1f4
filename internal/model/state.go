package model

import "fmt"

// Transition applies a purchase, collateral or exercise event to a confirmed
// record. It returns the resulting record and whether anything changed; an
// event whose effect is already present is a no-op so that redelivery is
// harmless. Anything else that does not fit the lifecycle is a
// ConsistencyError.
//
//	Confirmed      --OptionBought-->                Purchased
//	Purchased      --AssetSentToTheContract-->      CollateralHeld
//	CollateralHeld --AssetReclaimFromTheContract--> Purchased
//	CollateralHeld --OptionExercised-->             Settled
//
// A record the expiry sweeper already settled as expired is still moved to
// exercised by OptionExercised; this is the one settled record that changes.
func Transition(o Option, ev Event) (Option, bool, error) {
	if o.ChainID == nil {
		return o, false, NewConsistencyError(CodeInvalidTransition, nil, ev, "record is provisional")
	}

	switch ev.Kind {
	case EventOptionBought:
		return applyBought(o, ev)
	case EventAssetSent:
		return applyAssetSent(o, ev)
	case EventAssetReclaimed:
		return applyReclaim(o, ev)
	case EventOptionExercised:
		return applyExercised(o, ev)
	default:
		return o, false, NewConsistencyError(CodeInvalidTransition, o.ChainID, ev, fmt.Sprintf("no transition for %s", ev.Kind))
	}
}

// CheckDeletable reports whether an OptionDeleted event may remove the record.
func CheckDeletable(o Option, ev Event) error {
	if o.Status.Terminal() {
		return NewConsistencyError(CodeTerminalRecord, o.ChainID, ev, fmt.Sprintf("record is %s", o.Status))
	}
	return nil
}

func applyBought(o Option, ev Event) (Option, bool, error) {
	if o.HasBuyer() {
		if SameAddress(*o.BuyerAddress, ev.Buyer) {
			return o, false, nil
		}
		return o, false, NewConsistencyError(CodeDoublePurchase, o.ChainID, ev,
			fmt.Sprintf("already bought by %s", *o.BuyerAddress))
	}
	if o.Status != StatusConfirmed {
		return o, false, invalidFrom(o, ev)
	}

	buyer := ev.Buyer
	o.BuyerAddress = &buyer
	o.Status = StatusPurchased
	return o, true, nil
}

func applyAssetSent(o Option, ev Event) (Option, bool, error) {
	if err := requireBuyer(o, ev); err != nil {
		return o, false, err
	}
	switch o.Status {
	case StatusCollateralHeld:
		return o, false, nil
	case StatusPurchased:
		o.CollateralTransferred = true
		o.Status = StatusCollateralHeld
		return o, true, nil
	default:
		return o, false, invalidFrom(o, ev)
	}
}

func applyReclaim(o Option, ev Event) (Option, bool, error) {
	if err := requireBuyer(o, ev); err != nil {
		return o, false, err
	}
	switch o.Status {
	case StatusPurchased:
		return o, false, nil
	case StatusCollateralHeld:
		o.CollateralTransferred = false
		o.Status = StatusPurchased
		return o, true, nil
	default:
		return o, false, invalidFrom(o, ev)
	}
}

func applyExercised(o Option, ev Event) (Option, bool, error) {
	if err := requireBuyer(o, ev); err != nil {
		return o, false, err
	}
	switch o.Status {
	case StatusSettled:
		switch o.Settlement {
		case SettlementExercised:
			return o, false, nil
		case SettlementExpired:
			// The sweeper settles on local time; the chain has the final word.
			o.Settlement = SettlementExercised
			return o, true, nil
		}
		return o, false, invalidFrom(o, ev)
	case StatusCollateralHeld:
		o.Status = StatusSettled
		o.Settlement = SettlementExercised
		return o, true, nil
	default:
		return o, false, invalidFrom(o, ev)
	}
}

func requireBuyer(o Option, ev Event) error {
	if !o.HasBuyer() {
		return NewConsistencyError(CodeInvalidTransition, o.ChainID, ev, "option has no buyer")
	}
	if !SameAddress(*o.BuyerAddress, ev.Buyer) {
		return NewConsistencyError(CodeBuyerMismatch, o.ChainID, ev,
			fmt.Sprintf("event buyer %s, recorded buyer %s", ev.Buyer, *o.BuyerAddress))
	}
	return nil
}

func invalidFrom(o Option, ev Event) error {
	return NewConsistencyError(CodeInvalidTransition, o.ChainID, ev,
		fmt.Sprintf("%s not allowed from %s", ev.Kind, o.Status))
}

// ApplyPatch applies an off-chain partial update to a provisional record. The
// buyer may be set once and collateral may only move from false to true.
func ApplyPatch(o Option, p Patch) (Option, error) {
	if !o.Provisional() {
		return o, ErrConfirmedRecord
	}
	if o.Status != StatusProvisional {
		return o, ErrNotProvisional
	}

	verr := &ValidationError{}
	if p.BuyerAddress != nil {
		buyer, ok := NormalizeAddress(*p.BuyerAddress)
		switch {
		case !ok:
			verr.Add("buyerAddress", "invalid address")
		case o.HasBuyer() && !SameAddress(*o.BuyerAddress, buyer):
			verr.Add("buyerAddress", "already set")
		default:
			o.BuyerAddress = &buyer
		}
	}
	if p.CollateralTransferred != nil {
		if o.CollateralTransferred && !*p.CollateralTransferred {
			verr.Add("collateralTransferred", "cannot be reset")
		} else {
			o.CollateralTransferred = *p.CollateralTransferred
		}
	}
	if len(verr.Fields) > 0 {
		return o, verr
	}
	return o, nil
}
