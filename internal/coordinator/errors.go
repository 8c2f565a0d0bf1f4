package coordinator

import (
	"errors"
	"fmt"

	"optionsync/internal/model"
)

var (
	// ErrPurchaseAfterApproval marks a purchase that failed once the premium
	// allowance was in place. Retry with RetryPurchase; approving again is
	// not needed.
	ErrPurchaseAfterApproval = errors.New("purchase failed after approval")

	// ErrAbandoned means the caller stopped waiting for a broadcast
	// transaction. The transaction may still be mined.
	ErrAbandoned = errors.New("confirmation wait abandoned")
)

// ChainError is a failed contract call with its on-chain reason.
type ChainError struct {
	Op     string
	Reason model.ReasonCode
	TxHash string
	Err    error
}

func (e *ChainError) Error() string {
	msg := fmt.Sprintf("%s failed (%s)", e.Op, e.Reason)
	if e.TxHash != "" {
		msg += " tx " + e.TxHash
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainError) Unwrap() error { return e.Err }

// PurchaseError is returned by BuyOption when the approval step succeeded
// and the purchase step did not.
type PurchaseError struct {
	ChainID    uint64
	ApprovalTx string
	Err        error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("option %d: %v: %v", e.ChainID, ErrPurchaseAfterApproval, e.Err)
}

func (e *PurchaseError) Unwrap() []error { return []error{ErrPurchaseAfterApproval, e.Err} }
