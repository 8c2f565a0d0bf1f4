package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates no mirror record matched.
	ErrNotFound = errors.New("option not found")

	// ErrNotProvisional indicates a provisional-only write hit a record that
	// is confirmed or already failed.
	ErrNotProvisional = errors.New("option is not provisional")

	// ErrConfirmedRecord indicates an off-chain caller tried to mutate a
	// record owned by chain ingestion.
	ErrConfirmedRecord = errors.New("option is confirmed on chain")

	// ErrInvalidInput indicates rejected caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a guarded write lost against a concurrent change.
	ErrConflict = errors.New("concurrent modification")
)

// ValidationError describes rejected input fields.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError from field/message pairs.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records another field problem.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid input: " + strings.Join(sortedStrings(parts), "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// ConsistencyCode classifies disagreements between chain events and the mirror.
type ConsistencyCode string

const (
	CodeUnknownOption     ConsistencyCode = "unknown_option"
	CodeDoublePurchase    ConsistencyCode = "double_purchase"
	CodeBuyerMismatch     ConsistencyCode = "buyer_mismatch"
	CodeInvalidTransition ConsistencyCode = "invalid_transition"
	CodeTerminalRecord    ConsistencyCode = "terminal_record"
	CodeMalformedEvent    ConsistencyCode = "malformed_event"
	CodeRemovedLog        ConsistencyCode = "removed_log"
	CodeFieldMismatch     ConsistencyCode = "field_mismatch"
)

// ConsistencyError is raised when an event cannot be applied without
// guessing. It is reported for manual reconciliation and never retried.
type ConsistencyError struct {
	Code    ConsistencyCode
	ChainID *uint64
	Event   Event
	Detail  string
}

// NewConsistencyError builds a ConsistencyError.
func NewConsistencyError(code ConsistencyCode, chainID *uint64, ev Event, detail string) *ConsistencyError {
	return &ConsistencyError{Code: code, ChainID: chainID, Event: ev, Detail: detail}
}

func (e *ConsistencyError) Error() string {
	id := "?"
	if e.ChainID != nil {
		id = fmt.Sprintf("%d", *e.ChainID)
	}
	if e.Detail == "" {
		return fmt.Sprintf("consistency %s: %s chain_id=%s", e.Code, e.Event.Kind, id)
	}
	return fmt.Sprintf("consistency %s: %s chain_id=%s: %s", e.Code, e.Event.Kind, id, e.Detail)
}

// IsConsistency reports whether err carries a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// ReasonCode classifies a failed chain call.
type ReasonCode string

const (
	ReasonRejected              ReasonCode = "rejected"
	ReasonReverted              ReasonCode = "reverted"
	ReasonInsufficientAllowance ReasonCode = "insufficient_allowance"
	ReasonInsufficientBalance   ReasonCode = "insufficient_balance"
	ReasonTransferFailed        ReasonCode = "transfer_failed"
	ReasonTimeout               ReasonCode = "timeout"
)
