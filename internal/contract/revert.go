package contract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"optionsync/internal/model"
)

// RevertError is a contract revert decoded from call data.
type RevertError struct {
	// Name is the custom error name, or "Error" for a reason string.
	Name   string
	Reason string
	Code   model.ReasonCode
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution reverted: %s: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("execution reverted: %s", e.Name)
}

// DecodeRevert extracts a RevertError from an RPC error carrying revert data.
func DecodeRevert(err error) (*RevertError, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil || len(data) < 4 {
		return nil, false
	}
	return DecodeRevertData(data), true
}

// DecodeRevertData matches the selector against the OptionManager and ERC20
// custom errors before falling back to Error(string).
func DecodeRevertData(data []byte) *RevertError {
	if len(data) >= 4 {
		for _, load := range []func() (abi.ABI, error){OptionManagerABI, ERC20ABI} {
			parsed, err := load()
			if err != nil {
				continue
			}
			for name, abiErr := range parsed.Errors {
				if bytes.Equal(abiErr.ID[:4], data[:4]) {
					return &RevertError{Name: name, Code: ReasonForError(name)}
				}
			}
		}
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		return &RevertError{Name: "Error", Reason: reason, Code: ReasonForMessage(reason)}
	}
	return &RevertError{Name: "unknown", Code: model.ReasonReverted}
}

// ReasonForError maps a custom error name to a reason code.
func ReasonForError(name string) model.ReasonCode {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "insufficientallowance"):
		return model.ReasonInsufficientAllowance
	case strings.Contains(lower, "insufficientbalance"):
		return model.ReasonInsufficientBalance
	case strings.Contains(lower, "failed"):
		return model.ReasonTransferFailed
	default:
		return model.ReasonReverted
	}
}

// ReasonForMessage maps a revert or node error message to a reason code.
func ReasonForMessage(msg string) model.ReasonCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "allowance"):
		return model.ReasonInsufficientAllowance
	case strings.Contains(lower, "insufficient funds"), strings.Contains(lower, "balance"):
		return model.ReasonInsufficientBalance
	case strings.Contains(lower, "transfer"):
		return model.ReasonTransferFailed
	default:
		return model.ReasonReverted
	}
}

// Classify returns the reason code for any chain call error.
func Classify(err error) model.ReasonCode {
	if err == nil {
		return ""
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert.Code
	}
	if decoded, ok := DecodeRevert(err); ok {
		return decoded.Code
	}
	return ReasonForMessage(err.Error())
}
