package model

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return "", false
	}
	return common.HexToAddress(input).Hex(), true
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IsZeroAddress reports whether the address is unset on chain.
func IsZeroAddress(addr string) bool {
	return addr == "" || common.HexToAddress(addr) == (common.Address{})
}

func sortedStrings(items []string) []string {
	sort.Strings(items)
	return items
}
