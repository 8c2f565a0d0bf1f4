package model

import "time"

// Issue records an event the ingestor could not apply. Issues are written to
// the reconciliation sink for an operator to resolve.
type Issue struct {
	Code       ConsistencyCode `json:"code"`
	Kind       EventKind       `json:"kind,omitempty"`
	ChainID    *uint64         `json:"chain_id,omitempty"`
	Detail     string          `json:"detail"`
	Log        LogRef          `json:"log"`
	Raw        *LogRecord      `json:"raw,omitempty"`
	RecordedAt string          `json:"recorded_at"`
}

// IssueFromError converts a ConsistencyError into an Issue.
func IssueFromError(err *ConsistencyError, now time.Time) Issue {
	return Issue{
		Code:       err.Code,
		Kind:       err.Event.Kind,
		ChainID:    err.ChainID,
		Detail:     err.Detail,
		Log:        err.Event.Log,
		RecordedAt: now.UTC().Format(time.RFC3339Nano),
	}
}
