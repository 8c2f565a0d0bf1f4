package model

// LogRecord is the raw form of a chain log kept alongside issues for logs
// that could not be decoded.
type LogRecord struct {
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
}

// Ref returns the log position without the payload.
func (lr LogRecord) Ref() LogRef {
	return LogRef{
		BlockNumber: lr.BlockNumber,
		BlockHash:   lr.BlockHash,
		TxHash:      lr.TxHash,
		LogIndex:    lr.LogIndex,
		Address:     lr.Address,
		Removed:     lr.Removed,
	}
}
