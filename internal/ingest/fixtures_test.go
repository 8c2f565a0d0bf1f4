package ingest

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"optionsync/internal/contract"
	"optionsync/internal/model"
	"optionsync/internal/storage/sqlite"
)

var (
	testManager = common.HexToAddress("0xA93601b81A3a490a921a38a114384cC0Ed1b7816")
	testSeller  = common.HexToAddress("0x1111111111111111111111111111111111111111").Hex()
	testBuyer   = common.HexToAddress("0x2222222222222222222222222222222222222222").Hex()
	otherBuyer  = common.HexToAddress("0x3333333333333333333333333333333333333333").Hex()
	testAsset   = common.HexToAddress("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa").Hex()
	testQuote   = common.HexToAddress("0x5555555555555555555555555555555555555555").Hex()

	testExpiry = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	oneEther   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type staticDecimals map[string]uint8

func (s staticDecimals) Decimals(_ context.Context, token string) (uint8, error) {
	if d, ok := s[strings.ToLower(token)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown token %s", token)
}

func testDecimals() staticDecimals {
	return staticDecimals{
		strings.ToLower(testQuote): 6,
		strings.ToLower(testAsset): 18,
	}
}

type memoryIssues struct {
	mu     sync.Mutex
	issues []model.Issue
}

func (m *memoryIssues) PutIssue(issue model.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = append(m.issues, issue)
	return nil
}

func (m *memoryIssues) codes() []model.ConsistencyCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ConsistencyCode, 0, len(m.issues))
	for _, issue := range m.issues {
		out = append(out, issue.Code)
	}
	return out
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(context.Background(), filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func provisional() model.Option {
	return model.Option{
		OptionType:    model.OptionTypePut,
		StrikePrice:   decimal.RequireFromString("1000"),
		PremiumPrice:  decimal.RequireFromString("50"),
		Asset:         testAsset,
		AssetAmount:   decimal.Zero,
		SellerAddress: testSeller,
		Expiry:        testExpiry,
	}
}

func logRef(block uint64, tx string, index uint64) model.LogRef {
	return model.LogRef{
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)).Hex(),
		TxHash:      tx,
		LogIndex:    index,
		Address:     testManager.Hex(),
	}
}

func createdEvent(id int64, tx string) model.Event {
	return model.Event{
		Kind:     model.EventOptionCreated,
		OptionID: big.NewInt(id),
		Created: &model.CreatedPayload{
			OptionType:  model.OptionTypePut,
			Seller:      testSeller,
			StrikePrice: big.NewInt(1_000_000_000),
			Premium:     big.NewInt(50_000_000),
			Asset:       testAsset,
			AssetAmount: oneEther,
			Expiry:      big.NewInt(testExpiry.Unix()),
		},
		Log: logRef(10, tx, 0),
	}
}

func buyerEvent(kind model.EventKind, id int64, buyer, tx string) model.Event {
	return model.Event{
		Kind:     kind,
		OptionID: big.NewInt(id),
		Buyer:    buyer,
		Log:      logRef(11, tx, 0),
	}
}

func deletedEvent(id int64, tx string) model.Event {
	return model.Event{Kind: model.EventOptionDeleted, OptionID: big.NewInt(id), Log: logRef(12, tx, 0)}
}

func txHash(n int) string {
	return common.BigToHash(big.NewInt(int64(n))).Hex()
}

// chainLog packs an OptionManager event the way the node would return it.
func chainLog(t *testing.T, kind model.EventKind, block uint64, index uint, indexed common.Address, values ...interface{}) types.Log {
	t.Helper()
	managerABI, err := contract.OptionManagerABI()
	require.NoError(t, err)

	event := managerABI.Events[string(kind)]
	data, err := event.Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)

	topics := []common.Hash{event.ID}
	if indexed != (common.Address{}) {
		topics = append(topics, common.BytesToHash(indexed.Bytes()))
	}
	return types.Log{
		Address:     testManager,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

func createdLog(t *testing.T, block uint64, index uint, id int64) types.Log {
	return chainLog(t, model.EventOptionCreated, block, index, common.HexToAddress(testSeller),
		big.NewInt(id),
		uint8(model.OptionTypePut),
		big.NewInt(1_000_000_000),
		big.NewInt(50_000_000),
		common.HexToAddress(testAsset),
		oneEther,
		big.NewInt(testExpiry.Unix()),
	)
}

func boughtLog(t *testing.T, block uint64, index uint, id int64, buyer string) types.Log {
	return chainLog(t, model.EventOptionBought, block, index, common.HexToAddress(buyer), big.NewInt(id))
}

func deletedLog(t *testing.T, block uint64, index uint, id int64) types.Log {
	return chainLog(t, model.EventOptionDeleted, block, index, common.Address{}, big.NewInt(id))
}

func records(logs ...types.Log) []model.LogRecord {
	out := make([]model.LogRecord, 0, len(logs))
	for _, log := range logs {
		out = append(out, logRecord(log))
	}
	return out
}
