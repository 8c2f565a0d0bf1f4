package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsync/internal/contract"
	"optionsync/internal/dedupe"
	"optionsync/internal/model"
	"optionsync/internal/retry"
	"optionsync/internal/storage/sqlite"
)

type ingestHarness struct {
	store    *sqlite.Store
	issues   *memoryIssues
	ingestor *Ingestor
}

func newHarness(t *testing.T, workers int) *ingestHarness {
	t.Helper()
	return newHarnessWithStore(t, newTestStore(t), workers)
}

func newHarnessWithStore(t *testing.T, store *sqlite.Store, workers int) *ingestHarness {
	t.Helper()
	decoder, err := contract.NewDecoder()
	require.NoError(t, err)

	issues := &memoryIssues{}
	applier := NewApplier(store, testDecimals(), testQuote, nil)
	ingestor := NewIngestor(Config{
		Workers:   workers,
		QueueSize: 4,
		Retry:     retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, decoder, applier, dedupe.NewMemoryLedger(0), issues, nil)
	return &ingestHarness{store: store, issues: issues, ingestor: ingestor}
}

// run feeds batches through the ingestor and waits for it to drain.
func (h *ingestHarness) run(t *testing.T, wm *Watermark, batches ...Batch) {
	t.Helper()
	in := make(chan Batch, len(batches))
	for _, b := range batches {
		in <- b
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.ingestor.Run(ctx, wm, in))
}

func TestIngestorPromotesOnceUnderRedelivery(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	local, err := h.store.InsertProvisional(ctx, provisional())
	require.NoError(t, err)

	created := createdLog(t, 10, 0, 7)
	wm := NewWatermark(9)
	h.run(t, wm,
		Batch{Logs: records(created), Through: 10},
		Batch{Logs: records(created, created), Through: 10},
	)

	all, err := h.store.List(ctx, model.ListFilter{Seller: &testSeller, IncludeProvisional: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, local.ID, all[0].ID)
	require.NotNil(t, all[0].ChainID)
	assert.Equal(t, uint64(7), *all[0].ChainID)

	assert.Empty(t, h.issues.codes())
	assert.Equal(t, uint64(10), wm.Safe())
	assert.Zero(t, wm.Pending())
}

func TestIngestorBoughtRedeliveryKeepsBuyer(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	bought := boughtLog(t, 11, 0, 7, testBuyer)
	h.run(t, NewWatermark(0),
		Batch{Logs: records(createdLog(t, 10, 0, 7)), Through: 10},
		Batch{Logs: records(bought), Through: 11},
		Batch{Logs: records(bought), Through: 11},
	)

	got, err := h.store.GetByChainID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got.BuyerAddress)
	assert.True(t, model.SameAddress(testBuyer, *got.BuyerAddress))
	assert.Empty(t, h.issues.codes())
}

func TestIngestorReportsDoublePurchaseAndContinues(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.run(t, NewWatermark(0),
		Batch{Logs: records(
			createdLog(t, 10, 0, 7),
			boughtLog(t, 11, 0, 7, testBuyer),
			boughtLog(t, 12, 0, 7, otherBuyer),
			createdLog(t, 13, 0, 8),
		), Through: 13},
	)

	got, err := h.store.GetByChainID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got.BuyerAddress)
	assert.True(t, model.SameAddress(testBuyer, *got.BuyerAddress))

	_, err = h.store.GetByChainID(ctx, 8)
	require.NoError(t, err, "events after a bad one are still applied")

	assert.Equal(t, []model.ConsistencyCode{model.CodeDoublePurchase}, h.issues.codes())
}

func TestIngestorDuplicateDelete(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	deleted := deletedLog(t, 11, 0, 7)
	h.run(t, NewWatermark(0),
		Batch{Logs: records(createdLog(t, 10, 0, 7)), Through: 10},
		Batch{Logs: records(deleted), Through: 11},
	)
	_, err := h.store.GetByChainID(ctx, 7)
	require.ErrorIs(t, err, model.ErrNotFound)

	// A fresh process has no ledger entries; the store alone keeps it idempotent.
	fresh := newHarnessWithStore(t, h.store, 1)
	fresh.run(t, NewWatermark(0), Batch{Logs: records(deleted), Through: 11})

	_, err = h.store.GetByChainID(ctx, 7)
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, h.issues.codes())
	assert.Empty(t, fresh.issues.codes())
}

func TestIngestorRecordsBadLogs(t *testing.T) {
	h := newHarness(t, 1)

	garbage := records(createdLog(t, 10, 0, 7))[0]
	garbage.Data = "0x1234"

	removed := records(boughtLog(t, 11, 1, 7, testBuyer))[0]
	removed.Removed = true

	unknown := records(createdLog(t, 12, 0, 7))[0]
	unknown.Topics = []string{common.HexToHash("0xab").Hex()}

	h.run(t, NewWatermark(0), Batch{Logs: []model.LogRecord{garbage, removed, unknown}, Through: 12})

	assert.Equal(t, []model.ConsistencyCode{
		model.CodeMalformedEvent,
		model.CodeRemovedLog,
		model.CodeMalformedEvent,
	}, h.issues.codes())

	h.issues.mu.Lock()
	defer h.issues.mu.Unlock()
	require.NotNil(t, h.issues.issues[0].Raw)
	assert.Equal(t, garbage.TxHash, h.issues.issues[0].Raw.TxHash)
}

func TestIngestorKeepsPerOptionOrderAcrossShards(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	var logs []model.LogRecord
	for id := int64(1); id <= 8; id++ {
		logs = append(logs, records(createdLog(t, 10, uint(id), id))...)
	}
	for id := int64(1); id <= 8; id++ {
		logs = append(logs, records(boughtLog(t, 11, uint(id), id, testBuyer))...)
	}
	h.run(t, NewWatermark(0), Batch{Logs: logs, Through: 11})

	bought, err := h.store.List(ctx, model.ListFilter{Buyer: &testBuyer})
	require.NoError(t, err)
	assert.Len(t, bought, 8)
	assert.Empty(t, h.issues.codes())
}

// flakyTransitions fails the first failures SaveTransition calls with a
// plain store error and records the watermark seen on each failed attempt.
type flakyTransitions struct {
	*sqlite.Store
	wm       *Watermark
	failures int
	calls    int
	safeSeen []uint64
}

func (s *flakyTransitions) SaveTransition(ctx context.Context, prev, next model.Option) (bool, error) {
	s.calls++
	if s.calls <= s.failures {
		s.safeSeen = append(s.safeSeen, s.wm.Safe())
		return false, errors.New("connection reset by peer")
	}
	return s.Store.SaveTransition(ctx, prev, next)
}

func TestIngestorRetriesStoreErrorsUntilApplied(t *testing.T) {
	ctx := context.Background()
	decoder, err := contract.NewDecoder()
	require.NoError(t, err)

	wm := NewWatermark(9)
	store := &flakyTransitions{Store: newTestStore(t), wm: wm, failures: 3}
	issues := &memoryIssues{}
	ingestor := NewIngestor(Config{
		Workers: 1,
		Retry:   retry.Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, decoder, NewApplier(store, testDecimals(), testQuote, nil), dedupe.NewMemoryLedger(0), issues, nil)

	in := make(chan Batch, 2)
	in <- Batch{Logs: records(createdLog(t, 10, 0, 7)), Through: 10}
	in <- Batch{Logs: records(boughtLog(t, 11, 0, 7, testBuyer)), Through: 11}
	close(in)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, ingestor.Run(runCtx, wm, in))

	assert.Equal(t, 4, store.calls, "three failures then success")
	assert.Equal(t, []uint64{10, 10, 10}, store.safeSeen, "watermark held below the retried event")
	assert.Equal(t, uint64(11), wm.Safe())
	assert.Empty(t, issues.codes())

	got, err := store.GetByChainID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got.BuyerAddress)
	assert.True(t, model.SameAddress(testBuyer, *got.BuyerAddress))
	assert.Equal(t, model.StatusPurchased, got.Status)
}

func TestIngestorStopsWhenStoreRetriesRunOut(t *testing.T) {
	decoder, err := contract.NewDecoder()
	require.NoError(t, err)

	wm := NewWatermark(9)
	store := &flakyTransitions{Store: newTestStore(t), wm: wm, failures: 100}
	ingestor := NewIngestor(Config{
		Workers: 1,
		Retry:   retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, decoder, NewApplier(store, testDecimals(), testQuote, nil), dedupe.NewMemoryLedger(0), &memoryIssues{}, nil)

	in := make(chan Batch, 2)
	in <- Batch{Logs: records(createdLog(t, 10, 0, 7)), Through: 10}
	in <- Batch{Logs: records(boughtLog(t, 11, 0, 7, testBuyer)), Through: 11}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, ingestor.Run(ctx, wm, in))
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, uint64(10), wm.Safe(), "unapplied event is never checkpointed past")
}
