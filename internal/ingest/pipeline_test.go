package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsync/internal/contract"
	"optionsync/internal/dedupe"
	"optionsync/internal/model"
	"optionsync/internal/retry"
)

func TestPipelineAppliesAndCheckpoints(t *testing.T) {
	decoder, err := contract.NewDecoder()
	require.NoError(t, err)

	store := newTestStore(t)
	local, err := store.InsertProvisional(context.Background(), provisional())
	require.NoError(t, err)

	feed := &fakeFeed{subErr: rpc.ErrNotificationsUnsupported}
	feed.setHead(40,
		createdLog(t, 12, 0, 7),
		boughtLog(t, 30, 0, 7, testBuyer),
	)

	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	checkpoint := &FileCheckpoint{Path: filepath.Join(t.TempDir(), "checkpoint.json")}
	newPipeline := func() *Pipeline {
		source := NewSource(SourceConfig{
			Contract:     testManager,
			Topic0:       decoder.Topics(),
			BatchSize:    10,
			PollInterval: 10 * time.Millisecond,
			Retry:        policy,
		}, feed, nil)
		ingestor := NewIngestor(Config{Workers: 2, Retry: policy},
			decoder, NewApplier(store, testDecimals(), testQuote, nil), dedupe.NewMemoryLedger(0), &memoryIssues{}, nil)
		sweeper := NewSweeper(store, nil, time.Hour, nil)
		return NewPipeline(PipelineConfig{FromBlock: 5, CheckpointInterval: 10 * time.Millisecond}, source, ingestor, checkpoint, sweeper, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newPipeline().Run(ctx) }()

	require.Eventually(t, func() bool {
		o, err := store.GetByID(context.Background(), local.ID)
		return err == nil && o.Status == model.StatusPurchased
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		block, ok, err := checkpoint.Load(context.Background())
		return err == nil && ok && block == 40
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// A restart resumes after the checkpoint instead of the configured start.
	feed.mu.Lock()
	feed.filtered = nil
	feed.mu.Unlock()

	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- newPipeline().Run(ctx) }()
	feed.setHead(45)
	require.Eventually(t, func() bool {
		block, _, _ := checkpoint.Load(context.Background())
		return block == 45
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	require.NotEmpty(t, feed.filtered)
	assert.Equal(t, uint64(41), feed.filtered[0][0])
}

func TestSweeperSettlesExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	applier := NewApplier(store, testDecimals(), testQuote, nil)

	for _, ev := range []model.Event{
		createdEvent(7, txHash(1)),
		buyerEvent(model.EventOptionBought, 7, testBuyer, txHash(2)),
		buyerEvent(model.EventAssetSent, 7, testBuyer, txHash(3)),
	} {
		_, err := applier.Apply(ctx, ev)
		require.NoError(t, err)
	}

	before := NewSweeper(store, func(context.Context) (time.Time, error) {
		return testExpiry.Add(-time.Second), nil
	}, time.Minute, nil)
	n, err := before.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	after := NewSweeper(store, func(context.Context) (time.Time, error) {
		return testExpiry.Add(time.Second), nil
	}, time.Minute, nil)
	n, err = after.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetByChainID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, got.Status)
	assert.Equal(t, model.SettlementExpired, got.Settlement)

	// The chain's exercise event still wins over the local expiry call.
	outcome, err := applier.Apply(ctx, buyerEvent(model.EventOptionExercised, 7, testBuyer, txHash(4)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got, err = store.GetByChainID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementExercised, got.Settlement)
}

type fakeHead struct {
	block uint64
	ts    uint64
}

func (f fakeHead) LatestBlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f fakeHead) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	if number != f.block {
		return 0, assert.AnError
	}
	return f.ts, nil
}

func TestChainClockUsesHeadTimestamp(t *testing.T) {
	now, err := ChainClock(fakeHead{block: 100, ts: 1748736000})(context.Background())
	require.NoError(t, err)
	assert.True(t, now.Equal(time.Unix(1748736000, 0)))
}
