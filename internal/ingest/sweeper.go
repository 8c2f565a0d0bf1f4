package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"optionsync/internal/metrics"
)

// Settler settles expired collateral-backed options.
type Settler interface {
	SettleExpired(ctx context.Context, now time.Time) (int64, error)
}

// Clock reports the time expiry is judged against.
type Clock func(ctx context.Context) (time.Time, error)

// WallClock judges expiry by local time.
func WallClock(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// HeadReader reads the chain head.
type HeadReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// ChainClock judges expiry by the timestamp of the latest block, which is
// what the contract compares expiry against.
func ChainClock(head HeadReader) Clock {
	return func(ctx context.Context) (time.Time, error) {
		number, err := head.LatestBlockNumber(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("get latest block: %w", err)
		}
		ts, err := head.BlockTimestamp(ctx, number)
		if err != nil {
			return time.Time{}, fmt.Errorf("block timestamp %d: %w", number, err)
		}
		return time.Unix(int64(ts), 0).UTC(), nil
	}
}

// Sweeper periodically moves collateral_held options past expiry to settled.
type Sweeper struct {
	store    Settler
	clock    Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper builds a Sweeper. A non-positive interval disables it.
func NewSweeper(store Settler, clock Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = WallClock
	}
	return &Sweeper{store: store, clock: clock, interval: interval, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 || s.store == nil {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep settles every expired option once and returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now, err := s.clock(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.store.SettleExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("settle expired: %w", err)
	}
	if n > 0 {
		metrics.ExpiredSettled.Add(float64(n))
		s.logger.Info("expired options settled", zap.Int64("count", n), zap.Time("as_of", now))
	}
	return n, nil
}
