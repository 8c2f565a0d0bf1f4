package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"optionsync/internal/model"
	"optionsync/internal/retry"
)

// LogFeed is the part of the chain client the source reads from.
type LogFeed interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Batch is a run of logs in emission order. Through is the highest block
// whose logs have all been emitted once the batch is consumed.
type Batch struct {
	Logs    []model.LogRecord
	Through uint64
}

// SourceConfig holds runtime settings for the event source.
type SourceConfig struct {
	Contract     common.Address
	Topic0       []common.Hash
	BatchSize    uint64
	PollInterval time.Duration
	Retry        retry.Policy
}

// Source backfills contract logs from a start block and then follows the
// chain, by subscription when the transport supports it and by polling
// otherwise.
type Source struct {
	cfg    SourceConfig
	feed   LogFeed
	logger *zap.Logger
}

// NewSource builds a Source.
func NewSource(cfg SourceConfig, feed LogFeed, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Source{cfg: cfg, feed: feed, logger: logger}
}

// Run emits batches into out starting at block from. It returns when ctx
// ends or the feed fails beyond the retry policy.
func (s *Source) Run(ctx context.Context, from uint64, out chan<- Batch) error {
	if s.feed == nil {
		return fmt.Errorf("log feed is nil")
	}
	if s.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}

	next := from
	for {
		sub, live, err := s.subscribe(ctx)
		if err != nil {
			return err
		}

		next, err = s.catchUp(ctx, next, out)
		if err != nil {
			if sub != nil {
				sub.Unsubscribe()
			}
			return err
		}

		if sub == nil {
			return s.poll(ctx, next, out)
		}

		next, err = s.follow(ctx, sub, live, next, out)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("log subscription dropped, resubscribing", zap.Error(err), zap.Uint64("next", next))
		if err := sleepCtx(ctx, s.cfg.Retry.WithDefaults().BaseDelay); err != nil {
			return err
		}
	}
}

// subscribe opens a live feed. It returns a nil subscription when the
// transport cannot push notifications.
func (s *Source) subscribe(ctx context.Context) (ethereum.Subscription, chan types.Log, error) {
	live := make(chan types.Log, 256)
	var sub ethereum.Subscription
	err := retry.Do(ctx, s.cfg.Retry,
		func(err error) bool { return !errors.Is(err, rpc.ErrNotificationsUnsupported) },
		func(attempt int, err error, _ time.Duration) {
			s.logger.Warn("subscribe logs failed", zap.Error(err), zap.Int("attempt", attempt))
		},
		func(ctx context.Context) error {
			var err error
			sub, err = s.feed.SubscribeLogs(ctx, []common.Address{s.cfg.Contract}, s.cfg.Topic0, live)
			return err
		})
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		s.logger.Info("rpc does not support subscriptions, polling", zap.Duration("interval", s.cfg.PollInterval))
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return sub, live, nil
}

// catchUp emits every log from next to the current head and returns the
// block after the head.
func (s *Source) catchUp(ctx context.Context, next uint64, out chan<- Batch) (uint64, error) {
	var head uint64
	err := retry.Do(ctx, s.cfg.Retry, nil,
		func(attempt int, err error, _ time.Duration) {
			s.logger.Warn("latest block fetch failed", zap.Error(err), zap.Int("attempt", attempt))
		},
		func(ctx context.Context) error {
			var err error
			head, err = s.feed.LatestBlockNumber(ctx)
			return err
		})
	if err != nil {
		return next, fmt.Errorf("get latest block: %w", err)
	}
	if next > head {
		return next, nil
	}

	cursor, err := newRangeCursor(next, head, s.cfg.BatchSize)
	if err != nil {
		return next, err
	}
	for blockRange, ok := cursor.Next(); ok; blockRange, ok = cursor.Next() {
		logs, err := s.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return next, fmt.Errorf("filter logs: %w", err)
		}

		records := logRecords(logs)
		if err := send(ctx, out, Batch{Logs: records, Through: blockRange.To}); err != nil {
			return next, err
		}
		next = blockRange.To + 1

		s.logger.Debug("range emitted", zap.Int("logs", len(records)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}
	return next, nil
}

func (s *Source) follow(ctx context.Context, sub ethereum.Subscription, live <-chan types.Log, next uint64, out chan<- Batch) (uint64, error) {
	for {
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return next, err
		case log := <-live:
			if !log.Removed && log.BlockNumber < next {
				continue
			}
			through := uint64(0)
			if log.BlockNumber > 0 {
				through = log.BlockNumber - 1
			}
			if err := send(ctx, out, Batch{Logs: []model.LogRecord{logRecord(log)}, Through: through}); err != nil {
				return next, err
			}
			if !log.Removed && log.BlockNumber > next {
				next = log.BlockNumber
			}
		}
	}
}

func (s *Source) poll(ctx context.Context, next uint64, out chan<- Batch) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var err error
		next, err = s.catchUp(ctx, next, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("poll failed", zap.Error(err), zap.Uint64("next", next))
		}
	}
}

func (s *Source) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(ctx, s.cfg.Retry, nil, nil, func(ctx context.Context) error {
		var err error
		logs, err = s.feed.FilterLogs(ctx, fromBlock, toBlock, []common.Address{s.cfg.Contract}, s.cfg.Topic0)
		if err != nil {
			s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func send(ctx context.Context, out chan<- Batch, batch Batch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- batch:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
