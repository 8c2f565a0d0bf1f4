package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"optionsync/internal/dedupe"
	"optionsync/internal/metrics"
	"optionsync/internal/model"
	"optionsync/internal/retry"
	"optionsync/internal/storage"
)

// Decoder turns raw logs into events.
type Decoder interface {
	Decode(log model.LogRecord) (model.Event, error)
}

// Config tunes the ingestor.
type Config struct {
	// Workers is the number of shards. Events for one chain id always land on
	// the same shard and apply in emission order.
	Workers   int
	QueueSize int
	Retry     retry.Policy
}

// Ingestor consumes log batches and applies them to the mirror.
type Ingestor struct {
	cfg     Config
	decoder Decoder
	applier *Applier
	ledger  dedupe.Ledger
	issues  storage.IssueSink
	logger  *zap.Logger
	now     func() time.Time
}

// NewIngestor builds an Ingestor. A nil ledger keeps delivery keys in memory;
// a nil sink drops issues after logging them.
func NewIngestor(cfg Config, decoder Decoder, applier *Applier, ledger dedupe.Ledger, issues storage.IssueSink, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if ledger == nil {
		ledger = dedupe.NewMemoryLedger(0)
	}
	if issues == nil {
		issues = storage.DiscardIssues{}
	}
	return &Ingestor{
		cfg:     cfg,
		decoder: decoder,
		applier: applier,
		ledger:  ledger,
		issues:  issues,
		logger:  logger,
		now:     time.Now,
	}
}

// Run applies batches from in until it is closed or ctx ends. It returns an
// error only when an event could not be applied within the retry policy; a
// single bad event never stops the loop.
func (i *Ingestor) Run(ctx context.Context, wm *Watermark, in <-chan Batch) error {
	if i.decoder == nil || i.applier == nil {
		return fmt.Errorf("ingestor is missing decoder or applier")
	}

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan model.Event, i.cfg.Workers)
	for w := range queues {
		queue := make(chan model.Event, i.cfg.QueueSize)
		queues[w] = queue
		g.Go(func() error {
			return i.work(gctx, wm, queue)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case batch, ok := <-in:
				if !ok {
					return nil
				}
				for _, log := range batch.Logs {
					if err := i.dispatch(gctx, wm, queues, log); err != nil {
						return err
					}
				}
				wm.Advance(batch.Through)
			}
		}
	})

	return g.Wait()
}

func (i *Ingestor) dispatch(ctx context.Context, wm *Watermark, queues []chan model.Event, log model.LogRecord) error {
	ev, err := i.decoder.Decode(log)
	if err != nil {
		ce := model.NewConsistencyError(model.CodeMalformedEvent, nil, model.Event{Log: log.Ref()}, err.Error())
		i.report(ce, &log)
		metrics.RecordEvent("unknown", string(OutcomeIssue), 0)
		return nil
	}
	if log.Removed {
		// Reorged logs are not unwound automatically.
		ce := model.NewConsistencyError(model.CodeRemovedLog, nil, ev, "log removed by reorg")
		i.report(ce, &log)
		metrics.RecordEvent(string(ev.Kind), string(OutcomeIssue), 0)
		return nil
	}
	chainID, err := ev.ChainID()
	if err != nil {
		var ce *model.ConsistencyError
		if errors.As(err, &ce) {
			i.report(ce, &log)
		}
		metrics.RecordEvent(string(ev.Kind), string(OutcomeIssue), 0)
		return nil
	}

	wm.Dispatch(log.BlockNumber)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case queues[chainID%uint64(len(queues))] <- ev:
		return nil
	}
}

func (i *Ingestor) work(ctx context.Context, wm *Watermark, queue <-chan model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-queue:
			if !ok {
				return nil
			}
			if err := i.process(ctx, ev); err != nil {
				return err
			}
			wm.Done(ev.Log.BlockNumber)
		}
	}
}

// process applies one event exactly once in effect.
func (i *Ingestor) process(ctx context.Context, ev model.Event) error {
	start := time.Now()
	key := ev.Key()
	kind := string(ev.Kind)

	seen, err := i.ledger.Seen(ctx, key)
	if err != nil {
		i.logger.Warn("dedupe lookup failed", zap.Error(err), zap.String("key", key))
	}
	if seen {
		metrics.RecordEvent(kind, string(OutcomeDuplicate), 0)
		return nil
	}

	var outcome Outcome
	err = retry.Do(ctx, i.cfg.Retry,
		func(err error) bool { return !model.IsConsistency(err) },
		func(attempt int, err error, delay time.Duration) {
			metrics.StoreRetries.Inc()
			i.logger.Warn("apply failed, retrying",
				zap.Error(err),
				zap.String("event", kind),
				zap.String("tx_hash", ev.Log.TxHash),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
		},
		func(ctx context.Context) error {
			var err error
			outcome, err = i.applier.Apply(ctx, ev)
			return err
		})

	var ce *model.ConsistencyError
	switch {
	case errors.As(err, &ce):
		i.report(ce, nil)
		outcome = OutcomeIssue
	case err != nil:
		metrics.RecordEvent(kind, string(OutcomeError), time.Since(start))
		return fmt.Errorf("apply %s at %s:%d: %w", kind, ev.Log.TxHash, ev.Log.LogIndex, err)
	}

	if err := i.ledger.Mark(ctx, key); err != nil {
		i.logger.Warn("dedupe mark failed", zap.Error(err), zap.String("key", key))
	}
	metrics.RecordEvent(kind, string(outcome), time.Since(start))
	return nil
}

func (i *Ingestor) report(ce *model.ConsistencyError, raw *model.LogRecord) {
	issue := model.IssueFromError(ce, i.now())
	issue.Raw = raw
	metrics.ConsistencyIssues.WithLabelValues(string(ce.Code)).Inc()

	fields := []zap.Field{
		zap.String("code", string(ce.Code)),
		zap.String("event", string(ce.Event.Kind)),
		zap.String("tx_hash", ce.Event.Log.TxHash),
		zap.Uint64("log_index", ce.Event.Log.LogIndex),
		zap.String("detail", ce.Detail),
	}
	if ce.ChainID != nil {
		fields = append(fields, zap.Uint64("chain_id", *ce.ChainID))
	}
	i.logger.Warn("consistency issue", fields...)

	if err := i.issues.PutIssue(issue); err != nil {
		i.logger.Error("write issue failed", zap.Error(err), zap.String("code", string(ce.Code)))
	}
}
