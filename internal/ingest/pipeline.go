package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"optionsync/internal/metrics"
)

// PipelineConfig holds the run settings shared by the pipeline stages.
type PipelineConfig struct {
	// FromBlock is where ingestion starts when no later checkpoint exists.
	FromBlock          uint64
	CheckpointInterval time.Duration
	BufferSize         int
}

// Pipeline wires the source, ingestor, checkpoint and expiry sweeper.
type Pipeline struct {
	cfg        PipelineConfig
	source     *Source
	ingestor   *Ingestor
	checkpoint CheckpointStore
	sweeper    *Sweeper
	logger     *zap.Logger
}

// NewPipeline builds a Pipeline. checkpoint and sweeper may be nil.
func NewPipeline(cfg PipelineConfig, source *Source, ingestor *Ingestor, checkpoint CheckpointStore, sweeper *Sweeper, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		ingestor:   ingestor,
		checkpoint: checkpoint,
		sweeper:    sweeper,
		logger:     logger,
	}
}

// Run ingests until ctx ends. The checkpoint is saved on exit, so a restart
// resumes after the last block whose events were all applied.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil || p.ingestor == nil {
		return fmt.Errorf("pipeline is missing source or ingestor")
	}

	from := p.cfg.FromBlock
	if p.checkpoint != nil {
		last, ok, err := p.checkpoint.Load(ctx)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok && last >= from {
			from = last + 1
			p.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", from))
		}
	}

	start := uint64(0)
	if from > 0 {
		start = from - 1
	}
	wm := NewWatermark(start)
	saved := start
	batches := make(chan Batch, p.cfg.BufferSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		return p.source.Run(gctx, from, batches)
	})
	g.Go(func() error {
		return p.ingestor.Run(gctx, wm, batches)
	})
	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := p.save(gctx, wm, &saved); err != nil {
					p.logger.Warn("checkpoint save failed", zap.Error(err))
				}
			}
		}
	})
	if p.sweeper != nil {
		g.Go(func() error {
			return p.sweeper.Run(gctx)
		})
	}

	err := g.Wait()
	if saveErr := p.save(context.Background(), wm, &saved); saveErr != nil {
		p.logger.Error("final checkpoint save failed", zap.Error(saveErr))
		if err == nil {
			err = saveErr
		}
	}
	p.logger.Info("ingestion stopped", zap.Uint64("checkpoint", saved), zap.Int("pending", wm.Pending()))

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) save(ctx context.Context, wm *Watermark, saved *uint64) error {
	safe := wm.Safe()
	if safe <= *saved || p.checkpoint == nil {
		return nil
	}
	if err := p.checkpoint.Save(ctx, safe); err != nil {
		return err
	}
	*saved = safe
	metrics.CheckpointBlock.Set(float64(safe))
	p.logger.Debug("checkpoint saved", zap.Uint64("block", safe))
	return nil
}
