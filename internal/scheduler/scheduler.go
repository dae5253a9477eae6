// Package scheduler runs the agent's periodic tasks: collection,
// aggregation, delivery retry, and retention sweep. Each task gets its own
// goroutine and ticker so a slow delivery attempt never stalls collection;
// storage access serializes inside the store. Task failures are logged and
// the task retries on its next tick — only a cancelled context stops a loop.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gpuwatch/agent/internal/aggregator"
	"github.com/gpuwatch/agent/internal/collector"
	"github.com/gpuwatch/agent/internal/config"
	"github.com/gpuwatch/agent/internal/delivery"
	"github.com/gpuwatch/agent/internal/retention"
)

// Scheduler wires the pipeline components to their timers.
type Scheduler struct {
	collector *collector.Collector
	agg       *aggregator.Aggregator
	engine    *delivery.Engine
	sweeper   *retention.Sweeper
	cfg       *config.Config
	logger    *zap.Logger
}

// New creates a Scheduler over the given components.
func New(c *collector.Collector, agg *aggregator.Aggregator, engine *delivery.Engine,
	sweeper *retention.Sweeper, cfg *config.Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		collector: c,
		agg:       agg,
		engine:    engine,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start runs all task loops until the context is cancelled. It blocks and
// always returns nil after a clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.collectLoop(ctx) })
	g.Go(func() error { return s.aggregateLoop(ctx) })
	g.Go(func() error { return s.deliverLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// collectLoop samples the source every collection interval, starting with
// an immediate tick.
func (s *Scheduler) collectLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Intervals.Collection.Duration)
	defer ticker.Stop()

	s.collector.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.collector.Collect(ctx)
		}
	}
}

// aggregateLoop backfills any closed hours at startup, then fires shortly
// after each hour boundary. The grace offset admits samples collected right
// at the boundary before the window is folded.
func (s *Scheduler) aggregateLoop(ctx context.Context) error {
	grace := s.cfg.Intervals.AggregationGrace.Duration

	s.aggregateDue(grace)

	for {
		next := nextAggregation(time.Now().UTC(), grace)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.aggregateDue(grace)
		}
	}
}

func (s *Scheduler) aggregateDue(grace time.Duration) {
	cutoff := time.Now().UTC().Add(-grace)
	if err := s.agg.AggregateDue(cutoff); err != nil {
		s.logger.Error("Aggregation pass failed", zap.Error(err))
	}
}

// nextAggregation returns the first instant after now that lies a grace
// period past an hour boundary.
func nextAggregation(now time.Time, grace time.Duration) time.Time {
	next := now.Truncate(time.Hour).Add(grace)
	for !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// deliverLoop retries pending aggregates on a fixed interval. The first
// cycle runs immediately so records buffered during downtime go out as soon
// as the process is back.
func (s *Scheduler) deliverLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Intervals.DeliveryRetry.Duration)
	defer ticker.Stop()

	s.deliverCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.deliverCycle(ctx)
		}
	}
}

func (s *Scheduler) deliverCycle(ctx context.Context) {
	if err := s.engine.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Delivery cycle failed", zap.Error(err))
	}
}

// sweepLoop enforces retention on a fixed interval, starting immediately.
func (s *Scheduler) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Intervals.RetentionSweep.Duration)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	if err := s.sweeper.Sweep(time.Now().UTC()); err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
	}
}
