// Package retention enforces the data retention policy: raw samples are
// kept for the raw horizon, aggregates and their audit rows for the
// aggregate horizon.
package retention

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gpuwatch/agent/internal/store"
)

// Sweeper prunes expired rows from all three tables.
type Sweeper struct {
	store            *store.Store
	rawHorizon       time.Duration
	aggregateHorizon time.Duration
	logger           *zap.Logger
}

// New creates a Sweeper with the given horizons.
func New(st *store.Store, rawHorizon, aggregateHorizon time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:            st,
		rawHorizon:       rawHorizon,
		aggregateHorizon: aggregateHorizon,
		logger:           logger,
	}
}

// Sweep deletes rows older than their horizon relative to now. Re-running
// with the same or later now only ever deletes rows already eligible; rows
// still within a horizon are never touched. Each table's prune is its own
// short transaction so a sweep never holds a long write lock.
func (s *Sweeper) Sweep(now time.Time) error {
	rawCutoff := now.Add(-s.rawHorizon)
	aggregateCutoff := now.Add(-s.aggregateHorizon)

	rawDeleted, err := s.store.PruneRawBefore(rawCutoff)
	if err != nil {
		return fmt.Errorf("pruning raw samples: %w", err)
	}

	aggDeleted, err := s.store.PruneAggregatesBefore(aggregateCutoff)
	if err != nil {
		return fmt.Errorf("pruning aggregates: %w", err)
	}

	attemptsDeleted, err := s.store.PruneSendAttemptsBefore(aggregateCutoff)
	if err != nil {
		return fmt.Errorf("pruning send attempts: %w", err)
	}

	s.logger.Info("Retention sweep complete",
		zap.Time("raw_cutoff", rawCutoff),
		zap.Time("aggregate_cutoff", aggregateCutoff),
		zap.Int64("raw_deleted", rawDeleted),
		zap.Int64("aggregates_deleted", aggDeleted),
		zap.Int64("attempts_deleted", attemptsDeleted))
	return nil
}
