package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

// Engine drives the delivery state machine. All retry state lives in
// send_attempt rows; the engine holds nothing across cycles or restarts.
type Engine struct {
	store       *store.Store
	transport   Transport
	offline     bool
	maxAttempts int
	logger      *zap.Logger

	nowFn func() time.Time
}

// New creates an Engine. When offline is true, RunCycle returns without
// attempting or recording anything.
func New(st *store.Store, transport Transport, offline bool, maxAttempts int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       st,
		transport:   transport,
		offline:     offline,
		maxAttempts: maxAttempts,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// RunCycle attempts delivery for every pending aggregate once. Keys whose
// attempts are exhausted are skipped and stay visible through the audit
// queries. Failed keys stay pending for the next cycle; there is no
// immediate re-attempt within a cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	if e.offline {
		e.logger.Debug("Offline mode, skipping delivery cycle")
		return nil
	}

	pending, err := e.store.PendingAggregates()
	if err != nil {
		return fmt.Errorf("loading pending aggregates: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.logger.Info("Delivery cycle", zap.Int("pending", len(pending)))

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.deliver(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// deliver runs one attempt for one key and persists the outcome atomically.
func (e *Engine) deliver(ctx context.Context, rec models.AggregatedRecord) error {
	attempt, err := e.store.GetSendAttempt(rec.AggregationTimestamp, rec.DeviceUID)
	if errors.Is(err, store.ErrNotFound) {
		attempt = models.SendAttempt{
			AggregationTimestamp: rec.AggregationTimestamp,
			DeviceUID:            rec.DeviceUID,
		}
	} else if err != nil {
		return fmt.Errorf("loading send attempt: %w", err)
	}

	switch StateOf(attempt, e.maxAttempts) {
	case Sent:
		// PendingAggregates should never return these; guard anyway.
		return nil
	case Abandoned:
		e.logger.Debug("Attempts exhausted, leaving for audit",
			zap.Time("bucket", rec.AggregationTimestamp),
			zap.String("device", rec.DeviceUID),
			zap.Int("attempts", attempt.AttemptCount))
		return nil
	}

	now := e.nowFn().UTC().Truncate(time.Second)
	attempt.AttemptCount++
	if attempt.FirstAttemptTime.IsZero() || attempt.AttemptCount == 1 {
		attempt.FirstAttemptTime = now
	}
	attempt.LastAttemptTime = now

	ackUID, sendErr := e.transport.Send(ctx, rec)
	if sendErr != nil {
		attempt.LastError = sendErr.Error()
		attempt.Sent = false

		e.logger.Warn("Delivery attempt failed",
			zap.Time("bucket", rec.AggregationTimestamp),
			zap.String("device", rec.DeviceUID),
			zap.Int("attempt", attempt.AttemptCount),
			zap.Error(sendErr))

		if attempt.AttemptCount >= e.maxAttempts {
			e.logger.Error("Delivery abandoned after max attempts",
				zap.Time("bucket", rec.AggregationTimestamp),
				zap.String("device", rec.DeviceUID),
				zap.Int("attempts", attempt.AttemptCount))
		}
	} else {
		attempt.LastError = ""
		attempt.AckUID = ackUID
		attempt.Sent = true

		e.logger.Info("Record sent",
			zap.Time("bucket", rec.AggregationTimestamp),
			zap.String("device", rec.DeviceUID),
			zap.Int("attempts", attempt.AttemptCount))
	}

	if err := e.store.UpsertSendAttempt(attempt); err != nil {
		return fmt.Errorf("recording send attempt: %w", err)
	}
	return nil
}
