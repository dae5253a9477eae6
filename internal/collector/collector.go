package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

// snapshotTimeout bounds a single source snapshot call.
const snapshotTimeout = 10 * time.Second

// Collector runs one collection tick: snapshot the source, stamp the
// readings, and persist them as raw samples. Snapshot and storage failures
// are logged and skipped; the next tick retries from scratch.
type Collector struct {
	source Source
	store  *store.Store
	logger *zap.Logger

	nowFn func() time.Time
}

// New creates a Collector reading from source and writing to st.
func New(source Source, st *store.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source: source,
		store:  st,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Collect performs one collection tick. The collection timestamp is
// truncated to whole seconds so every device in the tick shares one instant.
func (c *Collector) Collect(ctx context.Context) {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	readings, err := c.source.Snapshot(snapCtx)
	if err != nil {
		c.logger.Error("Snapshot failed",
			zap.String("source", c.source.Name()),
			zap.Error(err))
		return
	}
	if len(readings) == 0 {
		c.logger.Warn("Source returned no devices",
			zap.String("source", c.source.Name()))
		return
	}

	now := c.nowFn().UTC().Truncate(time.Second)
	samples := make([]models.RawSample, 0, len(readings))
	for _, r := range readings {
		samples = append(samples, models.RawSample{
			Timestamp: now,
			Device:    r.Device,
			Metrics:   r.Metrics,
		})
	}

	inserted, err := c.store.InsertRawSamples(samples)
	if err != nil {
		c.logger.Error("Failed to persist samples", zap.Error(err))
		return
	}

	c.logger.Debug("Collected metrics",
		zap.Time("timestamp", now),
		zap.Int("devices", len(samples)),
		zap.Int("inserted", inserted))
}
