// Package aggregator folds closed hour windows of raw samples into one
// mean record per device per hour.
package aggregator

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

// ErrIncompleteWindow is returned when aggregation is invoked for an hour
// that has not yet fully elapsed. The scheduler must only hand the
// aggregator closed buckets.
var ErrIncompleteWindow = errors.New("aggregation window has not elapsed")

// Aggregator computes hourly per-device means over raw samples.
type Aggregator struct {
	store  *store.Store
	logger *zap.Logger

	nowFn func() time.Time
}

// New creates an Aggregator over st.
func New(st *store.Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  st,
		logger: logger,
		nowFn:  time.Now,
	}
}

// AggregateHour aggregates the window [hourStart, hourStart+1h). For each
// device with at least one sample in the window it computes the mean of
// every metric field and inserts one AggregatedRecord. Devices with no
// samples produce no record. Re-invoking for an already-aggregated bucket
// is a no-op: existing records are left untouched.
//
// Returns ErrIncompleteWindow if the hour has not fully elapsed.
func (a *Aggregator) AggregateHour(hourStart time.Time) error {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	if a.nowFn().Before(hourEnd) {
		return fmt.Errorf("hour %s: %w", hourStart.Format(time.RFC3339), ErrIncompleteWindow)
	}

	samples, err := a.store.RawSamplesInRange(hourStart, hourEnd)
	if err != nil {
		return fmt.Errorf("reading window: %w", err)
	}
	if len(samples) == 0 {
		a.logger.Debug("No samples to aggregate",
			zap.Time("hour", hourStart))
		return nil
	}

	inserted, skipped := 0, 0
	for _, rec := range fold(hourStart, samples) {
		err := a.store.InsertAggregatedRecord(rec)
		if errors.Is(err, store.ErrDuplicateKey) {
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("writing aggregate: %w", err)
		}
		inserted++
	}

	a.logger.Info("Aggregated hour",
		zap.Time("hour", hourStart),
		zap.Int("records", inserted),
		zap.Int("already_aggregated", skipped))
	return nil
}

// AggregateDue backfills every closed hour that still has unaggregated raw
// samples. cutoff is the latest instant a window may end at to be
// considered closed (normally now minus the grace period).
func (a *Aggregator) AggregateDue(cutoff time.Time) error {
	hours, err := a.store.HoursNeedingAggregation(cutoff)
	if err != nil {
		return fmt.Errorf("finding unaggregated hours: %w", err)
	}

	for _, hour := range hours {
		if err := a.AggregateHour(hour); err != nil {
			return err
		}
	}
	return nil
}

// fold groups samples by device and computes per-device means. Samples
// arrive ordered by (device UID, timestamp), so device runs are contiguous.
func fold(hourStart time.Time, samples []models.RawSample) []models.AggregatedRecord {
	var records []models.AggregatedRecord

	flush := func(rec models.AggregatedRecord) {
		rec.Metrics.Scale(rec.SampleCount)
		records = append(records, rec)
	}

	var current models.AggregatedRecord
	for _, sample := range samples {
		if sample.Device.UID != current.DeviceUID {
			if current.SampleCount > 0 {
				flush(current)
			}
			current = models.AggregatedRecord{
				AggregationTimestamp: hourStart,
				DeviceUID:            sample.Device.UID,
			}
		}
		// Latest observed name wins, matching the sample order.
		current.Name = sample.Device.Name
		current.Metrics.Add(sample.Metrics)
		current.SampleCount++
	}
	if current.SampleCount > 0 {
		flush(current)
	}

	return records
}
