// Package query provides the read-only access layer behind the audit and
// historical-lookup commands. It never writes.
package query

import (
	"errors"
	"time"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

// ErrNotFound mirrors store.ErrNotFound for callers that only import query.
var ErrNotFound = store.ErrNotFound

// Service answers historical queries over the repository.
type Service struct {
	store *store.Store
}

// New creates a query Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// ListSendAttempts returns all delivery audit rows, newest bucket first.
// An empty slice is a genuine empty audit trail, not an error.
func (s *Service) ListSendAttempts() ([]models.SendAttempt, error) {
	return s.store.ListSendAttempts()
}

// SearchSendAttempts returns the audit rows for one aggregation bucket.
// Returns ErrNotFound when the bucket has no attempts at all.
func (s *Service) SearchSendAttempts(aggregationTime time.Time) ([]models.SendAttempt, error) {
	return s.store.SearchSendAttempts(aggregationTime)
}

// Collection is the result of a historical lookup: one row per device,
// ordered by device UID. Aggregated reports whether the rows are hourly
// means (SampleCount > 0) or a raw snapshot (SampleCount == 0).
type Collection struct {
	Timestamp  time.Time `json:"timestamp"`
	Aggregated bool      `json:"aggregated"`
	Rows       []Row     `json:"rows"`
}

// Row is one device's metrics within a Collection.
type Row struct {
	DeviceUID   string         `json:"device_uid"`
	Name        string         `json:"name"`
	SampleCount int            `json:"sample_count,omitempty"`
	Metrics     models.Metrics `json:"metrics"`
}

// ShowCollection resolves a historical lookup. A nil timestamp means "the
// most recent raw snapshot". When ts lands exactly on an aggregated hour
// bucket, the aggregated rows for that hour are returned; otherwise the
// nearest raw snapshot at or before ts. Returns ErrNotFound when no data
// exists at or before the requested instant.
func (s *Service) ShowCollection(ts *time.Time) (*Collection, error) {
	if ts == nil {
		latest, err := s.store.LatestRawTimestamp()
		if err != nil {
			return nil, err
		}
		return s.rawCollection(latest)
	}

	at := ts.UTC()
	if at.Equal(at.Truncate(time.Hour)) {
		records, err := s.store.AggregatesAt(at)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return aggregatedCollection(at, records), nil
		}
	}

	nearest, err := s.store.NearestRawTimestampBefore(at)
	if err != nil {
		return nil, err
	}
	return s.rawCollection(nearest)
}

func (s *Service) rawCollection(ts time.Time) (*Collection, error) {
	samples, err := s.store.RawSamplesAt(ts)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrNotFound
	}

	coll := &Collection{Timestamp: ts}
	for _, sample := range samples {
		coll.Rows = append(coll.Rows, Row{
			DeviceUID: sample.Device.UID,
			Name:      sample.Device.Name,
			Metrics:   sample.Metrics,
		})
	}
	return coll, nil
}

func aggregatedCollection(hour time.Time, records []models.AggregatedRecord) *Collection {
	coll := &Collection{Timestamp: hour, Aggregated: true}
	for _, rec := range records {
		coll.Rows = append(coll.Rows, Row{
			DeviceUID:   rec.DeviceUID,
			Name:        rec.Name,
			SampleCount: rec.SampleCount,
			Metrics:     rec.Metrics,
		})
	}
	return coll
}

// IsNotFound reports whether err indicates a missing search key or an
// instant with no data, as opposed to a storage failure.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
