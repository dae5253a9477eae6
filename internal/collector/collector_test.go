package collector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

// fakeSource returns a fixed set of readings, or an error.
type fakeSource struct {
	readings []models.DeviceReading
	err      error
	calls    int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Snapshot(ctx context.Context) ([]models.DeviceReading, error) {
	f.calls++
	return f.readings, f.err
}

func (f *fakeSource) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func twoGPUs() []models.DeviceReading {
	return []models.DeviceReading{
		{
			Device:  models.Device{UID: "GPU-A", PCIBusID: "0000:01:00.0", Name: "Test GPU A"},
			Metrics: models.Metrics{Temperature: 55, GPUUtilization: 80},
		},
		{
			Device:  models.Device{UID: "GPU-B", PCIBusID: "0000:02:00.0", Name: "Test GPU B"},
			Metrics: models.Metrics{Temperature: 48, GPUUtilization: 10},
		},
	}
}

func TestCollect_PersistsOneSamplePerDevice(t *testing.T) {
	st := newTestStore(t)
	tick := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c := New(&fakeSource{readings: twoGPUs()}, st, nil)
	c.nowFn = func() time.Time { return tick }
	c.Collect(context.Background())

	samples, err := st.RawSamplesInRange(tick, tick.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(samples))
	}
	for _, sample := range samples {
		if !sample.Timestamp.Equal(tick) {
			t.Errorf("sample timestamp = %s, want shared tick instant %s",
				sample.Timestamp, tick)
		}
	}
	if samples[0].Device.Name != "Test GPU A" || samples[1].Metrics.Temperature != 48 {
		t.Errorf("unexpected sample contents: %+v", samples)
	}
}

func TestCollect_RepeatedTickIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	tick := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c := New(&fakeSource{readings: twoGPUs()}, st, nil)
	c.nowFn = func() time.Time { return tick }
	c.Collect(context.Background())
	c.Collect(context.Background()) // same instant again

	samples, err := st.RawSamplesInRange(tick, tick.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Errorf("len(samples) = %d, want 2 (duplicate tick must be a no-op)", len(samples))
	}
}

func TestCollect_SnapshotFailureIsSkipped(t *testing.T) {
	st := newTestStore(t)
	tick := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	src := &fakeSource{err: errors.New("vendor library unavailable")}
	c := New(src, st, nil)
	c.nowFn = func() time.Time { return tick }

	// Must not panic or persist anything; the next tick simply retries.
	c.Collect(context.Background())

	samples, err := st.RawSamplesInRange(tick.Add(-time.Hour), tick.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 0 {
		t.Errorf("samples persisted despite snapshot failure: %d", len(samples))
	}
	if src.calls != 1 {
		t.Errorf("snapshot calls = %d, want 1", src.calls)
	}
}
