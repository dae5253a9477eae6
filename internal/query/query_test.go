package query

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gpuwatch/agent/internal/models"
	"github.com/gpuwatch/agent/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func insertSnapshot(t *testing.T, st *store.Store, ts time.Time, temp float64) {
	t.Helper()
	_, err := st.InsertRawSamples([]models.RawSample{
		{
			Timestamp: ts,
			Device:    models.Device{UID: "GPU-A", Name: "Test GPU"},
			Metrics:   models.Metrics{Temperature: temp},
		},
		{
			Timestamp: ts,
			Device:    models.Device{UID: "GPU-B", Name: "Test GPU"},
			Metrics:   models.Metrics{Temperature: temp + 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestShowCollection_EmptyTimestampReturnsLatest(t *testing.T) {
	svc, st := newTestService(t)
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(5 * time.Minute)
	insertSnapshot(t, st, older, 40)
	insertSnapshot(t, st, newer, 50)

	coll, err := svc.ShowCollection(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !coll.Timestamp.Equal(newer) {
		t.Errorf("timestamp = %s, want latest %s", coll.Timestamp, newer)
	}
	if coll.Aggregated {
		t.Error("latest snapshot reported as aggregated")
	}
	if len(coll.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(coll.Rows))
	}
	// Deterministic device order.
	if coll.Rows[0].DeviceUID != "GPU-A" || coll.Rows[1].DeviceUID != "GPU-B" {
		t.Errorf("row order = %s, %s", coll.Rows[0].DeviceUID, coll.Rows[1].DeviceUID)
	}
}

func TestShowCollection_ExactHourReturnsAggregates(t *testing.T) {
	svc, st := newTestService(t)
	hour := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Raw data exists inside the hour too; the aggregate must win on an
	// exact bucket match.
	insertSnapshot(t, st, hour.Add(10*time.Minute), 40)
	err := st.InsertAggregatedRecord(models.AggregatedRecord{
		AggregationTimestamp: hour,
		DeviceUID:            "GPU-A",
		Name:                 "Test GPU",
		Metrics:              models.Metrics{Temperature: 42},
		SampleCount:          60,
	})
	if err != nil {
		t.Fatal(err)
	}

	coll, err := svc.ShowCollection(&hour)
	if err != nil {
		t.Fatal(err)
	}
	if !coll.Aggregated {
		t.Fatal("exact bucket match did not return aggregates")
	}
	if len(coll.Rows) != 1 || coll.Rows[0].SampleCount != 60 {
		t.Errorf("rows = %+v", coll.Rows)
	}
}

func TestShowCollection_FallsBackToNearestRaw(t *testing.T) {
	svc, st := newTestService(t)
	ts := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)
	insertSnapshot(t, st, ts, 40)

	// Hour bucket with no aggregate: nearest raw at or before wins.
	lookup := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	coll, err := svc.ShowCollection(&lookup)
	if err != nil {
		t.Fatal(err)
	}
	if coll.Aggregated {
		t.Error("fallback lookup reported as aggregated")
	}
	if !coll.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %s, want nearest raw %s", coll.Timestamp, ts)
	}
}

func TestShowCollection_NotFoundBeforeAllData(t *testing.T) {
	svc, st := newTestService(t)
	insertSnapshot(t, st, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), 40)

	early := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.ShowCollection(&early)
	if !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestShowCollection_EmptyDatabase(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ShowCollection(nil)
	if !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestSearchSendAttempts_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SearchSendAttempts(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if !IsNotFound(err) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestRenderCSV(t *testing.T) {
	svc, st := newTestService(t)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insertSnapshot(t, st, ts, 40)

	coll, err := svc.ShowCollection(nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := coll.Render(&buf, FormatCSV); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,device_uid,name") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "GPU-A") || !strings.Contains(lines[1], "40") {
		t.Errorf("unexpected first row: %s", lines[1])
	}
}

func TestRenderJSON(t *testing.T) {
	svc, st := newTestService(t)
	insertSnapshot(t, st, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), 40)

	coll, err := svc.ShowCollection(nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := coll.Render(&buf, FormatJSON); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"device_uid": "GPU-A"`) {
		t.Errorf("json output missing device row: %s", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat accepted xml")
	}
	for _, valid := range []string{"json", "csv"} {
		if _, err := ParseFormat(valid); err != nil {
			t.Errorf("ParseFormat(%q) = %v", valid, err)
		}
	}
}
