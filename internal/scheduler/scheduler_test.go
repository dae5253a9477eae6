package scheduler

import (
	"testing"
	"time"
)

func TestNextAggregation(t *testing.T) {
	grace := 2 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid hour waits for next boundary",
			now:  time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 11, 2, 0, 0, time.UTC),
		},
		{
			name: "inside grace window waits for this hour's offset",
			now:  time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC),
		},
		{
			name: "exactly at offset schedules the next hour",
			now:  time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 11, 2, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		got := nextAggregation(tt.now, grace)
		if !got.Equal(tt.want) {
			t.Errorf("%s: nextAggregation(%s) = %s, want %s", tt.name, tt.now, got, tt.want)
		}
		if !got.After(tt.now) {
			t.Errorf("%s: scheduled instant %s not after now %s", tt.name, got, tt.now)
		}
	}
}
