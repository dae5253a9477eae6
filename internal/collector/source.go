// Package collector provides the snapshot source boundary and the periodic
// collection task that persists raw samples.
package collector

import (
	"context"

	"github.com/gpuwatch/agent/internal/models"
)

// Source is the boundary to whatever produces per-device readings.
// Vendor GPU libraries implement this outside the core; HostSource provides
// a best-effort fallback built on host sensors.
type Source interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Snapshot returns one reading per visible device.
	// The context allows for cancellation and timeout control.
	Snapshot(ctx context.Context) ([]models.DeviceReading, error)

	// Close releases any vendor library handles.
	Close() error
}
