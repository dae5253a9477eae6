// Host fallback source — models the machine itself as a single pseudo-device.
// Uses gopsutil for host identity, memory, and thermal sensor readings on
// machines where no vendor GPU library is available. Sensor-less fields
// (fan speed, clocks) read as zero.
package collector

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gpuwatch/agent/internal/models"
)

// Sensor name substrings used to identify GPU temperature sensors.
// Linux: amdgpu_edge_input, nouveau_temp1_input; macOS: TG0P, TG0D.
var gpuSensorKeys = []string{
	"gpu", "nvidia", "amd", "radeon",
	"tg0p", "tg0d",
	"amdgpu", "nouveau",
}

// maxValidTemp is the maximum temperature (°C) considered valid.
// Readings above this are likely sensor errors.
const maxValidTemp = 150.0

// HostSource reports the host as one pseudo-device using gopsutil.
type HostSource struct{}

// NewHostSource creates the host fallback source.
func NewHostSource() *HostSource {
	return &HostSource{}
}

// Name returns the source identifier.
func (s *HostSource) Name() string { return "host" }

// Snapshot gathers a single reading for the host pseudo-device.
func (s *HostSource) Snapshot(ctx context.Context) ([]models.DeviceReading, error) {
	id, err := host.HostIDWithContext(ctx)
	if err != nil {
		return nil, err
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	reading := models.DeviceReading{
		Device: models.Device{
			UID:      "host-" + id,
			PCIBusID: "0000:00:00.0",
			Name:     info.Hostname,
		},
		Metrics: models.Metrics{
			MemoryUsed:        float64(vm.Used),
			MemoryTotal:       float64(vm.Total),
			MemoryUtilization: vm.UsedPercent,
		},
	}

	// Thermal sensors are optional; a host without them still yields a reading.
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		reading.Metrics.Temperature = hottestGPUSensor(temps)
	}

	return []models.DeviceReading{reading}, nil
}

// Close is a no-op; gopsutil holds no handles.
func (s *HostSource) Close() error { return nil }

// hottestGPUSensor returns the maximum plausible reading across sensors
// whose name matches a GPU key, or zero if none match.
func hottestGPUSensor(temps []host.TemperatureStat) float64 {
	var max float64
	for _, t := range temps {
		if t.Temperature <= 0 || t.Temperature > maxValidTemp {
			continue
		}
		name := strings.ToLower(t.SensorKey)
		if matchesSensor(name, gpuSensorKeys) && t.Temperature > max {
			max = t.Temperature
		}
	}
	return max
}

// matchesSensor checks if the sensor name contains any of the given key substrings.
func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}
