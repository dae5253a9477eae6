package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gpuwatch/agent/internal/models"
)

// Format selects the output encoding for collection data.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json or csv)", s)
	}
}

// Render writes the collection to w in the requested format.
func (c *Collection) Render(w io.Writer, format Format) error {
	switch format {
	case FormatCSV:
		return c.renderCSV(w)
	default:
		return c.renderJSON(w)
	}
}

func (c *Collection) renderJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

var csvHeader = []string{
	"timestamp", "device_uid", "name", "sample_count",
	"temperature", "memory_used", "memory_total",
	"gpu_utilization", "memory_utilization",
	"power_usage", "fan_speed", "graphics_clock", "memory_clock",
}

func (c *Collection) renderCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	ts := c.Timestamp.UTC().Format(time.RFC3339)
	for _, row := range c.Rows {
		record := append([]string{
			ts,
			row.DeviceUID,
			row.Name,
			strconv.Itoa(row.SampleCount),
		}, metricFields(row.Metrics)...)
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func metricFields(m models.Metrics) []string {
	values := []float64{
		m.Temperature, m.MemoryUsed, m.MemoryTotal,
		m.GPUUtilization, m.MemoryUtilization,
		m.PowerUsage, m.FanSpeed, m.GraphicsClock, m.MemoryClock,
	}
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fields
}
