// Package models defines the persisted data structures shared across the agent:
// device identity, raw samples, hourly aggregates, and delivery attempts.
// These structures are serialized to JSON for transmission to the collector server.
package models

import "time"

// Device identifies a monitored GPU. Immutable once observed.
type Device struct {
	UID      string `json:"uid"`
	PCIBusID string `json:"pci_bus_id"`
	Name     string `json:"name"`
}

// Metrics holds one set of GPU metric values. The same field set is used
// for instantaneous readings and for hourly means.
type Metrics struct {
	Temperature       float64 `json:"temperature"`
	MemoryUsed        float64 `json:"memory_used"`
	MemoryTotal       float64 `json:"memory_total"`
	GPUUtilization    float64 `json:"gpu_utilization"`
	MemoryUtilization float64 `json:"memory_utilization"`
	PowerUsage        float64 `json:"power_usage"`
	FanSpeed          float64 `json:"fan_speed"`
	GraphicsClock     float64 `json:"graphics_clock"`
	MemoryClock       float64 `json:"memory_clock"`
}

// Add accumulates other into m field by field.
func (m *Metrics) Add(other Metrics) {
	m.Temperature += other.Temperature
	m.MemoryUsed += other.MemoryUsed
	m.MemoryTotal += other.MemoryTotal
	m.GPUUtilization += other.GPUUtilization
	m.MemoryUtilization += other.MemoryUtilization
	m.PowerUsage += other.PowerUsage
	m.FanSpeed += other.FanSpeed
	m.GraphicsClock += other.GraphicsClock
	m.MemoryClock += other.MemoryClock
}

// Scale divides every field by n. n must be > 0.
func (m *Metrics) Scale(n int) {
	f := float64(n)
	m.Temperature /= f
	m.MemoryUsed /= f
	m.MemoryTotal /= f
	m.GPUUtilization /= f
	m.MemoryUtilization /= f
	m.PowerUsage /= f
	m.FanSpeed /= f
	m.GraphicsClock /= f
	m.MemoryClock /= f
}

// DeviceReading is one device's instantaneous metrics as returned by a
// snapshot source, before a collection timestamp is attached.
type DeviceReading struct {
	Device  Device  `json:"device"`
	Metrics Metrics `json:"metrics"`
}

// RawSample is one device's reading at a collection timestamp.
// At most one RawSample exists per (timestamp, device UID).
type RawSample struct {
	Timestamp time.Time `json:"timestamp"`
	Device    Device    `json:"device"`
	Metrics   Metrics   `json:"metrics"`
}

// AggregatedRecord is one device's hourly summary. AggregationTimestamp is
// the start of the hour bucket; each metric field is the arithmetic mean of
// the raw samples folded in. At most one record exists per (bucket, device).
type AggregatedRecord struct {
	AggregationTimestamp time.Time `json:"aggregation_timestamp"`
	DeviceUID            string    `json:"device_uid"`
	Name                 string    `json:"name"`
	Metrics              Metrics   `json:"metrics"`
	SampleCount          int       `json:"sample_count"`
}

// SendAttempt is the delivery audit row for one (bucket, device) key.
// It is inserted on the first attempt and updated in place on every
// subsequent one; all retry state lives here so the delivery engine can
// resume correctly after a restart.
type SendAttempt struct {
	AggregationTimestamp time.Time `json:"aggregation_timestamp"`
	DeviceUID            string    `json:"device_uid"`
	AttemptCount         int       `json:"attempt_count"`
	FirstAttemptTime     time.Time `json:"first_attempt_time"`
	LastAttemptTime      time.Time `json:"last_attempt_time"`
	LastError            string    `json:"last_error,omitempty"`
	AckUID               string    `json:"ack_uid,omitempty"`
	Sent                 bool      `json:"sent"`
}
