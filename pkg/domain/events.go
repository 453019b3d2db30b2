// Package domain holds the typed events and shared status types the
// taskperf collector passes between its observer, pipeline, and exports.
package domain

import "time"

// EventType identifies what a CollectorEvent carries.
type EventType string

const (
	EventTypeTaskObserved   EventType = "task.observed"
	EventTypeMeasurement    EventType = "task.measurement"
	EventTypeTaskTerminated EventType = "task.terminated"
)

// EventSeverity grades events for downstream routing.
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityError    EventSeverity = "error"
	EventSeverityCritical EventSeverity = "critical"
)

// CollectorEvent is a decoded, contextualized probe record. Timestamp
// carries the probe's monotonic event time; delivery order across CPUs
// is not meaningful, only the timestamp is.
type CollectorEvent struct {
	EventID   string        `json:"event_id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	Source    string        `json:"source"`
	Severity  EventSeverity `json:"severity"`

	EventData EventDataContainer `json:"event_data"`

	Metadata EventMetadata `json:"metadata,omitempty"`
}

// EventDataContainer holds exactly one typed payload, selected by the
// event's Type.
type EventDataContainer struct {
	Task        *TaskData        `json:"task,omitempty"`
	Measurement *MeasurementData `json:"measurement,omitempty"`
}

// TaskData describes a task lifecycle event (observed or terminated).
type TaskData struct {
	PID     uint32 `json:"pid"`
	Command string `json:"command,omitempty"`
	CPU     int    `json:"cpu"`
}

// MeasurementData carries one hardware counter sample. All values are
// deltas since the task's previous sample. Wrapped marks a sample whose
// raw delta had the sign bit set (counter wraparound); such deltas are
// clamped to zero and the sample counts as invalid for accounting.
type MeasurementData struct {
	PID               uint32 `json:"pid"`
	CPU               int    `json:"cpu"`
	CyclesDelta       uint64 `json:"cycles_delta"`
	InstructionsDelta uint64 `json:"instructions_delta"`
	LLCMissesDelta    uint64 `json:"llc_misses_delta"`
	TimeDeltaNS       uint64 `json:"time_delta_ns"`
	Wrapped           bool   `json:"wrapped,omitempty"`
}

// EventMetadata carries free-form labels for routing and debugging.
type EventMetadata struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// PIDOf returns the subject pid of the event's payload.
func (e *CollectorEvent) PIDOf() uint32 {
	switch {
	case e.EventData.Measurement != nil:
		return e.EventData.Measurement.PID
	case e.EventData.Task != nil:
		return e.EventData.Task.PID
	default:
		return 0
	}
}
