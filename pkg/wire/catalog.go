// Package wire defines the record formats exchanged between the kernel
// probe and the userspace collector. The layouts mirror the structs the
// probe emits through its perf event array: fixed size per message type,
// timestamp first, native (little-endian) integers, no variable-length
// fields. Changing a field's size or order is a breaking wire change;
// the catalog only grows by adding new message types.
package wire

import "encoding/binary"

// MsgType discriminates the record variants. The numeric values are a
// persisted contract shared with the probe and must never be reassigned.
type MsgType uint32

const (
	MsgTypePerfMeasurement MsgType = 0
	MsgTypeTaskObserved    MsgType = 1
	MsgTypeTaskTerminated  MsgType = 2
)

// TaskCommLen is the width of the comm field, matching the kernel's
// TASK_COMM_LEN. The field is not guaranteed to be NUL-terminated when
// the name occupies the full width.
const TaskCommLen = 16

// Record layout constants. Every record starts with the same prefix:
// timestamp at offset 0, type at offset 8, pid at offset 12. A reader
// can always classify a record from the first HeaderSize bytes before
// deciding how many bytes the full record occupies.
const (
	HeaderSize = 12

	timestampOffset = 0
	typeOffset      = 8
	pidOffset       = 12

	MeasurementSize    = 48
	TaskObservedSize   = 32
	TaskTerminatedSize = 16
)

// byteOrder is the probe's native byte order on all supported targets.
var byteOrder = binary.LittleEndian

// Header is the size-stable prefix shared by all records.
type Header struct {
	Timestamp uint64
	Type      MsgType
}

// Measurement reports hardware counter deltas for one task since its
// previous sample. Deltas are never cumulative totals.
type Measurement struct {
	Timestamp         uint64
	PID               uint32
	CyclesDelta       uint64
	InstructionsDelta uint64
	LLCMissesDelta    uint64
	TimeDeltaNS       uint64
}

// TaskObserved announces a task the probe started tracking.
type TaskObserved struct {
	Timestamp uint64
	PID       uint32
	Comm      [TaskCommLen]byte
}

// Command returns the task name with the read bounded to the field
// width and trailing NUL padding stripped.
func (t *TaskObserved) Command() string {
	for i, b := range t.Comm {
		if b == 0 {
			return string(t.Comm[:i])
		}
	}
	return string(t.Comm[:])
}

// TaskTerminated reports that a task exited and the probe released its
// tracking state.
type TaskTerminated struct {
	Timestamp uint64
	PID       uint32
}

// Record is the closed set of decoded wire records.
type Record interface {
	RecordType() MsgType
	RecordTimestamp() uint64
}

func (m *Measurement) RecordType() MsgType    { return MsgTypePerfMeasurement }
func (t *TaskObserved) RecordType() MsgType   { return MsgTypeTaskObserved }
func (t *TaskTerminated) RecordType() MsgType { return MsgTypeTaskTerminated }

func (m *Measurement) RecordTimestamp() uint64    { return m.Timestamp }
func (t *TaskObserved) RecordTimestamp() uint64   { return t.Timestamp }
func (t *TaskTerminated) RecordTimestamp() uint64 { return t.Timestamp }

// RecordSize returns the full wire size for a message type. The second
// return is false for types outside the catalog.
func RecordSize(t MsgType) (int, bool) {
	switch t {
	case MsgTypePerfMeasurement:
		return MeasurementSize, true
	case MsgTypeTaskObserved:
		return TaskObservedSize, true
	case MsgTypeTaskTerminated:
		return TaskTerminatedSize, true
	default:
		return 0, false
	}
}
