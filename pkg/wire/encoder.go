package wire

import "errors"

// ErrTransportFull is returned by transports that cannot accept a record
// right now. Emission never retries: the producer runs in a context that
// must not block, so the caller decides whether to count the loss.
var ErrTransportFull = errors.New("wire: transport full")

// Transport accepts fixed-size records for asynchronous delivery to the
// consumer, associated with the calling producer context (one writer per
// CPU). Submit must never block, must not retain buf after returning,
// and may fail immediately when the channel is full. Acceptance means
// "queued", not "delivered": the channel may still drop the record on
// overflow without telling the producer.
type Transport interface {
	Submit(buf []byte) error
}

// Encoder builds wire records and hands them to a Transport. Each emit
// operation assembles the record in a stack-local array of exactly the
// record's wire size; nothing is allocated and ownership of the bytes
// ends when Submit returns.
type Encoder struct {
	tr Transport
}

// NewEncoder returns an Encoder emitting through tr.
func NewEncoder(tr Transport) *Encoder {
	return &Encoder{tr: tr}
}

func putPrefix(buf []byte, timestamp uint64, t MsgType, pid uint32) {
	byteOrder.PutUint64(buf[timestampOffset:], timestamp)
	byteOrder.PutUint32(buf[typeOffset:], uint32(t))
	byteOrder.PutUint32(buf[pidOffset:], pid)
}

// EmitMeasurement submits one counter-delta sample for pid. A non-nil
// error means the transport did not accept the record; no partial record
// reaches the wire in that case.
func (e *Encoder) EmitMeasurement(pid uint32, cyclesDelta, instructionsDelta, llcMissesDelta, timeDeltaNS, timestamp uint64) error {
	var buf [MeasurementSize]byte
	putPrefix(buf[:], timestamp, MsgTypePerfMeasurement, pid)
	byteOrder.PutUint64(buf[16:], cyclesDelta)
	byteOrder.PutUint64(buf[24:], instructionsDelta)
	byteOrder.PutUint64(buf[32:], llcMissesDelta)
	byteOrder.PutUint64(buf[40:], timeDeltaNS)
	return e.tr.Submit(buf[:])
}

// EmitTaskObserved submits a task-observed record. name is copied into
// the fixed comm field; names longer than TaskCommLen bytes are cut at
// the field width and reported through truncated rather than silently
// dropped on the floor.
func (e *Encoder) EmitTaskObserved(pid uint32, name string, timestamp uint64) (truncated bool, err error) {
	var buf [TaskObservedSize]byte
	putPrefix(buf[:], timestamp, MsgTypeTaskObserved, pid)
	n := copy(buf[HeaderSize+4:], name)
	return n < len(name), e.tr.Submit(buf[:])
}

// EmitTaskTerminated submits a task-terminated record for pid.
func (e *Encoder) EmitTaskTerminated(pid uint32, timestamp uint64) error {
	var buf [TaskTerminatedSize]byte
	putPrefix(buf[:], timestamp, MsgTypeTaskTerminated, pid)
	return e.tr.Submit(buf[:])
}
