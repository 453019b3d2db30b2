package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrShortRecord marks a record shorter than its type requires.
	ErrShortRecord = errors.New("wire: short record")
	// ErrUnknownType marks a tag outside the catalog.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// PeekHeader reads the common prefix without interpreting the body.
func PeekHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d for header", ErrShortRecord, len(b), HeaderSize)
	}
	return Header{
		Timestamp: byteOrder.Uint64(b[timestampOffset:]),
		Type:      MsgType(byteOrder.Uint32(b[typeOffset:])),
	}, nil
}

// Decode classifies b by its tag and decodes the full record. Corrupt
// input (short or unknown-type) comes back as an error for the caller
// to count and discard; Decode never panics on malformed bytes. Extra
// trailing bytes are tolerated because perf samples arrive padded to
// 8-byte boundaries.
func Decode(b []byte) (Record, error) {
	hdr, err := PeekHeader(b)
	if err != nil {
		return nil, err
	}

	size, ok := RecordSize(hdr.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, hdr.Type)
	}
	if len(b) < size {
		return nil, fmt.Errorf("%w: %d bytes, need %d for type %d", ErrShortRecord, len(b), size, hdr.Type)
	}

	pid := byteOrder.Uint32(b[pidOffset:])

	switch hdr.Type {
	case MsgTypePerfMeasurement:
		return &Measurement{
			Timestamp:         hdr.Timestamp,
			PID:               pid,
			CyclesDelta:       byteOrder.Uint64(b[16:]),
			InstructionsDelta: byteOrder.Uint64(b[24:]),
			LLCMissesDelta:    byteOrder.Uint64(b[32:]),
			TimeDeltaNS:       byteOrder.Uint64(b[40:]),
		}, nil
	case MsgTypeTaskObserved:
		rec := &TaskObserved{
			Timestamp: hdr.Timestamp,
			PID:       pid,
		}
		copy(rec.Comm[:], b[HeaderSize+4:TaskObservedSize])
		return rec, nil
	default: // MsgTypeTaskTerminated, RecordSize already vetted the tag
		return &TaskTerminated{
			Timestamp: hdr.Timestamp,
			PID:       pid,
		}, nil
	}
}
