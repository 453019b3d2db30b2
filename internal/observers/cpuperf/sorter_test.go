package cpuperf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/taskperf/pkg/wire"
)

func term(ts uint64, pid uint32) wire.Record {
	return &wire.TaskTerminated{Timestamp: ts, PID: pid}
}

func timestamps(prs []pendingRecord) []uint64 {
	out := make([]uint64, len(prs))
	for i, pr := range prs {
		out[i] = pr.ts
	}
	return out
}

func TestSorterSingleCPUReleasesInOrder(t *testing.T) {
	s := newSorter(1024)

	// One CPU: FIFO already holds, every record is at the watermark.
	ready := s.Push(term(100, 1), 0)
	assert.Equal(t, []uint64{100}, timestamps(ready))

	ready = s.Push(term(200, 2), 0)
	assert.Equal(t, []uint64{200}, timestamps(ready))
}

func TestSorterCrossCPUMerge(t *testing.T) {
	s := newSorter(1024)

	var released []pendingRecord

	// CPU 0 delivers ts 300 first; CPU 1 has not reported yet, so with
	// only one CPU seen the watermark is 300 and it releases.
	released = append(released, s.Push(term(300, 1), 0)...)
	require.Equal(t, []uint64{300}, timestamps(released))

	// Now CPU 1 appears with an older record: watermark becomes
	// min(300, 100) = 100, so ts=100 releases immediately but CPU 0's
	// next record at 400 must wait for CPU 1 to advance.
	released = append(released, s.Push(term(100, 2), 1)...)
	require.Equal(t, []uint64{300, 100}, timestamps(released))

	ready := s.Push(term(400, 3), 0)
	assert.Empty(t, ready)
	assert.Equal(t, 1, s.Pending())

	// CPU 1 advances past 400: the held record releases in order.
	ready = s.Push(term(450, 4), 1)
	assert.Equal(t, []uint64{400, 450}, timestamps(ready))
	assert.Equal(t, 0, s.Pending())
}

func TestSorterFlushDrainsInTimestampOrder(t *testing.T) {
	s := newSorter(1024)

	s.Push(term(900, 1), 0)
	s.Push(term(100, 2), 1) // releases 100 immediately, 900 stays pending

	s.Push(term(700, 3), 0)
	s.Push(term(500, 4), 0)

	flushed := s.Flush()
	assert.Equal(t, []uint64{500, 700, 900}, timestamps(flushed))
	assert.Equal(t, 0, s.Pending())
	assert.Nil(t, s.Flush())
}

func TestSorterBoundsPendingRecords(t *testing.T) {
	s := newSorter(4)

	// CPU 1 saw ts=1 and then goes idle, pinning the watermark. CPU 0
	// keeps producing; the cap forces the oldest records out rather
	// than buffering without bound.
	s.Push(term(1, 1), 1)

	total := 0
	for ts := uint64(10); ts < 20; ts++ {
		total += len(s.Push(term(ts, 2), 0))
	}
	assert.LessOrEqual(t, s.Pending(), 4)
	assert.Positive(t, total)
}
