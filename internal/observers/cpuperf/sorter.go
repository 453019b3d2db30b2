package cpuperf

import (
	"container/heap"

	"github.com/yairfalse/taskperf/pkg/wire"
)

// The perf transport only guarantees FIFO per CPU; across CPUs the
// stream interleaves arbitrarily. The sorter buffers records in a
// timestamp min-heap and releases one only when every CPU that has ever
// produced has advanced past it (the watermark), which restores a
// global timestamp order. Equal timestamps carry no order: they pop in
// whatever order the heap holds them.

type pendingRecord struct {
	ts  uint64
	cpu int
	rec wire.Record
}

type recordHeap []pendingRecord

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].ts < h[j].ts }
func (h recordHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(pendingRecord)) }
func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type sorter struct {
	h          recordHeap
	latest     map[int]uint64 // last timestamp seen per CPU
	maxPending int
}

func newSorter(maxPending int) *sorter {
	return &sorter{
		latest:     make(map[int]uint64),
		maxPending: maxPending,
	}
}

// Push adds a record and returns every buffered record now at or below
// the watermark, oldest first. When the buffer exceeds maxPending the
// oldest records are released early; better slightly reordered than
// unbounded memory behind one idle CPU.
func (s *sorter) Push(rec wire.Record, cpu int) []pendingRecord {
	heap.Push(&s.h, pendingRecord{ts: rec.RecordTimestamp(), cpu: cpu, rec: rec})

	if last, ok := s.latest[cpu]; !ok || rec.RecordTimestamp() > last {
		s.latest[cpu] = rec.RecordTimestamp()
	}

	watermark := s.watermark()

	var out []pendingRecord
	for s.h.Len() > 0 && s.h[0].ts <= watermark {
		out = append(out, heap.Pop(&s.h).(pendingRecord))
	}
	for s.h.Len() > s.maxPending {
		out = append(out, heap.Pop(&s.h).(pendingRecord))
	}
	return out
}

// Flush drains everything in timestamp order. Called when the ring goes
// quiet so idle CPUs cannot hold records hostage.
func (s *sorter) Flush() []pendingRecord {
	if s.h.Len() == 0 {
		return nil
	}
	out := make([]pendingRecord, 0, s.h.Len())
	for s.h.Len() > 0 {
		out = append(out, heap.Pop(&s.h).(pendingRecord))
	}
	return out
}

// Pending returns the number of buffered records.
func (s *sorter) Pending() int {
	return s.h.Len()
}

// watermark is the minimum of the per-CPU latest timestamps: everything
// at or below it can no longer be preceded by an unseen record, because
// each CPU's queue is FIFO.
func (s *sorter) watermark() uint64 {
	var wm uint64
	first := true
	for _, ts := range s.latest {
		if first || ts < wm {
			wm = ts
			first = false
		}
	}
	return wm
}
