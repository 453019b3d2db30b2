// Package transport provides the in-process stand-in for the kernel's
// perf event array: per-CPU FIFO queues that never block the producer
// and drop silently on overflow. Tests and the non-eBPF fallback
// producer run the real wire encoder through it.
package transport

import (
	"sync/atomic"

	"github.com/yairfalse/taskperf/pkg/wire"
)

// Delivery is one record read from the consumer side, tagged with the
// producer context it came from. Ordering is FIFO within a CPU only.
type Delivery struct {
	CPU int
	Raw []byte
}

// Memory is a multi-queue in-memory transport. Each CPU index owns an
// independent bounded FIFO; submissions from different CPUs have no
// ordering relationship, matching the perf event array contract.
type Memory struct {
	queues  []chan []byte
	dropped atomic.Uint64
}

// NewMemory creates a transport with one queue per CPU, each holding up
// to depth records.
func NewMemory(cpus, depth int) *Memory {
	queues := make([]chan []byte, cpus)
	for i := range queues {
		queues[i] = make(chan []byte, depth)
	}
	return &Memory{queues: queues}
}

// CPU returns the submitter for one producer context. The returned
// Transport is the single writer for that queue.
func (m *Memory) CPU(i int) wire.Transport {
	return cpuQueue{m: m, cpu: i}
}

// CPUs returns the number of producer contexts.
func (m *Memory) CPUs() int {
	return len(m.queues)
}

// Dropped returns the number of records rejected on submit.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Poll reads the next record from any CPU queue without blocking. The
// second return is false when every queue is momentarily empty.
func (m *Memory) Poll() (Delivery, bool) {
	for cpu, q := range m.queues {
		select {
		case raw := <-q:
			return Delivery{CPU: cpu, Raw: raw}, true
		default:
		}
	}
	return Delivery{}, false
}

// PollCPU reads the next record from one CPU queue without blocking.
func (m *Memory) PollCPU(cpu int) (Delivery, bool) {
	select {
	case raw := <-m.queues[cpu]:
		return Delivery{CPU: cpu, Raw: raw}, true
	default:
		return Delivery{}, false
	}
}

type cpuQueue struct {
	m   *Memory
	cpu int
}

// Submit copies the record into the CPU's queue. The copy is required
// because the encoder's buffer is dead once Submit returns. Never
// blocks; a full queue fails with wire.ErrTransportFull.
func (q cpuQueue) Submit(buf []byte) error {
	rec := append([]byte(nil), buf...)
	select {
	case q.m.queues[q.cpu] <- rec:
		return nil
	default:
		q.m.dropped.Add(1)
		return wire.ErrTransportFull
	}
}
