//go:build linux
// +build linux

package cpuperf

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// EventOpener opens one hardware perf event per CPU and installs the
// file descriptors in a probe-side BPF_MAP_TYPE_PERF_EVENT_ARRAY, so
// the probe can read the counter with bpf_perf_event_read_value.
type EventOpener struct {
	mu       sync.Mutex
	array    *ebpf.Map
	eventFDs []int
}

// NewEventOpener opens the perf event described by attr on every CPU
// slot of array. On failure, every descriptor opened so far is closed.
func NewEventOpener(array *ebpf.Map, attr unix.PerfEventAttr) (*EventOpener, error) {
	nCPU := int(array.MaxEntries())
	eventFDs := make([]int, 0, nCPU)

	// Clone keeps the map alive independently of the collection
	array, err := array.Clone()
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		for _, fd := range eventFDs {
			unix.Close(fd)
		}
		array.Close()
	}

	for cpu := 0; cpu < nCPU; cpu++ {
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open perf event on CPU %d: %w", cpu, err)
		}
		eventFDs = append(eventFDs, fd)

		if err := array.Put(uint32(cpu), uint32(fd)); err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to install perf event fd for CPU %d: %w", cpu, err)
		}
	}

	eo := &EventOpener{
		array:    array,
		eventFDs: eventFDs,
	}
	runtime.SetFinalizer(eo, (*EventOpener).Close)
	return eo, nil
}

// Close releases the perf event descriptors and the map reference.
func (eo *EventOpener) Close() error {
	eo.mu.Lock()
	defer eo.mu.Unlock()

	if eo.eventFDs == nil {
		return nil
	}

	var firstErr error
	for _, fd := range eo.eventFDs {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := eo.array.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	eo.eventFDs = nil
	eo.array = nil
	runtime.SetFinalizer(eo, nil)

	return firstErr
}
