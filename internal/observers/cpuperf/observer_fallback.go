//go:build !linux
// +build !linux

package cpuperf

import (
	"fmt"
	"time"

	"github.com/yairfalse/taskperf/internal/transport"
	"github.com/yairfalse/taskperf/pkg/wire"
)

// Without eBPF the observer runs a synthetic workload: the real wire
// encoder emits records through an in-memory per-CPU transport and the
// regular decode path consumes them. Useful for developing the pipeline
// and exports off a Linux box.

// startEBPF is a no-op on non-Linux platforms.
func (o *Observer) startEBPF() error {
	o.logger.Warn("CPU performance observer requires Linux with eBPF, emitting synthetic events")
	return nil
}

// stopEBPF is a no-op on non-Linux platforms.
func (o *Observer) stopEBPF() {}

// processEvents simulates two producer CPUs feeding the transport.
func (o *Observer) processEvents() {
	const cpus = 2
	mem := transport.NewMemory(cpus, 256)
	encoders := make([]*wire.Encoder, cpus)
	for i := range encoders {
		encoders[i] = wire.NewEncoder(mem.CPU(i))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tick := uint64(0)
	for {
		select {
		case <-o.LifecycleManager.Context().Done():
			o.flushPending()
			return
		case <-ticker.C:
			tick++
			for cpu, enc := range encoders {
				pid := uint32(4200 + cpu)
				now := uint64(time.Now().UnixNano())

				if tick == 1 || tick%30 == 1 {
					if _, err := enc.EmitTaskObserved(pid, fmt.Sprintf("sim-worker-%d", cpu), now); err != nil {
						o.RecordError(err)
					}
				}

				err := enc.EmitMeasurement(pid,
					500_000+tick*1000, // cycles
					900_000+tick*1000, // instructions
					tick%32,           // llc misses
					uint64(time.Second/4),
					now+1)
				if err != nil {
					o.RecordError(err)
				}

				if tick%30 == 0 {
					if err := enc.EmitTaskTerminated(pid, now+2); err != nil {
						o.RecordError(err)
					}
				}
			}

			for {
				d, ok := mem.Poll()
				if !ok {
					break
				}
				o.handleRawRecord(d.Raw, d.CPU)
			}
			o.flushPending()
		}
	}
}
