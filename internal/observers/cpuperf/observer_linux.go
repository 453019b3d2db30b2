//go:build linux
// +build linux

package cpuperf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Names inside the compiled probe object. The probe publishes its
// records through "events" (a perf event array) and reads hardware
// counters from the three per-CPU counter maps.
const (
	probeProgram     = "taskperf_sample"
	tracepointGroup  = "taskperf"
	tracepointName   = "taskperf_sample"
	eventsMapName    = "events"
	cyclesMapName    = "cycles"
	instructionsMap  = "instructions"
	llcMissesMapName = "llc_misses"
)

// ebpfStateImpl contains eBPF-specific state.
type ebpfStateImpl struct {
	coll       *ebpf.Collection
	tp         link.Link
	perfReader *perf.Reader
	openers    []*EventOpener
}

// startEBPF loads the probe object, wires the hardware counters, and
// opens the perf reader.
func (o *Observer) startEBPF() error {
	if o.config.BPFObjectPath == "" {
		return fmt.Errorf("no BPF object path configured")
	}

	// Allow the probe to lock memory for its maps
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(o.config.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("failed to load BPF object: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("failed to load BPF collection: %w", err)
	}

	state := &ebpfStateImpl{coll: coll}
	cleanup := func() {
		state.close()
	}

	eventsMap, ok := coll.Maps[eventsMapName]
	if !ok {
		cleanup()
		return fmt.Errorf("%s map not found in probe object", eventsMapName)
	}

	// One hardware counter group per CPU, fanned into the probe's
	// counter maps. Read_format matches what the probe expects when it
	// reads the counters from BPF.
	commonAttr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_HARDWARE,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}

	counters := []struct {
		mapName string
		config  uint64
	}{
		{cyclesMapName, unix.PERF_COUNT_HW_CPU_CYCLES},
		{instructionsMap, unix.PERF_COUNT_HW_INSTRUCTIONS},
		{llcMissesMapName, unix.PERF_COUNT_HW_CACHE_MISSES},
	}

	for _, c := range counters {
		m, ok := coll.Maps[c.mapName]
		if !ok {
			cleanup()
			return fmt.Errorf("%s map not found in probe object", c.mapName)
		}

		attr := commonAttr
		attr.Config = c.config
		opener, err := NewEventOpener(m, attr)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open %s counters: %w", c.mapName, err)
		}
		state.openers = append(state.openers, opener)
	}

	// Large watermark so the reader wakes on batches, not per record
	perCPUBuffer := o.config.PerCPUBufferPages * os.Getpagesize()
	reader, err := perf.NewReaderWithOptions(eventsMap, perCPUBuffer, perf.ReaderOptions{
		Watermark: perCPUBuffer / 2,
	})
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to create perf reader: %w", err)
	}
	state.perfReader = reader

	prog, ok := coll.Programs[probeProgram]
	if !ok {
		cleanup()
		return fmt.Errorf("%s program not found in probe object", probeProgram)
	}

	tp, err := link.Tracepoint(tracepointGroup, tracepointName, prog, nil)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to attach tracepoint: %w", err)
	}
	state.tp = tp

	o.ebpfState = state

	o.logger.Info("Probe attached",
		zap.String("object", o.config.BPFObjectPath),
		zap.Int("per_cpu_buffer", perCPUBuffer))

	return nil
}

func (s *ebpfStateImpl) close() {
	if s.tp != nil {
		s.tp.Close()
	}
	if s.perfReader != nil {
		s.perfReader.Close()
	}
	for _, opener := range s.openers {
		opener.Close()
	}
	if s.coll != nil {
		s.coll.Close()
	}
}

// stopEBPF detaches and releases all probe resources.
func (o *Observer) stopEBPF() {
	state, ok := o.ebpfState.(*ebpfStateImpl)
	if !ok {
		return
	}
	state.close()
	o.ebpfState = nil
}

// processEvents reads the perf ring until shutdown. The read deadline
// doubles as the sorter flush tick: when the ring is quiet, buffered
// records are released instead of waiting on an idle CPU's watermark.
func (o *Observer) processEvents() {
	state, ok := o.ebpfState.(*ebpfStateImpl)
	if !ok || state.perfReader == nil {
		o.logger.Error("No eBPF state available, not consuming events")
		return
	}

	for {
		select {
		case <-o.LifecycleManager.Context().Done():
			o.flushPending()
			return
		default:
		}

		state.perfReader.SetDeadline(time.Now().Add(o.config.FlushInterval))

		record, err := state.perfReader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, perf.ErrFlushed) {
				o.flushPending()
				continue
			}
			if errors.Is(err, perf.ErrClosed) {
				o.flushPending()
				return
			}
			o.RecordError(err)
			o.logger.Warn("Failed to read from perf ring", zap.Error(err))
			continue
		}

		if record.LostSamples != 0 {
			o.recordLoss(record.LostSamples)
			continue
		}

		o.handleRawRecord(record.RawSample, record.CPU)
	}
}
