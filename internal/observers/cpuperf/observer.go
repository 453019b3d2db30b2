// Package cpuperf consumes the kernel probe's per-task CPU performance
// stream: hardware counter deltas plus task lifecycle records, delivered
// over a per-CPU perf event channel. The observer decodes the wire
// records, restores timestamp order across CPUs, keeps the per-task
// accounting table, and emits typed collector events.
package cpuperf

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/taskperf/internal/observers"
	"github.com/yairfalse/taskperf/internal/observers/base"
	"github.com/yairfalse/taskperf/pkg/domain"
	"github.com/yairfalse/taskperf/pkg/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Observer monitors per-task CPU cycles, instructions, and LLC misses.
type Observer struct {
	*base.BaseObserver
	*base.EventChannelManager
	*base.LifecycleManager

	config *Config
	logger *zap.Logger
	name   string

	// Per-pid accounting, shared with the exports via Snapshot.
	table *Table

	// Cross-CPU timestamp merge. Only the processing goroutine touches it.
	sorter *sorter

	// eBPF state (platform-specific)
	ebpfState interface{}

	lostCount atomic.Int64

	// Observer-specific metrics
	recordsDecoded metric.Int64Counter
	decodeErrors   metric.Int64Counter
	lostSamples    metric.Int64Counter
	wrappedSamples metric.Int64Counter
}

var _ observers.Observer = (*Observer)(nil)

// Config holds observer configuration.
type Config struct {
	// Path to the compiled probe object. Loading is skipped when
	// EnableEBPF is false or on platforms without eBPF.
	BPFObjectPath string
	EnableEBPF    bool

	// PerCPUBufferPages sizes each CPU's perf ring in pages.
	PerCPUBufferPages int

	// EventChannelSize bounds the outbound event channel.
	EventChannelSize int

	// MaxPending caps the reorder buffer; FlushInterval bounds how long
	// a record may wait for the cross-CPU watermark to catch up.
	MaxPending    int
	FlushInterval time.Duration

	// Accounting entries idle longer than IdleTimeout are reclaimed, in
	// case their task-terminated record was lost. CleanupInterval is how
	// often the reaper runs.
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// NewDefaultConfig returns default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		EnableEBPF:        true,
		PerCPUBufferPages: 16,
		EventChannelSize:  10000,
		MaxPending:        4096,
		FlushInterval:     time.Second,
		IdleTimeout:       5 * time.Minute,
		CleanupInterval:   30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PerCPUBufferPages < 1 {
		return fmt.Errorf("per-CPU buffer must be at least one page")
	}
	if c.EventChannelSize < 1 {
		return fmt.Errorf("event channel size must be positive")
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("reorder buffer size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	return nil
}

// NewObserver creates a new CPU performance observer.
func NewObserver(name string, config *Config, logger *zap.Logger) (*Observer, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	o := &Observer{
		BaseObserver: base.NewBaseObserverWithConfig(base.BaseObserverConfig{
			Name:               name,
			HealthCheckTimeout: 5 * time.Minute,
			Logger:             logger.Named("base"),
		}),
		EventChannelManager: base.NewEventChannelManager(config.EventChannelSize, name, logger),
		LifecycleManager:    base.NewLifecycleManager(context.Background(), logger),

		config: config,
		logger: logger.Named(name),
		name:   name,
		table:  NewTable(),
		sorter: newSorter(config.MaxPending),
	}

	meter := o.Meter()
	var err error

	o.recordsDecoded, err = meter.Int64Counter(
		fmt.Sprintf("%s_records_decoded_total", name),
		metric.WithDescription("Wire records decoded, by message type"),
	)
	if err != nil {
		logger.Warn("Failed to create records_decoded counter", zap.Error(err))
	}

	o.decodeErrors, err = meter.Int64Counter(
		fmt.Sprintf("%s_decode_errors_total", name),
		metric.WithDescription("Records discarded as corrupt"),
	)
	if err != nil {
		logger.Warn("Failed to create decode_errors counter", zap.Error(err))
	}

	o.lostSamples, err = meter.Int64Counter(
		fmt.Sprintf("%s_lost_samples_total", name),
		metric.WithDescription("Samples dropped by the perf transport"),
	)
	if err != nil {
		logger.Warn("Failed to create lost_samples counter", zap.Error(err))
	}

	o.wrappedSamples, err = meter.Int64Counter(
		fmt.Sprintf("%s_wrapped_samples_total", name),
		metric.WithDescription("Measurements with wrapped counter deltas"),
	)
	if err != nil {
		logger.Warn("Failed to create wrapped_samples counter", zap.Error(err))
	}

	o.logger.Info("CPU performance observer created", zap.String("name", name))
	return o, nil
}

// Name returns the observer name.
func (o *Observer) Name() string {
	return o.name
}

// Start attaches the probe and begins consuming records.
func (o *Observer) Start(ctx context.Context) error {
	o.logger.Info("Starting CPU performance observer")

	o.SetHealthy(true)

	if o.config.EnableEBPF {
		if err := o.startEBPF(); err != nil {
			o.logger.Warn("Failed to initialize eBPF, no kernel events will arrive", zap.Error(err))
		}
	}

	o.LifecycleManager.Start("process-events", o.processEvents)
	o.LifecycleManager.Start("reap-idle-tasks", o.reapIdleTasks)

	o.logger.Info("CPU performance observer started")
	return nil
}

// Stop detaches the probe and shuts the observer down.
func (o *Observer) Stop() error {
	o.logger.Info("Stopping CPU performance observer")

	o.stopEBPF()

	if err := o.LifecycleManager.Stop(5 * time.Second); err != nil {
		o.logger.Error("Failed to stop lifecycle manager", zap.Error(err))
	}

	o.EventChannelManager.Close()
	o.SetHealthy(false)

	o.logger.Info("CPU performance observer stopped")
	return nil
}

// Events returns the decoded event stream.
func (o *Observer) Events() <-chan *domain.CollectorEvent {
	return o.EventChannelManager.GetChannel()
}

// Table exposes the per-pid accounting table for exports.
func (o *Observer) Table() *Table {
	return o.table
}

// Statistics returns observer statistics.
func (o *Observer) Statistics() *domain.CollectorStats {
	stats := o.BaseObserver.Statistics()
	stats.CustomMetrics["tracked_tasks"] = fmt.Sprintf("%d", o.table.Len())
	stats.CustomMetrics["lost_samples"] = fmt.Sprintf("%d", o.lostCount.Load())
	stats.CustomMetrics["channel_dropped"] = fmt.Sprintf("%d", o.EventChannelManager.GetDroppedCount())
	return stats
}

// LostSamples reports records lost in the kernel ring.
func (o *Observer) LostSamples() int64 {
	return o.lostCount.Load()
}

// Health returns health status.
func (o *Observer) Health() *domain.HealthStatus {
	health := o.BaseObserver.Health()
	health.Component = o.name
	health.ErrorCount = o.GetErrorCount()
	return health
}

// recordLoss accounts transport-level sample loss reported by the ring.
func (o *Observer) recordLoss(n uint64) {
	o.lostCount.Add(int64(n))
	if o.lostSamples != nil {
		o.lostSamples.Add(o.LifecycleManager.Context(), int64(n))
	}
	o.logger.Warn("Perf ring dropped samples", zap.Uint64("lost", n))
}

// handleRawRecord decodes one wire record and feeds it through the
// cross-CPU sorter. Corrupt records are counted and discarded, never
// fatal.
func (o *Observer) handleRawRecord(raw []byte, cpu int) {
	rec, err := wire.Decode(raw)
	if err != nil {
		o.RecordError(err)
		if o.decodeErrors != nil {
			o.decodeErrors.Add(o.LifecycleManager.Context(), 1)
		}
		o.logger.Debug("Discarding corrupt record", zap.Int("cpu", cpu), zap.Error(err))
		return
	}

	if o.recordsDecoded != nil {
		o.recordsDecoded.Add(o.LifecycleManager.Context(), 1,
			metric.WithAttributes(attribute.Int("type", int(rec.RecordType()))))
	}

	for _, ready := range o.sorter.Push(rec, cpu) {
		o.apply(ready)
	}
}

// flushPending drains the sorter when the ring has gone quiet, so
// records do not wait forever on an idle CPU's watermark.
func (o *Observer) flushPending() {
	for _, ready := range o.sorter.Flush() {
		o.apply(ready)
	}
}

// apply updates accounting and emits the domain event for one record.
// Records arrive here in timestamp order within a flush window; equal
// timestamps are logically concurrent and keep no particular order.
func (o *Observer) apply(pr pendingRecord) {
	switch rec := pr.rec.(type) {
	case *wire.TaskObserved:
		o.table.Observe(rec.PID, rec.Command(), rec.Timestamp)
		o.emit(&domain.CollectorEvent{
			EventID:   fmt.Sprintf("cpuperf-observed-%d-%d", rec.PID, rec.Timestamp),
			Timestamp: time.Unix(0, int64(rec.Timestamp)),
			Type:      domain.EventTypeTaskObserved,
			Source:    o.name,
			Severity:  domain.EventSeverityInfo,
			EventData: domain.EventDataContainer{
				Task: &domain.TaskData{
					PID:     rec.PID,
					Command: rec.Command(),
					CPU:     pr.cpu,
				},
			},
			Metadata: domain.EventMetadata{
				Labels: map[string]string{
					"observer": o.name,
					"cpu":      fmt.Sprintf("%d", pr.cpu),
				},
			},
		})

	case *wire.Measurement:
		wrapped := o.table.Apply(rec)
		if wrapped && o.wrappedSamples != nil {
			o.wrappedSamples.Add(o.LifecycleManager.Context(), 1)
		}

		severity := domain.EventSeverityInfo
		if wrapped {
			severity = domain.EventSeverityWarning
		}

		data := &domain.MeasurementData{
			PID:               rec.PID,
			CPU:               pr.cpu,
			CyclesDelta:       rec.CyclesDelta,
			InstructionsDelta: rec.InstructionsDelta,
			LLCMissesDelta:    rec.LLCMissesDelta,
			TimeDeltaNS:       rec.TimeDeltaNS,
			Wrapped:           wrapped,
		}
		if wrapped {
			data.CyclesDelta, _ = clampDelta(rec.CyclesDelta)
			data.InstructionsDelta, _ = clampDelta(rec.InstructionsDelta)
			data.LLCMissesDelta, _ = clampDelta(rec.LLCMissesDelta)
			data.TimeDeltaNS, _ = clampDelta(rec.TimeDeltaNS)
		}

		o.emit(&domain.CollectorEvent{
			EventID:   fmt.Sprintf("cpuperf-sample-%d-%d", rec.PID, rec.Timestamp),
			Timestamp: time.Unix(0, int64(rec.Timestamp)),
			Type:      domain.EventTypeMeasurement,
			Source:    o.name,
			Severity:  severity,
			EventData: domain.EventDataContainer{Measurement: data},
			Metadata: domain.EventMetadata{
				Labels: map[string]string{
					"observer": o.name,
					"cpu":      fmt.Sprintf("%d", pr.cpu),
				},
			},
		})

	case *wire.TaskTerminated:
		final, known := o.table.Terminate(rec.PID, rec.Timestamp)

		labels := map[string]string{
			"observer": o.name,
			"cpu":      fmt.Sprintf("%d", pr.cpu),
		}
		command := ""
		if known {
			command = final.Command
			labels["samples"] = fmt.Sprintf("%d", final.Samples)
			labels["cycles_total"] = fmt.Sprintf("%d", final.Cycles)
			labels["instructions_total"] = fmt.Sprintf("%d", final.Instructions)
			// False means the lifetime was built from measurements alone;
			// the task-observed record never arrived, so the name is unknown.
			labels["observed"] = fmt.Sprintf("%t", final.Observed)
		}

		o.emit(&domain.CollectorEvent{
			EventID:   fmt.Sprintf("cpuperf-terminated-%d-%d", rec.PID, rec.Timestamp),
			Timestamp: time.Unix(0, int64(rec.Timestamp)),
			Type:      domain.EventTypeTaskTerminated,
			Source:    o.name,
			Severity:  domain.EventSeverityInfo,
			EventData: domain.EventDataContainer{
				Task: &domain.TaskData{
					PID:     rec.PID,
					Command: command,
					CPU:     pr.cpu,
				},
			},
			Metadata: domain.EventMetadata{Labels: labels},
		})
	}
}

func (o *Observer) emit(event *domain.CollectorEvent) {
	if o.EventChannelManager.SendEvent(event) {
		o.RecordEvent()
	} else {
		o.RecordDrop()
	}
}

// reapIdleTasks periodically drops accounting entries whose
// task-terminated record never arrived.
func (o *Observer) reapIdleTasks() {
	ticker := time.NewTicker(o.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.LifecycleManager.Context().Done():
			return
		case <-ticker.C:
			if removed := o.table.Cleanup(o.config.IdleTimeout); removed > 0 {
				o.logger.Debug("Reaped idle task entries", zap.Int("removed", removed))
			}
		}
	}
}
