// Package base provides the shared plumbing for taskperf observers:
// statistics and health tracking, the bounded event channel, and
// goroutine lifecycle management.
package base

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/taskperf/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BaseObserver provides statistics and health tracking. Embed it in an
// observer to get Statistics() and Health() for free.
type BaseObserver struct {
	name      string
	startTime time.Time

	eventsProcessed atomic.Int64
	eventsDropped   atomic.Int64
	errorCount      atomic.Int64

	lastEventTime atomic.Value // time.Time
	lastError     atomic.Value // errorBox

	isHealthy          atomic.Bool
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	tracer trace.Tracer
	meter  metric.Meter

	eventsProcessedCounter metric.Int64Counter
	eventsDroppedCounter   metric.Int64Counter
	errorCounter           metric.Int64Counter

	logger *zap.Logger
}

// BaseObserverConfig configures a BaseObserver.
type BaseObserverConfig struct {
	Name               string
	HealthCheckTimeout time.Duration
	ErrorRateThreshold float64 // fraction of processed events, default 0.1
	Logger             *zap.Logger
}

// NewBaseObserver creates a base observer with default thresholds.
func NewBaseObserver(name string, healthCheckTimeout time.Duration) *BaseObserver {
	return NewBaseObserverWithConfig(BaseObserverConfig{
		Name:               name,
		HealthCheckTimeout: healthCheckTimeout,
	})
}

// NewBaseObserverWithConfig creates a base observer with full configuration.
func NewBaseObserverWithConfig(config BaseObserverConfig) *BaseObserver {
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.1
	}

	bc := &BaseObserver{
		name:               config.Name,
		startTime:          time.Now(),
		healthCheckTimeout: config.HealthCheckTimeout,
		errorRateThreshold: config.ErrorRateThreshold,
		tracer:             otel.Tracer(config.Name),
		meter:              otel.Meter(config.Name),
		logger:             config.Logger,
	}
	bc.isHealthy.Store(true)
	bc.lastEventTime.Store(time.Now())

	bc.initializeMetrics()

	return bc
}

// initializeMetrics registers the standard OTEL metrics. Metric creation
// failures are logged and the counter left nil; metrics are optional.
func (bc *BaseObserver) initializeMetrics() {
	var err error

	bc.eventsProcessedCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_events_processed_total", bc.name),
		metric.WithDescription("Total events processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		if bc.logger != nil {
			bc.logger.Debug("Failed to create events processed counter",
				zap.String("observer", bc.name), zap.Error(err))
		}
		bc.eventsProcessedCounter = nil
	}

	bc.eventsDroppedCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_events_dropped_total", bc.name),
		metric.WithDescription("Total events dropped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		if bc.logger != nil {
			bc.logger.Debug("Failed to create events dropped counter",
				zap.String("observer", bc.name), zap.Error(err))
		}
		bc.eventsDroppedCounter = nil
	}

	bc.errorCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", bc.name),
		metric.WithDescription("Total errors encountered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		if bc.logger != nil {
			bc.logger.Debug("Failed to create error counter",
				zap.String("observer", bc.name), zap.Error(err))
		}
		bc.errorCounter = nil
	}
}

// Tracer returns the observer's tracer.
func (bc *BaseObserver) Tracer() trace.Tracer {
	return bc.tracer
}

// Meter returns the observer's meter for observer-specific metrics.
func (bc *BaseObserver) Meter() metric.Meter {
	return bc.meter
}

// RecordEvent counts one processed event.
func (bc *BaseObserver) RecordEvent() {
	bc.eventsProcessed.Add(1)
	bc.lastEventTime.Store(time.Now())
}

// RecordDrop counts one dropped event.
func (bc *BaseObserver) RecordDrop() {
	bc.eventsDropped.Add(1)
}

// errorBox gives every stored error the same concrete type;
// atomic.Value panics when consecutive stores differ in type.
type errorBox struct{ err error }

// RecordError counts one error and remembers it for health reporting.
func (bc *BaseObserver) RecordError(err error) {
	bc.errorCount.Add(1)
	if err != nil {
		bc.lastError.Store(errorBox{err: err})
	}
}

// SetHealthy sets the observer health status.
func (bc *BaseObserver) SetHealthy(healthy bool) {
	bc.isHealthy.Store(healthy)
}

// IsHealthy returns true if the observer is healthy.
func (bc *BaseObserver) IsHealthy() bool {
	return bc.isHealthy.Load()
}

// Statistics returns a snapshot of the observer's counters.
func (bc *BaseObserver) Statistics() *domain.CollectorStats {
	lastEventTime := time.Time{}
	if t, ok := bc.lastEventTime.Load().(time.Time); ok {
		lastEventTime = t
	}

	return &domain.CollectorStats{
		EventsProcessed: bc.eventsProcessed.Load(),
		ErrorCount:      bc.errorCount.Load(),
		LastEventTime:   lastEventTime,
		Uptime:          time.Since(bc.startTime),
		CustomMetrics: map[string]string{
			"events_dropped": fmt.Sprintf("%d", bc.eventsDropped.Load()),
		},
	}
}

// Health derives a health status from recent activity and error rate.
func (bc *BaseObserver) Health() *domain.HealthStatus {
	if !bc.isHealthy.Load() {
		var lastErr error
		if box, ok := bc.lastError.Load().(errorBox); ok {
			lastErr = box.err
		}
		return domain.NewUnhealthyStatus(
			fmt.Sprintf("%s observer is unhealthy", bc.name), lastErr)
	}

	// Staleness check only applies once we have seen at least one event.
	if bc.eventsProcessed.Load() > 0 && bc.healthCheckTimeout > 0 {
		lastEventTime := time.Time{}
		if t, ok := bc.lastEventTime.Load().(time.Time); ok {
			lastEventTime = t
		}
		if since := time.Since(lastEventTime); since > bc.healthCheckTimeout {
			return domain.NewHealthStatus(domain.HealthDegraded,
				fmt.Sprintf("No events received for %v", since))
		}
	}

	errorRate := float64(0)
	if processed := bc.eventsProcessed.Load(); processed > 0 {
		errorRate = float64(bc.errorCount.Load()) / float64(processed)
	}
	if errorRate > bc.errorRateThreshold {
		return domain.NewHealthStatus(domain.HealthDegraded,
			fmt.Sprintf("High error rate: %.1f%% (threshold: %.1f%%)",
				errorRate*100, bc.errorRateThreshold*100))
	}

	return domain.NewHealthyStatus(fmt.Sprintf("%s observer operating normally", bc.name))
}

// GetName returns the observer name.
func (bc *BaseObserver) GetName() string {
	return bc.name
}

// GetEventCount returns the total number of events processed.
func (bc *BaseObserver) GetEventCount() int64 {
	return bc.eventsProcessed.Load()
}

// GetErrorCount returns the total number of errors.
func (bc *BaseObserver) GetErrorCount() int64 {
	return bc.errorCount.Load()
}

// GetDroppedCount returns the total number of dropped events.
func (bc *BaseObserver) GetDroppedCount() int64 {
	return bc.eventsDropped.Load()
}
