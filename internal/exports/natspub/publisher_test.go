package natspub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/yairfalse/taskperf/pkg/domain"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{URL: "nats://localhost:4222"}
	cfg.setDefaults()

	assert.Equal(t, "TASKPERF_EVENTS", cfg.StreamName)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 256, cfg.MaxPending)
	assert.Equal(t, 60, cfg.MaxReconnects)
}

func TestEventSubject(t *testing.T) {
	event := &domain.CollectorEvent{
		Type: domain.EventTypeMeasurement,
		EventData: domain.EventDataContainer{
			Measurement: &domain.MeasurementData{PID: 1234},
		},
	}
	assert.Equal(t, "taskperf.task.measurement.1234",
		EventSubject("TASKPERF_EVENTS", event))

	terminated := &domain.CollectorEvent{
		Type: domain.EventTypeTaskTerminated,
		EventData: domain.EventDataContainer{
			Task: &domain.TaskData{PID: 7},
		},
	}
	assert.Equal(t, "taskperf.task.terminated.7",
		EventSubject("", terminated))

	// Test streams get their own subject space.
	assert.Equal(t, "test.stream.task.terminated.7",
		EventSubject("TEST_STREAM", terminated))
}
