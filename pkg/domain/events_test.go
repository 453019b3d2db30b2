package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPIDOf(t *testing.T) {
	measurement := &CollectorEvent{
		Timestamp: time.Now(),
		Type:      EventTypeMeasurement,
		EventData: EventDataContainer{
			Measurement: &MeasurementData{PID: 1234},
		},
	}
	assert.Equal(t, uint32(1234), measurement.PIDOf())

	observed := &CollectorEvent{
		Type: EventTypeTaskObserved,
		EventData: EventDataContainer{
			Task: &TaskData{PID: 42, Command: "worker-01"},
		},
	}
	assert.Equal(t, uint32(42), observed.PIDOf())

	empty := &CollectorEvent{}
	assert.Equal(t, uint32(0), empty.PIDOf())
}

func TestHealthStatusConstructors(t *testing.T) {
	hs := NewHealthyStatus("all good")
	assert.Equal(t, HealthHealthy, hs.Status)
	assert.Equal(t, "all good", hs.Message)
	assert.False(t, hs.LastCheck.IsZero())

	uh := NewUnhealthyStatus("probe detached", assert.AnError)
	assert.Equal(t, HealthUnhealthy, uh.Status)
	assert.Equal(t, assert.AnError.Error(), uh.Error)
}
