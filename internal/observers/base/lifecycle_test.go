package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLifecycleManagerStartAndStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lm := NewLifecycleManager(context.Background(), logger)

	var ran atomic.Bool
	lm.Start("worker", func() {
		ran.Store(true)
		<-lm.Context().Done()
	})

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), lm.GetRunningGoroutines())

	err := lm.Stop(time.Second)
	assert.NoError(t, err)
	assert.True(t, lm.IsShuttingDown())
	assert.Equal(t, int32(0), lm.GetRunningGoroutines())
}

func TestLifecycleManagerStopTimeout(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lm := NewLifecycleManager(context.Background(), logger)

	release := make(chan struct{})
	lm.Start("stubborn", func() {
		<-release
	})

	err := lm.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)

	close(release)
}

func TestLifecycleManagerDoubleStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lm := NewLifecycleManager(context.Background(), logger)

	lm.Start("worker", func() { <-lm.Context().Done() })

	require.NoError(t, lm.Stop(time.Second))
	assert.NoError(t, lm.Stop(time.Second))
}

func TestBaseObserverHealthTransitions(t *testing.T) {
	bo := NewBaseObserver("test", time.Hour)

	health := bo.Health()
	assert.True(t, bo.IsHealthy())

	bo.SetHealthy(false)
	health = bo.Health()
	assert.NotNil(t, health)
	assert.False(t, bo.IsHealthy())

	bo.SetHealthy(true)

	// Error rate above threshold degrades health.
	bo.RecordEvent()
	bo.RecordError(assert.AnError)
	health = bo.Health()
	assert.NotNil(t, health)
	assert.Equal(t, int64(1), bo.GetErrorCount())
	assert.Equal(t, int64(1), bo.GetEventCount())
}

func TestBaseObserverRecordsMixedErrorTypes(t *testing.T) {
	bo := NewBaseObserver("test", time.Hour)

	// The read loop and the decode path report different concrete error
	// types; recording both in sequence must never panic.
	require.NotPanics(t, func() {
		bo.RecordError(errors.New("transport full"))
		bo.RecordError(fmt.Errorf("decode failed: %w", errors.New("short record")))
		bo.RecordError(&net.OpError{Op: "read", Err: errors.New("ring closed")})
	})
	assert.Equal(t, int64(3), bo.GetErrorCount())

	// The latest error surfaces in the unhealthy status.
	bo.SetHealthy(false)
	health := bo.Health()
	assert.Contains(t, health.Error, "ring closed")
}

func TestBaseObserverStatistics(t *testing.T) {
	bo := NewBaseObserver("test", time.Minute)

	bo.RecordEvent()
	bo.RecordEvent()
	bo.RecordDrop()
	bo.RecordError(assert.AnError)

	stats := bo.Statistics()
	assert.Equal(t, int64(2), stats.EventsProcessed)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, "1", stats.CustomMetrics["events_dropped"])
	assert.False(t, stats.LastEventTime.IsZero())
}
