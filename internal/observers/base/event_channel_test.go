package base

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/taskperf/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func makeEvent(id string) *domain.CollectorEvent {
	return &domain.CollectorEvent{
		EventID:   id,
		Timestamp: time.Now(),
		Type:      domain.EventTypeMeasurement,
		Source:    "test",
		Severity:  domain.EventSeverityInfo,
		EventData: domain.EventDataContainer{
			Measurement: &domain.MeasurementData{PID: 1},
		},
	}
}

func TestEventChannelManagerBasicOperations(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ecm := NewEventChannelManager(10, "test", logger)
	require.NotNil(t, ecm)

	sent := ecm.SendEvent(makeEvent("test-1"))
	assert.True(t, sent)
	assert.Equal(t, int64(1), ecm.GetSentCount())
	assert.Equal(t, int64(0), ecm.GetDroppedCount())

	select {
	case received := <-ecm.GetChannel():
		assert.Equal(t, "test-1", received.EventID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventChannelManagerDropsWhenFull(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ecm := NewEventChannelManager(2, "test", logger)

	for i := 0; i < 2; i++ {
		assert.True(t, ecm.SendEvent(makeEvent(fmt.Sprintf("test-%d", i))))
	}
	assert.Equal(t, 100.0, ecm.GetChannelUtilization())

	// Channel full: newest event is dropped, never blocks.
	assert.False(t, ecm.SendEvent(makeEvent("overflow")))
	assert.Equal(t, int64(1), ecm.GetDroppedCount())
	assert.Equal(t, int64(2), ecm.GetSentCount())
}

func TestEventChannelManagerClose(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ecm := NewEventChannelManager(2, "test", logger)

	require.True(t, ecm.SendEvent(makeEvent("before-close")))
	ecm.Close()
	ecm.Close() // second close is a no-op

	assert.False(t, ecm.SendEvent(makeEvent("after-close")))

	// Buffered event is still drained, then the channel reports closed.
	ev, ok := <-ecm.GetChannel()
	assert.True(t, ok)
	assert.Equal(t, "before-close", ev.EventID)
	_, ok = <-ecm.GetChannel()
	assert.False(t, ok)
}

func TestEventChannelManagerConcurrentSendAndClose(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ecm := NewEventChannelManager(64, "test", logger)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ecm.SendEvent(makeEvent(fmt.Sprintf("w%d-%d", n, j)))
			}
		}(i)
	}

	time.Sleep(time.Millisecond)
	ecm.Close()
	wg.Wait()

	// No panic and the books balance: everything was sent or dropped.
	total := ecm.GetSentCount() + ecm.GetDroppedCount()
	assert.LessOrEqual(t, total, int64(800))
}
