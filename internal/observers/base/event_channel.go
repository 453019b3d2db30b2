package base

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/taskperf/pkg/domain"
	"go.uber.org/zap"
)

// EventChannelManager wraps the observer's outbound event channel with
// drop counting. Sends never block: when the consumer falls behind, the
// newest event is dropped and counted, mirroring the overflow policy of
// the kernel-side transport.
type EventChannelManager struct {
	mu           sync.RWMutex
	channel      chan *domain.CollectorEvent
	closed       atomic.Bool
	droppedCount atomic.Int64
	sentCount    atomic.Int64
	logger       *zap.Logger
	observerName string
}

// NewEventChannelManager creates a channel manager with the given buffer size.
func NewEventChannelManager(size int, observerName string, logger *zap.Logger) *EventChannelManager {
	return &EventChannelManager{
		channel:      make(chan *domain.CollectorEvent, size),
		logger:       logger,
		observerName: observerName,
	}
}

// SendEvent attempts to send an event. Returns true if sent, false if
// the event was dropped.
func (ecm *EventChannelManager) SendEvent(event *domain.CollectorEvent) bool {
	if ecm.closed.Load() {
		return false
	}

	ecm.mu.RLock()
	defer ecm.mu.RUnlock()

	if ecm.closed.Load() || ecm.channel == nil {
		ecm.droppedCount.Add(1)
		return false
	}

	select {
	case ecm.channel <- event:
		ecm.sentCount.Add(1)
		return true
	default:
		ecm.droppedCount.Add(1)
		if ecm.logger != nil {
			ecm.logger.Debug("Event channel full, dropping event",
				zap.String("observer", ecm.observerName),
				zap.String("event_type", string(event.Type)),
			)
		}
		return false
	}
}

// GetChannel returns the event channel for reading.
func (ecm *EventChannelManager) GetChannel() <-chan *domain.CollectorEvent {
	ecm.mu.RLock()
	defer ecm.mu.RUnlock()
	return ecm.channel
}

// Close closes the event channel. Safe to call more than once.
func (ecm *EventChannelManager) Close() {
	if !ecm.closed.CompareAndSwap(false, true) {
		return
	}

	ecm.mu.Lock()
	defer ecm.mu.Unlock()

	if ecm.channel != nil {
		close(ecm.channel)
	}
}

// GetDroppedCount returns the number of dropped events.
func (ecm *EventChannelManager) GetDroppedCount() int64 {
	return ecm.droppedCount.Load()
}

// GetSentCount returns the number of successfully sent events.
func (ecm *EventChannelManager) GetSentCount() int64 {
	return ecm.sentCount.Load()
}

// GetChannelUtilization returns the percentage of channel capacity used.
func (ecm *EventChannelManager) GetChannelUtilization() float64 {
	ecm.mu.RLock()
	defer ecm.mu.RUnlock()

	if ecm.channel == nil || cap(ecm.channel) == 0 {
		return 0
	}
	return float64(len(ecm.channel)) / float64(cap(ecm.channel)) * 100
}
