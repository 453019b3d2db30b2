// Package natspub publishes decoded collector events to NATS JetStream
// for downstream aggregation.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/yairfalse/taskperf/pkg/domain"
	"go.uber.org/zap"
)

// Config configures the NATS event publisher.
type Config struct {
	URL            string
	Name           string // client name
	ConnectTimeout time.Duration

	StreamName string

	// Performance
	MaxPending   int  // max async publishes in flight
	AsyncPublish bool

	// Resilience
	ReconnectWait time.Duration
	MaxReconnects int
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxPending == 0 {
		c.MaxPending = 256
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.StreamName == "" {
		c.StreamName = "TASKPERF_EVENTS"
	}
}

// Publisher publishes collector events to a JetStream stream.
type Publisher struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	config *Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(config *Config, logger *zap.Logger) (*Publisher, error) {
	config.setDefaults()

	opts := []natsgo.Option{
		natsgo.Timeout(config.ConnectTimeout),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.MaxReconnects(config.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		natsgo.ReconnectHandler(func(_ *natsgo.Conn) {
			logger.Info("NATS reconnected")
		}),
	}
	if config.Name != "" {
		opts = append(opts, natsgo.Name(config.Name))
	}

	nc, err := natsgo.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jsOpts := []natsgo.JSOpt{}
	if config.AsyncPublish && config.MaxPending > 0 {
		jsOpts = append(jsOpts, natsgo.PublishAsyncMaxPending(config.MaxPending))
	}

	js, err := nc.JetStream(jsOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{
		nc:     nc,
		js:     js,
		config: config,
		logger: logger,
	}

	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

// ensureStream creates the stream if it does not exist yet.
func (p *Publisher) ensureStream() error {
	cfg := &natsgo.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{subjectPrefix(p.config.StreamName) + ".>"},
		MaxBytes:  1024 * 1024 * 1024,
		MaxAge:    24 * time.Hour,
		Retention: natsgo.LimitsPolicy,
		Storage:   natsgo.FileStorage,
		Replicas:  1,
	}

	_, err := p.js.StreamInfo(p.config.StreamName)
	if err == natsgo.ErrStreamNotFound {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	return nil
}

// Publish sends one collector event.
func (p *Publisher) Publish(ctx context.Context, event *domain.CollectorEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &natsgo.Msg{
		Subject: EventSubject(p.config.StreamName, event),
		Data:    data,
		Header:  natsgo.Header{},
	}
	msg.Header.Set("Event-ID", event.EventID)
	msg.Header.Set("Event-Type", string(event.Type))
	msg.Header.Set("Source", event.Source)
	msg.Header.Set("Severity", string(event.Severity))
	msg.Header.Set("Timestamp", event.Timestamp.Format(time.RFC3339Nano))

	if p.config.AsyncPublish {
		_, err = p.js.PublishMsgAsync(msg)
	} else {
		_, err = p.js.PublishMsg(msg, natsgo.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// EventSubject builds the routing subject for an event:
// <prefix>.<event type>.<pid>, e.g. taskperf.task.measurement.1234.
func EventSubject(streamName string, event *domain.CollectorEvent) string {
	return fmt.Sprintf("%s.%s.%d", subjectPrefix(streamName), event.Type, event.PIDOf())
}

// subjectPrefix derives the subject root from the stream name, so test
// streams get disjoint subject spaces.
func subjectPrefix(streamName string) string {
	if streamName == "" || streamName == "TASKPERF_EVENTS" {
		return "taskperf"
	}
	return strings.ToLower(strings.ReplaceAll(streamName, "_", "."))
}

// HealthCheck verifies the NATS connection and stream.
func (p *Publisher) HealthCheck() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	if _, err := p.js.StreamInfo(p.config.StreamName); err != nil {
		return fmt.Errorf("stream health check failed: %w", err)
	}
	return nil
}

// Close flushes pending async publishes and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.config.AsyncPublish {
		select {
		case <-p.js.PublishAsyncComplete():
		case <-time.After(5 * time.Second):
			p.logger.Warn("Timed out waiting for pending publishes")
		}
	}

	p.nc.Close()
	return nil
}
