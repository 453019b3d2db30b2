// Package pipeline wires the observer's event stream to the configured
// exports: NATS JetStream for event fan-out and a Prometheus endpoint
// for the accounting table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yairfalse/taskperf/internal/exports/natspub"
	"github.com/yairfalse/taskperf/internal/exports/promexport"
	"github.com/yairfalse/taskperf/internal/observers/cpuperf"
	"go.uber.org/zap"
)

// Config configures the export pipeline.
type Config struct {
	// NATS is optional; nil disables event publishing.
	NATS *natspub.Config

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the metrics server.
	MetricsAddr string

	ShutdownTimeout time.Duration
}

// Pipeline consumes observer events and drives the exports.
type Pipeline struct {
	config   *Config
	logger   *zap.Logger
	observer *cpuperf.Observer

	publisher *natspub.Publisher
	server    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pipeline over a started observer.
func New(config *Config, observer *cpuperf.Observer, logger *zap.Logger) (*Pipeline, error) {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	p := &Pipeline{
		config:   config,
		logger:   logger.Named("pipeline"),
		observer: observer,
	}

	if config.NATS != nil {
		pub, err := natspub.NewPublisher(config.NATS, logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		p.publisher = pub
	}

	if config.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			promexport.NewCollector(observer),
		)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		p.server = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return p, nil
}

// Run consumes events until ctx is cancelled or the observer's channel
// closes, then shuts the exports down.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	defer p.cancel()

	if p.server != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.logger.Info("Metrics endpoint listening", zap.String("addr", p.server.Addr))
			if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	err := p.consume(ctx)

	p.shutdown()
	return err
}

func (p *Pipeline) consume(ctx context.Context) error {
	events := p.observer.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				p.logger.Info("Observer event channel closed")
				return nil
			}
			if p.publisher == nil {
				continue
			}
			if err := p.publisher.Publish(ctx, event); err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()

	if p.server != nil {
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			p.logger.Warn("Publisher close failed", zap.Error(err))
		}
	}

	p.wg.Wait()
	p.logger.Info("Pipeline stopped")
}
