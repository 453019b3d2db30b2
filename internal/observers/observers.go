// Package observers defines the contract the collector pipeline expects
// from an event source. An observer attaches to its kernel or synthetic
// source, decodes what arrives, and emits typed collector events; all
// export and aggregation happens downstream.
package observers

import (
	"context"

	"github.com/yairfalse/taskperf/pkg/domain"
)

// Observer is the minimal interface every event source implements.
type Observer interface {
	// Name returns the unique identifier for this observer.
	Name() string

	// Start begins observation. It returns quickly and runs the
	// collection loops in the background.
	Start(ctx context.Context) error

	// Stop gracefully shuts the observer down.
	Stop() error

	// Events returns the decoded event stream. The channel is closed
	// when the observer stops.
	Events() <-chan *domain.CollectorEvent

	// IsHealthy reports whether the observer is functioning properly.
	IsHealthy() bool
}
