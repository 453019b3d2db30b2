package pipeline

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/taskperf/internal/observers/cpuperf"
	"go.uber.org/zap/zaptest"
)

func newTestObserver(t *testing.T) *cpuperf.Observer {
	cfg := cpuperf.NewDefaultConfig()
	cfg.EnableEBPF = false

	o, err := cpuperf.NewObserver("cpuperf", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestPipelineStopsOnContextCancel(t *testing.T) {
	o := newTestObserver(t)

	p, err := New(&Config{ShutdownTimeout: time.Second}, o, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineServesMetrics(t *testing.T) {
	o := newTestObserver(t)
	o.Table().Observe(42, "served", 100)

	addr := freeAddr(t)
	p, err := New(&Config{MetricsAddr: addr, ShutdownTimeout: time.Second}, o, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	url := fmt.Sprintf("http://%s/metrics", addr)
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)

	assert.True(t, strings.Contains(body, "taskperf_observer_tracked_tasks 1"), body)

	cancel()
	<-done
}
