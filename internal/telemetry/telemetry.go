package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/observelab/termdemo/pkg/logger"
)

// Metric names consumed by the demo dashboards. Counters and histograms are
// emitted on the hot path; gauges are registered as poll functions and
// flushed by Run.
const (
	MetricQueueSize        = "demo_queue_size"
	MetricSessionsActive   = "demo_sessions_active"
	MetricSessionsStarted  = "demo_sessions_started_total"
	MetricSessionsEnded    = "demo_sessions_ended_total"
	MetricInvitesValidated = "demo_invites_validated_total"
	MetricSessionDuration  = "demo_session_duration_seconds"
	MetricQueueWait        = "demo_queue_wait_seconds"
	MetricTtydSpawn        = "demo_ttyd_spawn_seconds"
)

type Emitter interface {
	Incr(name string, tags ...string)
	Histogram(name string, value float64, tags ...string)
	RegisterGauge(name string, fn func() float64)
	// Span returns a func that records elapsed time under the span name when
	// called, typically deferred.
	Span(name string) func()
	// Run flushes registered gauges on the given interval until ctx ends.
	Run(ctx context.Context, interval time.Duration)
	Close() error
}

type statsdEmitter struct {
	cli *statsd.Client
	l   logger.Logger

	mu     sync.Mutex
	gauges map[string]func() float64
}

// New connects a DogStatsD emitter. An empty addr yields a no-op emitter so
// callers never branch on telemetry being configured.
func New(addr string, l logger.Logger) (Emitter, error) {
	if addr == "" {
		return &noopEmitter{}, nil
	}

	cli, err := statsd.New(addr, statsd.WithoutTelemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}

	return &statsdEmitter{
		cli:    cli,
		l:      l,
		gauges: make(map[string]func() float64),
	}, nil
}

func (e *statsdEmitter) Incr(name string, tags ...string) {
	if err := e.cli.Incr(name, tags, 1); err != nil {
		e.l.Warnf(context.Background(), "telemetry.Incr %s: %v", name, err)
	}
}

func (e *statsdEmitter) Histogram(name string, value float64, tags ...string) {
	if err := e.cli.Histogram(name, value, tags, 1); err != nil {
		e.l.Warnf(context.Background(), "telemetry.Histogram %s: %v", name, err)
	}
}

func (e *statsdEmitter) RegisterGauge(name string, fn func() float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gauges[name] = fn
}

func (e *statsdEmitter) Span(name string) func() {
	start := time.Now()
	return func() {
		if err := e.cli.Timing(name, time.Since(start), nil, 1); err != nil {
			e.l.Warnf(context.Background(), "telemetry.Span %s: %v", name, err)
		}
	}
}

func (e *statsdEmitter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushGauges()
		}
	}
}

func (e *statsdEmitter) flushGauges() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, fn := range e.gauges {
		if err := e.cli.Gauge(name, fn(), nil, 1); err != nil {
			e.l.Warnf(context.Background(), "telemetry.Gauge %s: %v", name, err)
		}
	}
}

func (e *statsdEmitter) Close() error {
	e.flushGauges()
	return e.cli.Close()
}

type noopEmitter struct{}

func (noopEmitter) Incr(string, ...string)               {}
func (noopEmitter) Histogram(string, float64, ...string) {}
func (noopEmitter) RegisterGauge(string, func() float64) {}
func (noopEmitter) Span(string) func()                   { return func() {} }
func (noopEmitter) Run(context.Context, time.Duration)   {}
func (noopEmitter) Close() error                         { return nil }
