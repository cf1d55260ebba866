package api

import (
	"context"
	"log/slog"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Observer receives lifecycle events from the engine and circuit breakers.
//
// Observe is called synchronously from the publishing goroutine, outside
// any engine lock. Implementations should be fast and must not block;
// panics are recovered and dropped by the engine.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) Observe(context.Context, Event) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) Observe(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.Observe(ctx, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) Observe(ctx context.Context, ev Event) {
	level := slog.LevelDebug
	switch ev.Name {
	case EventWorkflowStart, EventWorkflowStop, EventWorkflowPause, EventWorkflowResume,
		EventCircuitStateChange, EventCircuitReset:
		level = slog.LevelInfo
	case EventWorkflowCancel, EventCircuitTrip, EventCircuitReject, EventStepException:
		level = slog.LevelWarn
	case EventWorkflowFail:
		level = slog.LevelError
	}

	attrs := make([]slog.Attr, 0, len(ev.Metadata)+len(ev.Measurements))
	for k, v := range ev.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	for k, v := range ev.Measurements {
		attrs = append(attrs, slog.Float64(k, v))
	}
	o.Logger.LogAttrs(ctx, level, string(ev.Name), attrs...)
}

// MetricsObserver counts events and times steps in a go-metrics registry.
//
// Counters are named "<event name>" (e.g. "step.stop") and, when the event
// carries a workflow, "<event name>.<workflow>". Step durations are
// recorded in the "step.duration" timer.
type MetricsObserver struct {
	registry metrics.Registry
}

// NewMetricsObserver records into r, or into a fresh registry if r is nil.
func NewMetricsObserver(r metrics.Registry) *MetricsObserver {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &MetricsObserver{registry: r}
}

// Registry returns the underlying registry.
func (m *MetricsObserver) Registry() metrics.Registry { return m.registry }

func (m *MetricsObserver) Observe(_ context.Context, ev Event) {
	metrics.GetOrRegisterCounter(string(ev.Name), m.registry).Inc(1)
	if wf := ev.meta(MetaWorkflow); wf != "" {
		metrics.GetOrRegisterCounter(string(ev.Name)+"."+wf, m.registry).Inc(1)
	}
	if ev.Name == EventStepStop || ev.Name == EventStepException {
		if ms, ok := ev.Measurements[MeasureDuration]; ok {
			d := time.Duration(ms * float64(time.Millisecond))
			metrics.GetOrRegisterTimer("step.duration", m.registry).Update(d)
		}
	}
}

// Count returns the counter value for name.
func (m *MetricsObserver) Count(name string) int64 {
	c, ok := m.registry.Get(name).(metrics.Counter)
	if !ok {
		return 0
	}
	return c.Count()
}

// StepTimer returns the step duration timer.
func (m *MetricsObserver) StepTimer() metrics.Timer {
	return metrics.GetOrRegisterTimer("step.duration", m.registry)
}
