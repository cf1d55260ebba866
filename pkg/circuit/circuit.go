// Package circuit implements named circuit breakers.
//
// A circuit is closed while calls succeed. FailureThreshold consecutive
// failures open it; while open every call is rejected until ResetTimeout
// elapses, after which it is half-open and admits up to HalfOpenLimit
// trial calls at a time. SuccessThreshold successes close it again and any
// failure re-opens it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/classify"
)

// ErrCircuitOpen is returned when a call is rejected.
var ErrCircuitOpen = errors.New("circuit open")

// State of a circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes one circuit. Zero fields take the defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenLimit    int
}

// DefaultConfig is used for zero Config fields.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     30 * time.Second,
	HalfOpenLimit:    1,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultConfig.ResetTimeout
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = DefaultConfig.HalfOpenLimit
	}
	return c
}

// Stats are lifetime totals of one circuit.
type Stats struct {
	State       State
	Calls       int64
	Successes   int64
	Failures    int64
	Rejections  int64
	Trips       int64
	LastFailure string
	LastFailAt  time.Time
}

// Registry owns a set of named circuits. Each circuit has its own lock, so
// traffic on one circuit never contends with another.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*breaker

	clock      api.Clock
	classifier *classify.Classifier
	notify     Notifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock drives reset timers from clock.
func WithClock(clock api.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithNotifier publishes circuit events to n.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notify = n }
}

// WithClassifier decides which errors count as failures in Call.
func WithClassifier(c *classify.Classifier) Option {
	return func(r *Registry) { r.classifier = c }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		circuits:   make(map[string]*breaker),
		clock:      api.SystemClock{},
		classifier: classify.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the named circuit in the closed state. Registering an
// existing name replaces its configuration and keeps its state.
func (r *Registry) Register(name string, cfg Config) {
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.circuits[name]; ok {
		b.mu.Lock()
		b.cfg = cfg
		b.mu.Unlock()
		return
	}
	r.circuits[name] = &breaker{
		name:  name,
		cfg:   cfg,
		state: Closed,
		reg:   r,
	}
}

// Names returns the registered circuit names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		out = append(out, name)
	}
	return out
}

func (r *Registry) get(name string) *breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuits[name]
}

// Allow reserves permission for one call. It returns nil when the circuit
// is closed, or half-open with a free trial slot, and ErrCircuitOpen
// otherwise. Unknown circuits always allow.
func (r *Registry) Allow(name string) error {
	b := r.get(name)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	events, err := b.allow()
	b.mu.Unlock()
	r.publish(events)
	return err
}

// RecordSuccess reports a successful call. It is a no-op while open.
func (r *Registry) RecordSuccess(name string) {
	b := r.get(name)
	if b == nil {
		return
	}
	b.mu.Lock()
	events := b.success()
	b.mu.Unlock()
	r.publish(events)
}

// RecordFailure reports a failed call. It is a no-op while open.
func (r *Registry) RecordFailure(name string, cause error) {
	b := r.get(name)
	if b == nil {
		return
	}
	b.mu.Lock()
	events := b.failure(cause)
	b.mu.Unlock()
	r.publish(events)
}

// Call runs fn through the named circuit. Rejected calls never invoke fn.
// Errors that the classifier says trip circuits count as failures; other
// errors count as successes, and cancellation only frees the trial slot.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := r.Allow(name); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		r.RecordSuccess(name)
	case errors.Is(err, context.Canceled):
		r.release(name)
	case r.classifier.TripsCircuit(err):
		r.RecordFailure(name, err)
	default:
		r.RecordSuccess(name)
	}
	return err
}

func (r *Registry) release(name string) {
	b := r.get(name)
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.state == HalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
}

// State returns the state of the named circuit; unknown circuits are closed.
func (r *Registry) State(name string) State {
	b := r.get(name)
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// States returns the state of every registered circuit.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	all := maps.Clone(r.circuits)
	r.mu.RUnlock()

	out := make(map[string]State, len(all))
	for name, b := range all {
		b.mu.Lock()
		out[name] = b.state
		b.mu.Unlock()
	}
	return out
}

// Stats returns the lifetime totals of the named circuit.
func (r *Registry) Stats(name string) (Stats, bool) {
	b := r.get(name)
	if b == nil {
		return Stats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state
	return s, true
}

// Reset forces the named circuit closed.
func (r *Registry) Reset(name string) {
	b := r.get(name)
	if b == nil {
		return
	}
	b.mu.Lock()
	var events []Event
	if b.state != Closed {
		events = b.transition(Closed)
	} else {
		b.failures, b.successes, b.inFlight = 0, 0, 0
	}
	events = append(events, b.event(EventReset, ""))
	b.mu.Unlock()
	r.publish(events)
}

func (r *Registry) publish(events []Event) {
	if r.notify == nil {
		return
	}
	for _, ev := range events {
		r.deliver(ev)
	}
}

func (r *Registry) deliver(ev Event) {
	defer func() { _ = recover() }()
	r.notify(ev)
}

type breaker struct {
	mu sync.Mutex

	name  string
	cfg   Config
	state State
	reg   *Registry

	failures  int
	successes int
	inFlight  int

	// gen invalidates reset timers armed before the latest transition.
	gen   uint64
	timer api.Timer

	stats Stats
}

func (b *breaker) allow() ([]Event, error) {
	switch b.state {
	case Closed:
		b.stats.Calls++
		return nil, nil
	case HalfOpen:
		if b.inFlight < b.cfg.HalfOpenLimit {
			b.inFlight++
			b.stats.Calls++
			return nil, nil
		}
	}
	b.stats.Rejections++
	return []Event{b.event(EventReject, "")}, ErrCircuitOpen
}

func (b *breaker) success() []Event {
	switch b.state {
	case Closed:
		b.stats.Successes++
		b.failures = 0
	case HalfOpen:
		b.stats.Successes++
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			return b.transition(Closed)
		}
	}
	return nil
}

func (b *breaker) failure(cause error) []Event {
	if b.state == Open {
		return nil
	}
	b.stats.Failures++
	if cause != nil {
		b.stats.LastFailure = cause.Error()
	}
	b.stats.LastFailAt = b.reg.clock.Now()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return b.trip(cause)
		}
	case HalfOpen:
		return b.trip(cause)
	}
	return nil
}

func (b *breaker) trip(cause error) []Event {
	events := b.transition(Open)
	b.stats.Trips++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return append(events, b.event(EventTrip, msg))
}

// transition moves to state to, resets counters and manages the reset
// timer. Callers hold b.mu.
func (b *breaker) transition(to State) []Event {
	from := b.state
	b.state = to
	b.failures, b.successes, b.inFlight = 0, 0, 0
	b.gen++

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if to == Open {
		gen := b.gen
		b.timer = b.reg.clock.AfterFunc(b.cfg.ResetTimeout, func() { b.expire(gen) })
	}

	ev := b.event(EventStateChange, "")
	ev.From, ev.To = from, to
	return []Event{ev}
}

func (b *breaker) expire(gen uint64) {
	b.mu.Lock()
	if b.gen != gen || b.state != Open {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	events := b.transition(HalfOpen)
	b.mu.Unlock()
	b.reg.publish(events)
}

func (b *breaker) event(kind EventKind, msg string) Event {
	return Event{
		Kind:    kind,
		Circuit: b.name,
		From:    b.state,
		To:      b.state,
		At:      b.reg.clock.Now(),
		Error:   msg,
	}
}
