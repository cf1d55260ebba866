// Package classify maps errors to retry and circuit-breaking policy.
//
// A Classification is computed fresh for every error and never cached.
// Callers can steer the result by returning errors that implement
// Classified, or by registering overrides on a Classifier.
package classify

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Class is the coarse family an error belongs to.
type Class string

const (
	Retryable Class = "retryable"
	Transient Class = "transient"
	Degraded  Class = "degraded"
	Terminal  Class = "terminal"
	Unknown   Class = "unknown"
)

// Strategy is the delay schedule between retries.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Classification is the retry policy for one error.
type Classification struct {
	Class        Class
	Retryable    bool
	MaxRetries   int
	Strategy     Strategy
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	TripsCircuit bool
}

// Built-in classifications.
var (
	TerminalClassification = Classification{
		Class:    Terminal,
		Strategy: StrategyNone,
	}
	TransientClassification = Classification{
		Class:      Transient,
		Retryable:  true,
		MaxRetries: 3,
		Strategy:   StrategyFixed,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
	}
	RetryableClassification = Classification{
		Class:        Retryable,
		Retryable:    true,
		MaxRetries:   5,
		Strategy:     StrategyExponential,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		TripsCircuit: true,
	}
	UnknownClassification = Classification{
		Class:    Unknown,
		Strategy: StrategyNone,
	}
)

// Classified is implemented by errors that carry their own classification.
type Classified interface {
	ErrorClassification() Classification
}

// ReasonError wraps a plain failure value that is not an exception, such
// as a business-level refusal. It classifies as Unknown.
type ReasonError struct {
	Value any
}

func (e *ReasonError) Error() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("failure reason: %v", e.Value)
}

// Reason wraps v as a ReasonError.
func Reason(v any) error {
	return &ReasonError{Value: v}
}

var (
	terminalWords = []string{
		"validation", "invalid", "unauthorized", "forbidden",
		"permission denied", "not found", "bad request",
	}
	transientWords = []string{
		"conflict", "locked", "deadlock", "busy", "contention", "try again",
	}
)

type override struct {
	match func(error) bool
	c     Classification
}

// Classifier classifies errors. The zero value is ready to use.
type Classifier struct {
	mu        sync.RWMutex
	overrides []override
}

// New returns an empty Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Override registers a classification for errors accepted by match.
// Overrides are consulted in registration order.
func (c *Classifier) Override(match func(error) bool, cl Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = append(c.overrides, override{match: match, c: cl})
}

// OverrideError registers a classification for errors matching target
// via errors.Is.
func (c *Classifier) OverrideError(target error, cl Classification) {
	c.Override(func(err error) bool { return errors.Is(err, target) }, cl)
}

// Classify returns the classification of err.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return UnknownClassification
	}

	var self Classified
	if errors.As(err, &self) {
		return self.ErrorClassification()
	}

	c.mu.RLock()
	for _, o := range c.overrides {
		if o.match != nil && o.match(err) {
			c.mu.RUnlock()
			return o.c
		}
	}
	c.mu.RUnlock()

	var reason *ReasonError
	if errors.As(err, &reason) {
		return UnknownClassification
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return TerminalClassification
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, terminalWords) {
		return TerminalClassification
	}
	if containsAny(msg, transientWords) {
		return TransientClassification
	}
	// Timeouts, network errors and anything unrecognized, panics included.
	return RetryableClassification
}

// IsRetryable reports whether err may be retried at all.
func (c *Classifier) IsRetryable(err error) bool { return c.Classify(err).Retryable }

// IsTerminal reports whether err is in the terminal family.
func (c *Classifier) IsTerminal(err error) bool { return c.Classify(err).Class == Terminal }

// ClassOf returns only the class of err.
func (c *Classifier) ClassOf(err error) Class { return c.Classify(err).Class }

// TripsCircuit reports whether err should count against a circuit breaker.
func (c *Classifier) TripsCircuit(err error) bool { return c.Classify(err).TripsCircuit }

// RetryDelay is the delay before the given attempt (1-based) under the
// classification of err.
func (c *Classifier) RetryDelay(err error, attempt int) time.Duration {
	return c.Classify(err).Delay(attempt)
}

// Exhausted reports whether attempt has used up the retries for err.
func (c *Classifier) Exhausted(err error, attempt int) bool {
	return attempt >= c.Classify(err).MaxRetries
}

// Delay returns the pause before the given attempt (1-based).
func (cl Classification) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch cl.Strategy {
	case StrategyFixed:
		return cl.BaseDelay
	case StrategyExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d := cl.BaseDelay * time.Duration(1<<uint(shift))
		if spread := int64(d) / 10; spread > 0 {
			d += time.Duration(rand.Int64N(spread + 1))
		}
		if cl.MaxDelay > 0 && (d > cl.MaxDelay || d < 0) {
			d = cl.MaxDelay
		}
		return d
	default:
		return 0
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
