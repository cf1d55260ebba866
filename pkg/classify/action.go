package classify

import "time"

// ActionKind is what a caller should do with a failed unit of work.
type ActionKind string

const (
	ActionRetry      ActionKind = "retry"
	ActionDeadLetter ActionKind = "dead_letter"
	ActionDiscard    ActionKind = "discard"
)

// Action is the outcome of NextAction. Delay is set for ActionRetry only.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// NextAction decides how to handle err after attempt attempts (1-based).
func (c *Classifier) NextAction(err error, attempt int) Action {
	cl := c.Classify(err)
	switch {
	case !cl.Retryable:
		return Action{Kind: ActionDiscard}
	case attempt >= cl.MaxRetries:
		return Action{Kind: ActionDeadLetter}
	default:
		return Action{Kind: ActionRetry, Delay: cl.Delay(attempt)}
	}
}

// Default is the classifier used by the package-level functions.
var Default = New()

func Classify(err error) Classification { return Default.Classify(err) }
func IsRetryable(err error) bool { return Default.IsRetryable(err) }
func IsTerminal(err error) bool { return Default.IsTerminal(err) }
func ClassOf(err error) Class { return Default.ClassOf(err) }
func TripsCircuit(err error) bool { return Default.TripsCircuit(err) }
func RetryDelay(err error, attempt int) time.Duration { return Default.RetryDelay(err, attempt) }
func Exhausted(err error, attempt int) bool { return Default.Exhausted(err, attempt) }
func NextAction(err error, attempt int) Action { return Default.NextAction(err, attempt) }
