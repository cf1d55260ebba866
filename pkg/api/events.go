package api

import "time"

// EventName identifies a lifecycle event published to an Observer.
type EventName string

const (
	EventWorkflowStart  EventName = "workflow.start"
	EventWorkflowStop   EventName = "workflow.stop"
	EventWorkflowFail   EventName = "workflow.fail"
	EventWorkflowCancel EventName = "workflow.cancel"
	EventWorkflowPause  EventName = "workflow.pause"
	EventWorkflowResume EventName = "workflow.resume"

	EventStepStart     EventName = "step.start"
	EventStepStop      EventName = "step.stop"
	EventStepSkip      EventName = "step.skip"
	EventStepException EventName = "step.exception"

	EventCircuitStateChange EventName = "circuit.state_change"
	EventCircuitTrip        EventName = "circuit.trip"
	EventCircuitReset       EventName = "circuit.reset"
	EventCircuitReject      EventName = "circuit.reject"
)

// Event is a single observation. Measurements carry numbers such as
// "duration_ms"; Metadata carries identifiers such as "execution_id",
// "workflow", "step" and "error".
type Event struct {
	Name         EventName
	At           time.Time
	Measurements map[string]float64
	Metadata     map[string]any
}

// Common metadata keys.
const (
	MetaExecutionID = "execution_id"
	MetaWorkflow    = "workflow"
	MetaStep        = "step"
	MetaAttempt     = "attempt"
	MetaError       = "error"
	MetaReason      = "reason"
	MetaCircuit     = "circuit"
	MetaFrom        = "from"
	MetaTo          = "to"

	MeasureDuration = "duration_ms"
)

func (e Event) meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	switch v := e.Metadata[key].(type) {
	case string:
		return v
	case error:
		return v.Error()
	}
	return ""
}
