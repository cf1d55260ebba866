package circuit

import (
	"context"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// EventKind names a circuit event.
type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventTrip        EventKind = "trip"
	EventReset       EventKind = "reset"
	EventReject      EventKind = "reject"
)

// Event is published after the circuit lock has been released.
type Event struct {
	Kind    EventKind
	Circuit string
	From    State
	To      State
	At      time.Time
	Error   string
}

// Notifier receives circuit events. Panics are recovered and dropped.
type Notifier func(Event)

// ObserverNotifier forwards circuit events to an api.Observer.
func ObserverNotifier(obs api.Observer) Notifier {
	return func(ev Event) {
		meta := map[string]any{api.MetaCircuit: ev.Circuit}
		var name api.EventName
		switch ev.Kind {
		case EventStateChange:
			name = api.EventCircuitStateChange
			meta[api.MetaFrom] = string(ev.From)
			meta[api.MetaTo] = string(ev.To)
		case EventTrip:
			name = api.EventCircuitTrip
		case EventReset:
			name = api.EventCircuitReset
		case EventReject:
			name = api.EventCircuitReject
		default:
			return
		}
		if ev.Error != "" {
			meta[api.MetaError] = ev.Error
		}
		obs.Observe(context.Background(), api.Event{Name: name, At: ev.At, Metadata: meta})
	}
}
