package transport

import "fmt"

// State is the authoritative connection state. Exactly one value is active
// per process; observers learn connectivity only through transitions.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Syncing      State = "syncing"
	Primary      State = "primary"
	PushFallback State = "push_fallback"

	// RequestFallback tags outbound routing while the push fallback is
	// receive-only. It is never an observable machine state: a send over
	// the request path does not change what the state stream reports.
	RequestFallback State = "request_fallback"
)

// validTransitions defines the allowed edges of the connection graph.
// Syncing sits between a successful handshake and the live indication:
// gap fill runs before the machine declares itself primary or fallback.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Syncing, Disconnected},
	Syncing:      {Primary, PushFallback, Disconnected},
	Primary:      {Syncing, Disconnected},
	PushFallback: {Connecting, Syncing, Disconnected},
}

func checkTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// StateChange is the payload for transport.state_changed events.
type StateChange struct {
	From State
	To   State
}
