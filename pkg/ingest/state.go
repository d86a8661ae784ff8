package ingest

import "fmt"

// State is the state of a single upload.
type State int

const (
	// StateReceiving means bytes arrive from the client,
	// and are handed to the writer or queued in the pending buffer.
	StateReceiving State = iota
	// StateDraining means the backend became ready again, and the pending buffer is flushed.
	StateDraining
	// StateFinalizing means the client finished sending,
	// remaining bytes are flushed and the write stream gets closed.
	StateFinalizing
	// StateCommitted means the blob got published under its address.
	StateCommitted
	// StateFailed means the upload got aborted, and its temporary object removed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateDraining:
		return "draining"
	case StateFinalizing:
		return "finalizing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the states reachable from each state.
// Failed is reachable from every state that's not terminal.
var transitions = map[State][]State{
	StateReceiving:  {StateDraining, StateFinalizing, StateFailed},
	StateDraining:   {StateReceiving, StateFinalizing, StateFailed},
	StateFinalizing: {StateCommitted, StateFailed},
	StateCommitted:  {},
	StateFailed:     {},
}

// canTransition returns true if to is reachable from s.
func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
