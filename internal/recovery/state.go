// Package recovery detects damaged keyword databases, rescues what rows it
// can into a fresh file and swaps the result into place. It also hosts the
// database-wide repairs the pipeline runs before enrichment: Base64 id
// conversion and image URL re-extraction.
package recovery

import (
	"errors"
	"fmt"
)

// State is a keyword database's position in the recovery state machine.
type State string

const (
	Healthy  State = "healthy"
	Suspect  State = "suspect"
	Rescuing State = "rescuing"
	Repaired State = "repaired"
	Failed   State = "failed"
)

// Event moves the state machine.
type Event string

const (
	EventCorruptionDetected Event = "corruption-detected"
	EventRescueEmpty        Event = "rescue-empty"
	EventRescueSucceeded    Event = "rescue-succeeded"
	EventSwapSucceeded      Event = "swap-succeeded"
	EventSwapFailed         Event = "swap-failed"
	EventResume             Event = "resume"
)

// ErrIllegalTransition is returned for an event the current state does not
// accept.
var ErrIllegalTransition = errors.New("recovery: illegal state transition")

var transitions = map[State]map[Event]State{
	Healthy: {
		EventCorruptionDetected: Suspect,
	},
	Suspect: {
		EventRescueEmpty:     Failed,
		EventRescueSucceeded: Rescuing,
	},
	Rescuing: {
		EventSwapSucceeded: Repaired,
		EventSwapFailed:    Failed,
	},
	Repaired: {
		EventResume: Healthy,
	},
}

// Transition returns the state reached from from on ev.
func Transition(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, ev)
}

// Machine tracks one database's walk through the states.
type Machine struct {
	state State
	path  []State
}

// NewMachine starts in Healthy.
func NewMachine() *Machine {
	return &Machine{state: Healthy, path: []State{Healthy}}
}

// Fire applies ev.
func (m *Machine) Fire(ev Event) error {
	to, err := Transition(m.state, ev)
	if err != nil {
		return err
	}
	m.state = to
	m.path = append(m.path, to)
	return nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Path returns every state visited, starting with Healthy.
func (m *Machine) Path() []State {
	return append([]State(nil), m.path...)
}
