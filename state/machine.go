// Package state provides a small table-driven finite state machine
// shared by the IKE session and child session event loops. States,
// events and actions stay caller-defined; this package only owns the
// table lookup and the event channel plumbing.
package state

import (
	"fmt"
	"sync"
)

// State names a node in a Machine's transition table.
type State string

// Event names an edge trigger.
type Event string

// StateEvent is posted into a Machine to drive a transition; Data
// carries whatever payload the firing Action needs (a decoded message,
// an error, a notification code).
type StateEvent struct {
	Event Event
	Data  interface{}
}

// Action runs when a transition fires. Its return value, if Event is
// non-empty, is posted back into the Machine so actions can chain
// (e.g. SendAuth failing posts AUTH_FAIL without the caller having to
// plumb that through the event loop by hand).
type Action func(data interface{}) StateEvent

// Transition describes one (source state, event) edge: which state it
// lands in and what runs on the way.
type Transition struct {
	Source State
	Event  Event
	Dest   State
	Action Action
}

type key struct {
	state State
	event Event
}

// Machine is a small, explicit FSM: a current state, a transition
// table keyed on (state, event), and a channel of pending events.
// Callers drive it from their own select loop via Events()/HandleEvent;
// Machine never spawns a goroutine of its own.
type Machine struct {
	mu    sync.Mutex
	state State
	table map[key]Transition

	events chan StateEvent
	closed bool
}

// NewMachine builds a Machine starting in start, wired with the given
// transitions. Duplicate (Source, Event) pairs are a programmer error
// and panic at construction, not at runtime.
func NewMachine(start State, transitions []Transition) *Machine {
	m := &Machine{
		state:  start,
		table:  make(map[key]Transition, len(transitions)),
		events: make(chan StateEvent, 16),
	}
	for _, tr := range transitions {
		k := key{tr.Source, tr.Event}
		if _, dup := m.table[k]; dup {
			panic(fmt.Sprintf("state: duplicate transition for state=%s event=%s", tr.Source, tr.Event))
		}
		m.table[k] = tr
	}
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events exposes the pending-event channel for a select loop.
func (m *Machine) Events() <-chan StateEvent {
	return m.events
}

// PostEvent enqueues evt for later processing by HandleEvent. Safe to
// call from the owning goroutine (chained actions) or from elsewhere
// (other goroutines feeding the session its events).
func (m *Machine) PostEvent(evt StateEvent) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.events <- evt
}

// CloseEvents closes the event channel; HandleEvent must not be called
// after this, and no further PostEvent will be delivered.
func (m *Machine) CloseEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

// HandleEvent looks up the transition for the machine's current state
// and evt.Event, runs its Action (if any), moves to Dest, and - if the
// action's own returned StateEvent names an Event - posts that back in
// so multi-step transitions (check -> fail -> notify) chain without the
// caller re-implementing the loop.
//
// An event with no matching transition is ignored: out-of-order or
// duplicate network messages are expected and must not panic the
// session.
func (m *Machine) HandleEvent(evt StateEvent) {
	m.mu.Lock()
	tr, ok := m.table[key{m.state, evt.Event}]
	m.mu.Unlock()
	if !ok {
		return
	}

	var next StateEvent
	if tr.Action != nil {
		next = tr.Action(evt.Data)
	}

	m.mu.Lock()
	m.state = tr.Dest
	m.mu.Unlock()

	if next.Event != "" {
		m.PostEvent(next)
	}
}
