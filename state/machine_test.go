package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stIdle   State = "idle"
	stSentA  State = "sentA"
	stMature State = "mature"
	stFailed State = "failed"

	evStart Event = "start"
	evOK    Event = "ok"
	evFail  Event = "fail"
)

func TestMachine_SimpleChain(t *testing.T) {
	var sendCalled, matureCalled bool
	m := NewMachine(stIdle, []Transition{
		{Source: stIdle, Event: evStart, Dest: stSentA, Action: func(data interface{}) StateEvent {
			sendCalled = true
			return StateEvent{Event: evOK}
		}},
		{Source: stSentA, Event: evOK, Dest: stMature, Action: func(data interface{}) StateEvent {
			matureCalled = true
			return StateEvent{}
		}},
	})

	m.HandleEvent(StateEvent{Event: evStart})
	assert.True(t, sendCalled)
	assert.Equal(t, stSentA, m.State())

	// the chained follow-up event was posted, not yet processed
	select {
	case evt := <-m.Events():
		m.HandleEvent(evt)
	default:
		t.Fatal("expected chained event to be queued")
	}
	assert.True(t, matureCalled)
	assert.Equal(t, stMature, m.State())
}

func TestMachine_UnmatchedEventIgnored(t *testing.T) {
	m := NewMachine(stIdle, []Transition{
		{Source: stIdle, Event: evStart, Dest: stSentA},
	})
	m.HandleEvent(StateEvent{Event: evFail})
	assert.Equal(t, stIdle, m.State(), "an event with no transition must not move the state")
}

func TestMachine_DuplicateTransitionPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewMachine(stIdle, []Transition{
			{Source: stIdle, Event: evStart, Dest: stSentA},
			{Source: stIdle, Event: evStart, Dest: stFailed},
		})
	})
}

func TestMachine_PostEventAfterCloseIsNoop(t *testing.T) {
	m := NewMachine(stIdle, []Transition{
		{Source: stIdle, Event: evStart, Dest: stSentA},
	})
	m.CloseEvents()
	require.NotPanics(t, func() {
		m.PostEvent(StateEvent{Event: evStart})
	})
}
