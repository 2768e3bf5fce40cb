package fsm

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SeedsHistory(t *testing.T) {
	m := NewDefault()

	assert.Equal(t, StateInitializing, m.State())
	assert.Equal(t, []State{StateInitializing}, m.History())

	_, ok := m.PreviousState()
	assert.False(t, ok, "no previous state with a single history entry")
}

func TestMachine_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"idle to hub", StateIdle, StateSessionHub, true},
		{"idle to executing tools", StateIdle, StateExecutingTools, false},
		{"init to idle", StateInitializing, StateIdle, true},
		{"init to error", StateInitializing, StateError, false},
		{"error recovers to idle", StateError, StateIdle, true},
		{"error to processing", StateError, StateProcessingInput, false},
		{"hub to takeover", StateSessionHub, StateShellTakeover, true},
		{"takeover to hub", StateShellTakeover, StateSessionHub, true},
		{"takeover to idle", StateShellTakeover, StateIdle, false},
		{"variable input to parsing", StateWaitingVariableInput, StateParsingTools, true},
		{"variable input to error", StateWaitingVariableInput, StateError, false},
		{"variable input to shutdown", StateWaitingVariableInput, StateShuttingDown, false},
		{"shutdown is terminal", StateShuttingDown, StateIdle, false},
		{"self loop", StateIdle, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.from)
			assert.Equal(t, tt.want, m.CanTransition(tt.to))
			assert.Equal(t, tt.from, m.State(), "CanTransition must not mutate")
		})
	}
}

func TestMachine_TransitionRejected(t *testing.T) {
	m := New(StateIdle)

	ok := m.Transition(StateExecutingTools)

	assert.False(t, ok)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []State{StateIdle}, m.History())
}

func TestMachine_TransitionErr(t *testing.T) {
	m := New(StateIdle)

	err := m.TransitionErr(StateShellTakeover)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateIdle, te.From)
	assert.Equal(t, StateShellTakeover, te.To)
}

func TestMachine_HappyPath(t *testing.T) {
	m := New(StateIdle)

	path := []State{StateProcessingInput, StateWaitingAIResponse, StateReceivingAIResponse, StateIdle}
	for _, s := range path {
		require.True(t, m.Transition(s), "transition to %s", s)
	}

	assert.Equal(t, append([]State{StateIdle}, path...), m.History())
	prev, ok := m.PreviousState()
	require.True(t, ok)
	assert.Equal(t, StateReceivingAIResponse, prev)
}

func TestMachine_ToolLoop(t *testing.T) {
	m := New(StateReceivingAIResponse)

	for _, s := range []State{
		StateParsingTools,
		StateWaitingVariableInput,
		StateParsingTools,
		StateExecutingTools,
		StateWaitingAIResponse,
		StateReceivingAIResponse,
		StateParsingTools,
		StateExecutingTools,
		StateIdle,
	} {
		require.True(t, m.Transition(s), "transition to %s", s)
	}
	assert.Len(t, m.History(), 10)
}

func TestMachine_ForceState(t *testing.T) {
	m := New(StateWaitingVariableInput)

	m.ForceState(StateError)

	assert.Equal(t, StateError, m.State())
	assert.Equal(t, []State{StateWaitingVariableInput, StateError}, m.History())
}

func TestMachine_HistoryIsCopy(t *testing.T) {
	m := New(StateIdle)
	h := m.History()
	h[0] = StateError

	assert.Equal(t, StateIdle, m.History()[0])
}

func TestMachine_Observers(t *testing.T) {
	type change struct {
		from, to State
		forced   bool
	}
	var got []change

	m := New(StateInitializing, WithObserver(func(from, to State, forced bool) {
		got = append(got, change{from, to, forced})
	}))

	m.Transition(StateIdle)
	m.Transition(StateExecutingTools) // rejected, not observed
	m.ForceState(StateError)

	assert.Equal(t, []change{
		{StateInitializing, StateIdle, false},
		{StateIdle, StateError, true},
	}, got)
}

func TestMachine_ConcurrentTransitions(t *testing.T) {
	m := New(StateIdle)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Transition(StateSessionHub) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "only one goroutine can take the IDLE -> SESSION_HUB edge")
	assert.Equal(t, []State{StateIdle, StateSessionHub}, m.History())
}
