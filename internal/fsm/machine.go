package fsm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/karyi/internal/logging"
)

// ErrInvalidTransition is wrapped by TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// TransitionFunc observes a state change. forced is true for ForceState.
type TransitionFunc func(from, to State, forced bool)

// Machine holds the current application state and its history.
type Machine struct {
	mu        sync.RWMutex
	current   State
	history   []State
	observers []TransitionFunc
	logger    *logging.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for transition diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) {
		m.logger = l.WithComponent("fsm")
	}
}

// WithObserver registers fn to be called after every state change.
func WithObserver(fn TransitionFunc) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, fn)
	}
}

// New creates a Machine in the initial state and seeds history with it.
func New(initial State, opts ...Option) *Machine {
	m := &Machine{
		current: initial,
		history: make([]State, 1, 16),
	}
	m.history[0] = initial
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDefault creates a Machine starting in StateInitializing.
func NewDefault(opts ...Option) *Machine {
	return New(StateInitializing, opts...)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether (current, to) is a declared edge.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return IsEdge(m.current, to)
}

// Transition moves to the target state if the edge is declared.
// It returns false and leaves the state unchanged otherwise.
func (m *Machine) Transition(to State) bool {
	return m.TransitionErr(to) == nil
}

// TransitionErr is Transition with the rejection reported as a *TransitionError.
func (m *Machine) TransitionErr(to State) error {
	m.mu.Lock()
	from := m.current
	if !IsEdge(from, to) {
		m.mu.Unlock()
		m.logger.Warn("rejected state transition", "from", from.String(), "to", to.String())
		return &TransitionError{From: from, To: to}
	}
	m.current = to
	m.history = append(m.history, to)
	observers := m.copyObserversLocked()
	m.mu.Unlock()

	m.logger.Info("state transition", "from", from.String(), "to", to.String())
	notify(observers, from, to, false)
	return nil
}

// ForceState sets the state without checking the edge set.
// It is reserved for recovery paths and is always logged.
func (m *Machine) ForceState(state State) {
	m.mu.Lock()
	from := m.current
	m.current = state
	m.history = append(m.history, state)
	observers := m.copyObserversLocked()
	m.mu.Unlock()

	m.logger.Warn("forced state", "from", from.String(), "to", state.String())
	notify(observers, from, state, true)
}

// History returns a copy of the state history, oldest first.
func (m *Machine) History() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// PreviousState returns the entry before the current one.
// ok is false when history holds only the initial state.
func (m *Machine) PreviousState() (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) < 2 {
		return 0, false
	}
	return m.history[len(m.history)-2], true
}

// OnTransition registers an observer after construction.
func (m *Machine) OnTransition(fn TransitionFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) copyObserversLocked() []TransitionFunc {
	if len(m.observers) == 0 {
		return nil
	}
	out := make([]TransitionFunc, len(m.observers))
	copy(out, m.observers)
	return out
}

func notify(observers []TransitionFunc, from, to State, forced bool) {
	for _, fn := range observers {
		if fn != nil {
			fn(from, to, forced)
		}
	}
}
