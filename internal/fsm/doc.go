// Package fsm implements the application state machine that gates when the
// worker request channel may be used.
//
// A Machine holds exactly one current State, accepts a transition only when the
// (current, target) pair is a declared edge, and records every accepted
// transition or forced override in an append-only history.
//
//	m := fsm.New(fsm.StateInitializing)
//	m.Transition(fsm.StateIdle)            // true
//	m.Transition(fsm.StateExecutingTools)  // false, state unchanged
//
// Rejected transitions are not errors: Transition returns false and the
// rejection is logged at warn level.
//
// # Thread Safety
//
// Machine is safe for concurrent use. Observers are called outside the lock.
package fsm
