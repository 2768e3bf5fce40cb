// Package coordinator drives the worker on behalf of the user.
//
// The Coordinator gates every command on the state machine: input is only
// accepted in IDLE, and a submission walks
//
//	IDLE -> PROCESSING_INPUT -> WAITING_AI_RESPONSE -> RECEIVING_AI_RESPONSE -> IDLE
//
// Any request failure moves the machine to ERROR and appends an error
// message to the session record. Errors never escape Submit.
//
// The IDLE <-> PROCESSING_INPUT edge is not driven directly. The coordinator
// observes the session record's processing flag and mirrors it into the
// machine, so anything that watches the record sees busy/idle in step with
// the state machine.
package coordinator
