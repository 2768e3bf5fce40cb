package rpc

import "time"

// DiagnosticKind classifies a non-fatal channel diagnostic.
type DiagnosticKind int

const (
	// DiagParseError is a line that is not a well-formed response frame.
	DiagParseError DiagnosticKind = iota
	// DiagUnknownResponseID is a response for an id with no pending call.
	DiagUnknownResponseID
	// DiagReadError is a read failure other than EOF.
	DiagReadError
	// DiagStreamClosed reports the end of the response stream.
	DiagStreamClosed
)

// String returns a human-readable kind name.
func (k DiagnosticKind) String() string {
	switch k {
	case DiagParseError:
		return "protocol_parse_error"
	case DiagUnknownResponseID:
		return "unknown_response_id"
	case DiagReadError:
		return "read_error"
	case DiagStreamClosed:
		return "stream_closed"
	default:
		return "unknown"
	}
}

// Diagnostic is a non-fatal event raised while reading responses.
type Diagnostic struct {
	Kind DiagnosticKind
	ID   int64
	Line string
	Err  error
	Time time.Time
}

// DiagnosticHandler receives diagnostics. It runs on the read goroutine and
// must not block.
type DiagnosticHandler func(Diagnostic)

// CallPhase identifies a point in a call's lifecycle.
type CallPhase int

const (
	// CallSent fires after the request line is written.
	CallSent CallPhase = iota
	// CallResolved fires when a result is returned to the caller.
	CallResolved
	// CallRejected fires when an error is returned to the caller.
	CallRejected
)

// String returns a human-readable phase name.
func (p CallPhase) String() string {
	switch p {
	case CallSent:
		return "sent"
	case CallResolved:
		return "resolved"
	case CallRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CallEvent describes a call lifecycle step.
type CallEvent struct {
	Phase    CallPhase
	ID       int64
	Method   string
	Err      error
	Duration time.Duration
}

// CallHandler receives call lifecycle events on the caller's goroutine.
type CallHandler func(CallEvent)
