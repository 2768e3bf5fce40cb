package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the rpc package.
var (
	// ErrClosed is returned for calls pending or issued after Close.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout is wrapped by TimeoutError.
	ErrTimeout = errors.New("request timeout")

	// ErrProtocolParse marks a line that is not a well-formed response frame.
	ErrProtocolParse = errors.New("protocol parse error")

	// ErrUnknownResponseID marks a response whose id matches no pending call.
	ErrUnknownResponseID = errors.New("unknown response id")

	// ErrAlreadyStarted is returned by Start when the read loop is running.
	ErrAlreadyStarted = errors.New("channel already started")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a structured failure returned by the worker.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TimeoutError reports a call whose deadline elapsed before a response arrived.
type TimeoutError struct {
	ID      int64
	Method  string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout: %s (id %d) after %s", e.Method, e.ID, e.Timeout)
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
