package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned for calls made before Start or after Stop.
	ErrNotReady = errors.New("ipc not ready")

	// ErrProcessCrash is wrapped by CrashError.
	ErrProcessCrash = errors.New("worker process crashed")

	// ErrUnexpectedPong is returned by Ping when the worker answers with
	// something other than "pong".
	ErrUnexpectedPong = errors.New("unexpected ping result")
)

// CrashError fails calls that were pending when the worker exited unexpectedly.
type CrashError struct {
	Code   int
	Signal string
}

// Error implements the error interface.
func (e *CrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker process crashed (signal %s)", e.Signal)
	}
	return fmt.Sprintf("worker process crashed (code %d)", e.Code)
}

// Unwrap returns ErrProcessCrash.
func (e *CrashError) Unwrap() error {
	return ErrProcessCrash
}
