package process

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the process package.
var (
	// ErrProcessNotRunning is returned when signalling a process that is not running.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrProcessAlreadyStarted is returned when starting a process twice.
	ErrProcessAlreadyStarted = errors.New("process already started")

	// ErrAlreadyRunning is returned by Start while a worker is starting or running.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNotReady is returned by stream operations before the worker is ready.
	ErrNotReady = errors.New("worker not ready")

	// ErrSpawn is wrapped by SpawnError.
	ErrSpawn = errors.New("worker spawn failed")

	// ErrStartupTimeout is wrapped by StartupTimeoutError.
	ErrStartupTimeout = errors.New("worker startup timeout")
)

// SpawnError reports a worker that could not be launched or exited before
// becoming ready.
type SpawnError struct {
	Executable string
	Err        error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

// Unwrap returns both ErrSpawn and the underlying cause.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// StartupTimeoutError reports a worker that did not print the ready marker in time.
type StartupTimeoutError struct {
	Marker  string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("worker startup timeout: no %q within %s", e.Marker, e.Timeout)
}

// Unwrap returns ErrStartupTimeout.
func (e *StartupTimeoutError) Unwrap() error {
	return ErrStartupTimeout
}
