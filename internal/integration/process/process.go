package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State represents the state of an OS process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process wraps an exec.Cmd with exit tracking and its parent-side pipes.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Stdin is the parent's write end of the child's stdin.
	Stdin io.WriteCloser

	// Stdout is the parent's read end of the child's stdout.
	Stdout io.ReadCloser

	// Stderr is the parent's read end of the child's stderr.
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error
	signal  syscall.Signal

	waitOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewProcess creates a new Process wrapping the given command.
// The command must not be started.
func NewProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:   id,
		Name: name,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1) // -1 indicates not exited
	return p
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the process exit code.
// Returns -1 if the process has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitSignal returns the signal that terminated the process, or 0.
func (p *Process) ExitSignal() syscall.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signal
}

// ExitError returns any error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited returns true if the process has exited (normally or killed).
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Signal sends a signal to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() || p.Cmd.Process == nil {
		return ErrProcessNotRunning
	}
	return p.Cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Terminate sends SIGTERM to the process.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// start wires the three pipes and starts the process.
//
// The child ends are plain *os.File values so exec does not copy through
// goroutines and Wait does not close the parent's read ends.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	var childEnds []*os.File
	var parentEnds []io.Closer
	fail := func(err error) error {
		for _, f := range childEnds {
			_ = f.Close()
		}
		for _, c := range parentEnds {
			_ = c.Close()
		}
		return err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stdin pipe: %w", err))
	}
	childEnds, parentEnds = append(childEnds, inR), append(parentEnds, inW)

	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stdout pipe: %w", err))
	}
	childEnds, parentEnds = append(childEnds, outW), append(parentEnds, outR)

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stderr pipe: %w", err))
	}
	childEnds, parentEnds = append(childEnds, errW), append(parentEnds, errR)

	p.Cmd.Stdin = inR
	p.Cmd.Stdout = outW
	p.Cmd.Stderr = errW

	if err := p.Cmd.Start(); err != nil {
		return fail(err)
	}

	for _, f := range childEnds {
		_ = f.Close()
	}

	p.Stdin = inW
	p.Stdout = outR
	p.Stderr = errR
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	go p.waitLoop()
	return nil
}

// waitLoop waits for the process to exit and updates state.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()

		exitCode := 0
		state := StateExited
		var sig syscall.Signal

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
					sig = status.Signal()
				}
			} else {
				exitCode = -1
			}
		}

		p.mu.Lock()
		p.exitErr = err
		p.signal = sig
		p.mu.Unlock()

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// Close closes the parent-side pipes. It does not kill the process.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		for name, c := range map[string]io.Closer{"stdin": p.Stdin, "stdout": p.Stdout, "stderr": p.Stderr} {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}
