package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/karyi/internal/logging"
)

// Defaults for Config.
const (
	DefaultReadyMarker    = "KaryiAgent Python Engine started"
	DefaultStartupTimeout = 5 * time.Second
	DefaultStopGrace      = 3 * time.Second
)

// stderrDrainTimeout bounds how long an exit waits for trailing stderr lines.
const stderrDrainTimeout = 200 * time.Millisecond

// Lifecycle is the supervisor's view of the worker.
type Lifecycle int

const (
	// LifecycleNotStarted means Start has never been called.
	LifecycleNotStarted Lifecycle = iota
	// LifecycleStarting means the worker is spawned and not yet ready.
	LifecycleStarting
	// LifecycleRunning means the ready marker was observed.
	LifecycleRunning
	// LifecycleStopping means Stop is terminating the worker.
	LifecycleStopping
	// LifecycleStopped means the worker exited at our request.
	LifecycleStopped
	// LifecycleCrashed means the worker exited without being asked to.
	LifecycleCrashed
)

// String returns a human-readable lifecycle name.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleNotStarted:
		return "not_started"
	case LifecycleStarting:
		return "starting"
	case LifecycleRunning:
		return "running"
	case LifecycleStopping:
		return "stopping"
	case LifecycleStopped:
		return "stopped"
	case LifecycleCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Config describes how to launch the worker.
type Config struct {
	// Executable is the program to run (e.g. "python").
	Executable string

	// Entry is the script or entry argument passed first. Optional.
	Entry string

	// Args are appended after Entry.
	Args []string

	// WorkDir is the working directory. Empty means the current directory.
	WorkDir string

	// Env is layered over the parent environment.
	Env map[string]string

	// ReadyMarker is the substring on stderr that signals readiness.
	// Default: DefaultReadyMarker
	ReadyMarker string

	// StartupTimeout bounds the wait for ReadyMarker.
	// Default: 5 seconds
	StartupTimeout time.Duration

	// StopGrace is the delay between SIGTERM and SIGKILL.
	// Default: 3 seconds
	StopGrace time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.ReadyMarker == "" {
		c.ReadyMarker = DefaultReadyMarker
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// argv returns the worker's arguments.
func (c Config) argv() []string {
	args := make([]string, 0, len(c.Args)+1)
	if c.Entry != "" {
		args = append(args, c.Entry)
	}
	return append(args, c.Args...)
}

// environ returns the parent environment with Env layered on top.
func (c Config) environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// LogEvent is a diagnostic-stream line from the worker.
type LogEvent struct {
	ProcessID string
	Line      string
	Time      time.Time
}

// ExitEvent reports a worker exit.
type ExitEvent struct {
	ProcessID string
	PID       int
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal is the terminating signal name, empty for a normal exit.
	Signal string
	// Unexpected is true when the exit was not requested by Stop or a failed Start.
	Unexpected bool
	Runtime    time.Duration
	Time       time.Time
}

// LogHandler receives worker diagnostic lines.
type LogHandler func(LogEvent)

// ExitHandler receives worker exits.
type ExitHandler func(ExitEvent)

// ReadyHandler is called once per successful Start.
type ReadyHandler func(processID string)

// run tracks one spawned worker.
type run struct {
	proc       *Process
	ready      chan struct{}
	readyOnce  sync.Once
	stderrDone chan struct{}
	exited     chan struct{}
	expected   atomic.Bool
}

func (r *run) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *run) isReady() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// Supervisor owns the lifecycle of a single worker process.
type Supervisor struct {
	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex

	mu    sync.RWMutex
	cur   *run
	state atomic.Int32

	config Config
	logger *logging.Logger

	handlersMu sync.RWMutex
	logFns     []LogHandler
	exitFns    []ExitHandler
	readyFns   []ReadyHandler
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l.WithComponent("supervisor")
	}
}

// WithLogHandler registers a handler for worker diagnostic lines.
func WithLogHandler(fn LogHandler) SupervisorOption {
	return func(s *Supervisor) {
		s.OnLog(fn)
	}
}

// WithExitHandler registers a handler for worker exits.
func WithExitHandler(fn ExitHandler) SupervisorOption {
	return func(s *Supervisor) {
		s.OnExit(fn)
	}
}

// NewSupervisor creates a supervisor for the worker described by config.
func NewSupervisor(config Config, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{config: config.withDefaults()}
	s.state.Store(int32(LifecycleNotStarted))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.config
}

// OnLog registers a diagnostic line handler.
func (s *Supervisor) OnLog(fn LogHandler) {
	if fn == nil {
		return
	}
	s.handlersMu.Lock()
	s.logFns = append(s.logFns, fn)
	s.handlersMu.Unlock()
}

// OnExit registers an exit handler.
func (s *Supervisor) OnExit(fn ExitHandler) {
	if fn == nil {
		return
	}
	s.handlersMu.Lock()
	s.exitFns = append(s.exitFns, fn)
	s.handlersMu.Unlock()
}

// OnReady registers a readiness handler.
func (s *Supervisor) OnReady(fn ReadyHandler) {
	if fn == nil {
		return
	}
	s.handlersMu.Lock()
	s.readyFns = append(s.readyFns, fn)
	s.handlersMu.Unlock()
}

// Lifecycle returns the current lifecycle state.
func (s *Supervisor) Lifecycle() Lifecycle {
	return Lifecycle(s.state.Load())
}

// IsAlive returns true only while the lifecycle is Running.
func (s *Supervisor) IsAlive() bool {
	return s.Lifecycle() == LifecycleRunning
}

// PID returns the current worker's PID, or -1.
func (s *Supervisor) PID() int {
	r := s.current()
	if r == nil {
		return -1
	}
	return r.proc.PID()
}

// ProcessID returns the ID of the current worker run, or "" before the first Start.
func (s *Supervisor) ProcessID() string {
	r := s.current()
	if r == nil {
		return ""
	}
	return r.proc.ID
}

// Start spawns the worker and blocks until it is ready.
//
// It fails with ErrAlreadyRunning while a worker is starting, running or
// stopping, with a *SpawnError if the process cannot be launched or exits
// before the marker, and with a *StartupTimeoutError if the marker does not
// arrive in time. Cancelling ctx aborts the wait and kills the worker.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

// Stop terminates the worker: SIGTERM, then SIGKILL after the grace window.
// It is a no-op unless the worker is running and returns once the process
// has exited. Cancelling ctx skips the remaining grace window.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops and then starts the worker. The two phases never overlap.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return s.startLocked(ctx)
}

// Stdin returns a writer to the current worker's stdin.
// Writes fail with ErrNotReady unless the worker is Running.
func (s *Supervisor) Stdin() io.WriteCloser {
	return &stdinStream{s: s, r: s.current()}
}

// Stdout returns a reader over the current worker's stdout.
// Reads fail with ErrNotReady until the worker has become ready.
func (s *Supervisor) Stdout() io.ReadCloser {
	return &stdoutStream{r: s.current()}
}

func (s *Supervisor) current() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Supervisor) setState(l Lifecycle) {
	prev := Lifecycle(s.state.Swap(int32(l)))
	if prev != l {
		s.logger.Debug("worker lifecycle", "from", prev.String(), "to", l.String())
	}
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	switch s.Lifecycle() {
	case LifecycleStarting, LifecycleRunning, LifecycleStopping:
		return ErrAlreadyRunning
	}

	if prev := s.current(); prev != nil {
		_ = prev.proc.Close()
	}

	cfg := s.config
	cmd := newCommand(cfg)
	proc := NewProcess(uuid.New().String(), "worker", cmd)

	r := &run{
		proc:       proc,
		ready:      make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	s.setState(LifecycleStarting)
	if err := proc.start(); err != nil {
		s.setState(LifecycleNotStarted)
		s.logger.Error("worker spawn failed", "executable", cfg.Executable, "error", err)
		return &SpawnError{Executable: cfg.Executable, Err: err}
	}

	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()

	s.logger.Info("worker spawned", "pid", proc.PID(), "id", proc.ID, "executable", cfg.Executable)

	go s.readDiagnostics(r)
	go s.watch(r)

	timer := time.NewTimer(cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-r.ready:
		s.setState(LifecycleRunning)
		s.logger.Info("worker ready", "pid", proc.PID())
		s.emitReady(proc.ID)
		return nil

	case <-r.exited:
		_ = proc.Close()
		s.setState(LifecycleStopped)
		s.logger.Error("worker exited before ready", "pid", proc.PID(), "code", proc.ExitCode())
		return &SpawnError{
			Executable: cfg.Executable,
			Err:        fmt.Errorf("exited before ready (code %d)", proc.ExitCode()),
		}

	case <-timer.C:
		s.abortStart(r)
		s.logger.Error("worker startup timeout", "timeout", cfg.StartupTimeout)
		return &StartupTimeoutError{Marker: cfg.ReadyMarker, Timeout: cfg.StartupTimeout}

	case <-ctx.Done():
		s.abortStart(r)
		return ctx.Err()
	}
}

// abortStart kills a worker that never became ready and waits for it.
func (s *Supervisor) abortStart(r *run) {
	r.expected.Store(true)
	_ = r.proc.Kill()
	<-r.exited
	_ = r.proc.Close()
	s.setState(LifecycleStopped)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	r := s.current()
	if r == nil || s.Lifecycle() != LifecycleRunning {
		return nil
	}

	s.setState(LifecycleStopping)
	r.expected.Store(true)

	if err := r.proc.Terminate(); err != nil {
		s.logger.Debug("terminate failed", "error", err)
	}

	grace := time.NewTimer(s.config.StopGrace)
	defer grace.Stop()

	select {
	case <-r.exited:
	case <-grace.C:
		s.logger.Warn("worker ignored SIGTERM, killing", "pid", r.proc.PID(), "grace", s.config.StopGrace)
		_ = r.proc.Kill()
		<-r.exited
	case <-ctx.Done():
		_ = r.proc.Kill()
		<-r.exited
	}

	s.setState(LifecycleStopped)
	return r.proc.Close()
}

// readDiagnostics scans stderr, detecting the ready marker and forwarding
// every other line.
func (s *Supervisor) readDiagnostics(r *run) {
	defer close(r.stderrDone)

	marker := s.config.ReadyMarker
	sc := bufio.NewScanner(r.proc.Stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !r.isReady() && strings.Contains(line, marker) {
			r.markReady()
			continue
		}
		if line == "" {
			continue
		}
		s.logger.Debug("worker", "line", line)
		s.emitLog(LogEvent{ProcessID: r.proc.ID, Line: line, Time: time.Now()})
	}
}

// watch waits for the worker to exit, records the lifecycle and emits the exit.
func (s *Supervisor) watch(r *run) {
	<-r.proc.Done()

	select {
	case <-r.stderrDone:
	case <-time.After(stderrDrainTimeout):
	}

	// An exit before readiness fails Start instead of counting as a crash.
	if !r.isReady() {
		r.expected.Store(true)
	}
	unexpected := !r.expected.Load()
	if unexpected {
		s.setState(LifecycleCrashed)
	}

	ev := ExitEvent{
		ProcessID:  r.proc.ID,
		PID:        r.proc.PID(),
		Code:       r.proc.ExitCode(),
		Unexpected: unexpected,
		Runtime:    r.proc.Runtime(),
		Time:       time.Now(),
	}
	if sig := r.proc.ExitSignal(); sig != 0 {
		ev.Signal = sig.String()
	}

	close(r.exited)

	if unexpected {
		s.logger.Error("worker exited unexpectedly", "pid", ev.PID, "code", ev.Code, "signal", ev.Signal)
	} else {
		s.logger.Info("worker exited", "pid", ev.PID, "code", ev.Code, "signal", ev.Signal)
	}
	s.emitExit(ev)
}

func (s *Supervisor) emitLog(ev LogEvent) {
	s.handlersMu.RLock()
	fns := s.logFns
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Supervisor) emitExit(ev ExitEvent) {
	s.handlersMu.RLock()
	fns := s.exitFns
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("exit handler panicked", "panic", p)
				}
			}()
			fn(ev)
		}()
	}
}

func (s *Supervisor) emitReady(id string) {
	s.handlersMu.RLock()
	fns := s.readyFns
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

// stdinStream guards writes to the worker's stdin.
type stdinStream struct {
	s *Supervisor
	r *run
	// mu keeps each Write a single uninterrupted write on the pipe.
	mu sync.Mutex
}

func (w *stdinStream) Write(p []byte) (int, error) {
	if w.r == nil || !w.r.isReady() || w.s.Lifecycle() != LifecycleRunning || w.s.current() != w.r {
		return 0, ErrNotReady
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.r.proc.Stdin.Write(p)
}

func (w *stdinStream) Close() error {
	if w.r == nil {
		return nil
	}
	return w.r.proc.Stdin.Close()
}

// stdoutStream guards reads from the worker's stdout.
type stdoutStream struct {
	r *run
}

func (rd *stdoutStream) Read(p []byte) (int, error) {
	if rd.r == nil || !rd.r.isReady() {
		return 0, ErrNotReady
	}
	return rd.r.proc.Stdout.Read(p)
}

func (rd *stdoutStream) Close() error {
	if rd.r == nil {
		return nil
	}
	return rd.r.proc.Stdout.Close()
}
