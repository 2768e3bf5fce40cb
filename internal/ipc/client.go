package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dshills/karyi/internal/integration/process"
	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/rpc"
)

// Config configures a Client.
type Config struct {
	// Process describes the worker to launch.
	Process process.Config

	// Timeout is the default per-call deadline.
	// Default: 30 seconds
	Timeout time.Duration
}

// Client issues calls to a supervised worker.
type Client struct {
	sup    *process.Supervisor
	logger *logging.Logger

	timeout time.Duration

	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex

	mu     sync.RWMutex
	ch     *rpc.Channel
	chProc string

	diagFns []rpc.DiagnosticHandler
	callFns []rpc.CallHandler
	exitFns []process.ExitHandler
	logFns  []process.LogHandler
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. It is shared with the supervisor and channel.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithDiagnosticHandler observes protocol diagnostics from every channel.
func WithDiagnosticHandler(fn rpc.DiagnosticHandler) Option {
	return func(c *Client) {
		if fn != nil {
			c.diagFns = append(c.diagFns, fn)
		}
	}
}

// WithCallHandler observes the request/response lifecycle of every call.
func WithCallHandler(fn rpc.CallHandler) Option {
	return func(c *Client) {
		if fn != nil {
			c.callFns = append(c.callFns, fn)
		}
	}
}

// WithExitHandler observes worker exits, after pending calls have been failed.
func WithExitHandler(fn process.ExitHandler) Option {
	return func(c *Client) {
		if fn != nil {
			c.exitFns = append(c.exitFns, fn)
		}
	}
}

// WithLogHandler observes worker diagnostic-stream lines.
func WithLogHandler(fn process.LogHandler) Option {
	return func(c *Client) {
		if fn != nil {
			c.logFns = append(c.logFns, fn)
		}
	}
}

// New creates a client. The worker is not started.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = rpc.DefaultTimeout
	}

	c := &Client{timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}

	supOpts := []process.SupervisorOption{process.WithExitHandler(c.handleExit)}
	if c.logger != nil {
		supOpts = append(supOpts, process.WithLogger(c.logger))
	}
	for _, fn := range c.logFns {
		supOpts = append(supOpts, process.WithLogHandler(fn))
	}
	c.sup = process.NewSupervisor(cfg.Process, supOpts...)
	return c
}

// Supervisor returns the underlying supervisor for lifecycle queries.
func (c *Client) Supervisor() *process.Supervisor {
	return c.sup
}

// Start launches the worker and opens a channel over its stdio.
func (c *Client) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx)
}

// Stop closes the channel, failing pending calls with rpc.ErrClosed, and
// stops the worker.
func (c *Client) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

// Restart stops and starts the worker.
func (c *Client) Restart(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.logger.Info("restarting worker")
	if err := c.stopLocked(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	if err := c.sup.Start(ctx); err != nil {
		return err
	}

	opts := []rpc.Option{
		rpc.WithTimeout(c.timeout),
		rpc.WithLogger(c.logger),
	}
	for _, fn := range c.diagFns {
		opts = append(opts, rpc.WithDiagnosticHandler(fn))
	}
	for _, fn := range c.callFns {
		opts = append(opts, rpc.WithCallHandler(fn))
	}

	stdout := c.sup.Stdout()
	ch := rpc.NewChannel(stdout, c.sup.Stdin(), quietCloser{stdout}, opts...)
	if err := ch.Start(context.Background()); err != nil {
		return err
	}

	c.mu.Lock()
	c.ch = ch
	c.chProc = c.sup.ProcessID()
	c.mu.Unlock()
	return nil
}

func (c *Client) stopLocked(ctx context.Context) error {
	if ch := c.detach(""); ch != nil {
		_ = ch.Close()
	}
	return c.sup.Stop(ctx)
}

// detach removes the current channel. A non-empty procID only detaches the
// channel opened for that worker run.
func (c *Client) detach(procID string) *rpc.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || (procID != "" && c.chProc != procID) {
		return nil
	}
	ch := c.ch
	c.ch = nil
	c.chProc = ""
	return ch
}

func (c *Client) handleExit(ev process.ExitEvent) {
	if ev.Unexpected {
		if ch := c.detach(ev.ProcessID); ch != nil {
			n := ch.FailAll(&CrashError{Code: ev.Code, Signal: ev.Signal})
			_ = ch.Close()
			if n > 0 {
				c.logger.Warn("failed pending calls after worker crash", "count", n)
			}
		}
	}
	for _, fn := range c.exitFns {
		fn(ev)
	}
}

func (c *Client) channel() *rpc.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

// IsReady reports whether calls can be issued.
func (c *Client) IsReady() bool {
	return c.channel() != nil && c.sup.IsAlive()
}

// PendingCount returns the number of outstanding calls.
func (c *Client) PendingCount() int {
	ch := c.channel()
	if ch == nil {
		return 0
	}
	return ch.PendingCount()
}

// Request issues method and returns the raw result.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...rpc.CallOption) (json.RawMessage, error) {
	ch := c.channel()
	if ch == nil || !c.sup.IsAlive() {
		return nil, ErrNotReady
	}

	result, err := ch.Request(ctx, method, params, opts...)
	if errors.Is(err, process.ErrNotReady) {
		return nil, ErrNotReady
	}
	return result, err
}

// Call issues method and decodes the result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...rpc.CallOption) error {
	raw, err := c.Request(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Ping checks that the worker answers "pong".
func (c *Client) Ping(ctx context.Context) error {
	var got string
	if err := c.Call(ctx, "ping", nil, &got); err != nil {
		return err
	}
	if got != "pong" {
		return fmt.Errorf("%w: %q", ErrUnexpectedPong, got)
	}
	return nil
}

// Echo sends v and decodes the echoed value into out.
func (c *Client) Echo(ctx context.Context, v, out any) error {
	return c.Call(ctx, "echo", v, out)
}

// quietCloser ignores errors from closing an already-closed stream.
type quietCloser struct {
	c interface{ Close() error }
}

func (q quietCloser) Close() error {
	if err := q.c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
