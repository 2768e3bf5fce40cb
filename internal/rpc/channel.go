package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/karyi/internal/logging"
)

// DefaultTimeout is the per-call deadline used when none is given.
const DefaultTimeout = 30 * time.Second

// Channel multiplexes concurrent calls over a line-oriented stream pair.
type Channel struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	// writeMu serializes whole-line writes.
	writeMu sync.Mutex

	// mu guards the pending table, the id counter and closed.
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	started  atomic.Bool
	done     chan struct{}
	readDone chan struct{}

	timeout   time.Duration
	logger    *logging.Logger
	diagFns   []DiagnosticHandler
	callFns   []CallHandler
	closeOnce sync.Once
	closeErr  error
}

// pendingCall is an issued request awaiting exactly one outcome.
type pendingCall struct {
	id       int64
	method   string
	issuedAt time.Time
	deadline time.Time
	timer    *time.Timer
	done     chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the default per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger for request and diagnostic logging.
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) {
		c.logger = l.WithComponent("rpc")
	}
}

// WithDiagnosticHandler registers a handler for non-fatal protocol diagnostics.
func WithDiagnosticHandler(fn DiagnosticHandler) Option {
	return func(c *Channel) {
		if fn != nil {
			c.diagFns = append(c.diagFns, fn)
		}
	}
}

// WithCallHandler registers a handler for call lifecycle events.
func WithCallHandler(fn CallHandler) Option {
	return func(c *Channel) {
		if fn != nil {
			c.callFns = append(c.callFns, fn)
		}
	}
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithCallTimeout overrides the deadline for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// NewChannel creates a channel that writes requests to w and reads responses
// from r. If c is non-nil it is closed by Close to release the reader.
func NewChannel(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Channel {
	ch := &Channel{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		pending:  make(map[int64]*pendingCall),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Start begins reading response lines. The channel is closed when ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return ErrAlreadyStarted
	}
	go c.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	return nil
}

// Request issues method with params and waits for its outcome.
//
// The result is the raw JSON of the response's result member. The call fails
// with *RPCError, *TimeoutError, ErrClosed, the context's error, or a write
// error. Failures are local to this call.
func (c *Channel) Request(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	co := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&co)
	}
	if co.timeout <= 0 {
		co.timeout = c.timeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID

	line, err := encodeRequest(&Request{
		Version: ProtocolVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	call := &pendingCall{
		id:       id,
		method:   method,
		issuedAt: now,
		deadline: now.Add(co.timeout),
		done:     make(chan outcome, 1),
	}
	c.pending[id] = call
	timeout := co.timeout
	call.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, outcome{err: &TimeoutError{ID: id, Method: method, Timeout: timeout}}) {
			c.logger.Warn("request timed out", "id", id, "method", method, "timeout", timeout)
		}
	})
	c.mu.Unlock()

	if err := c.writeLine(line); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("write request %s: %w", method, err)})
	} else {
		c.logger.Debug("request sent", "id", id, "method", method)
		c.emitCall(CallEvent{Phase: CallSent, ID: id, Method: method})
	}

	var out outcome
	select {
	case out = <-call.done:
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		out = <-call.done
	}

	phase := CallResolved
	if out.err != nil {
		phase = CallRejected
	}
	c.emitCall(CallEvent{
		Phase:    phase,
		ID:       id,
		Method:   method,
		Err:      out.err,
		Duration: time.Since(call.issuedAt),
	})
	return out.result, out.err
}

// Call is Request with the result decoded into result (which may be nil).
func (c *Channel) Call(ctx context.Context, method string, params any, result any, opts ...CallOption) error {
	raw, err := c.Request(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// FailAll rejects every pending call with err without closing the channel.
// It returns the number of calls rejected.
func (c *Channel) FailAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.done <- outcome{err: err}
	}
	return len(calls)
}

// Close rejects every pending call with ErrClosed and releases the reader.
// Close is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		calls := c.pending
		c.pending = make(map[int64]*pendingCall)
		c.mu.Unlock()

		close(c.done)

		for _, call := range calls {
			call.timer.Stop()
			call.done <- outcome{err: ErrClosed}
		}
		if len(calls) > 0 {
			c.logger.Debug("rejected pending calls on close", "count", len(calls))
		}

		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

// PendingCount returns the number of outstanding calls.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel closed by Close.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// ReadDone returns a channel closed when the read loop exits.
func (c *Channel) ReadDone() <-chan struct{} {
	return c.readDone
}

// settle removes the call and delivers out. Only the goroutine that removes
// the call from the table may deliver, so each call settles at most once.
func (c *Channel) settle(id int64, out outcome) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	call.timer.Stop()
	call.done <- out
	return true
}

func (c *Channel) writeLine(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.writer.Write(line)
	return err
}

// readLoop reads response lines until the stream ends.
func (c *Channel) readLoop() {
	defer close(c.readDone)

	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if c.IsClosed() {
				return
			}
			if !errors.Is(err, io.EOF) {
				c.diagnose(Diagnostic{Kind: DiagReadError, Err: err})
			}
			c.diagnose(Diagnostic{Kind: DiagStreamClosed, Err: err})
			return
		}
	}
}

// handleLine routes one line to its pending call.
func (c *Channel) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	resp, err := decodeResponse(line)
	if err != nil {
		c.diagnose(Diagnostic{Kind: DiagParseError, Line: string(line), Err: err})
		return
	}

	out := outcome{result: resp.Result}
	if resp.Error != nil {
		out = outcome{err: resp.Error}
	}

	if !c.settle(resp.ID, out) {
		c.diagnose(Diagnostic{
			Kind: DiagUnknownResponseID,
			ID:   resp.ID,
			Line: string(line),
			Err:  fmt.Errorf("%w: %d", ErrUnknownResponseID, resp.ID),
		})
	}
}

func (c *Channel) diagnose(d Diagnostic) {
	d.Time = time.Now()
	if d.Kind == DiagStreamClosed {
		c.logger.Debug("response stream closed", "error", d.Err)
	} else {
		c.logger.Warn("rpc diagnostic", "kind", d.Kind.String(), "id", d.ID, "error", d.Err)
	}
	for _, fn := range c.diagFns {
		fn(d)
	}
}

func (c *Channel) emitCall(ev CallEvent) {
	for _, fn := range c.callFns {
		fn(ev)
	}
}
