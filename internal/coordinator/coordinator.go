package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/karyi/internal/fsm"
	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/rpc"
	"github.com/dshills/karyi/internal/session"
)

// Worker method names.
const (
	MethodAIInitialize = "ai_initialize"
	MethodAIRequest    = "ai_request"
)

// ErrNotInitialized is returned by operations that need Initialize first.
var ErrNotInitialized = errors.New("coordinator not initialized")

// ErrShutDown is returned by RestartWorker once Shutdown has begun.
var ErrShutDown = errors.New("coordinator shut down")

// Client is the worker connection the coordinator drives.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Request(ctx context.Context, method string, params any, opts ...rpc.CallOption) (json.RawMessage, error)
	IsReady() bool
}

// Saver persists finished sessions.
type Saver interface {
	Save(ctx context.Context, snap session.Snapshot) error
}

// AIConfig is sent as the ai_initialize params.
type AIConfig struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`

	// Temperature is omitted when nil so the worker applies its default.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	AI           AIConfig
	SystemPrompt string
	Stream       bool

	// RequestTimeout bounds ai_request. Zero uses the client's default.
	RequestTimeout time.Duration

	// Restart governs worker restarts by Recover and RestartWorker.
	// The zero value makes a single attempt.
	Restart RetryConfig
}

// wireMessage is one entry of ai_request's messages.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// aiRequestParams are the ai_request params.
type aiRequestParams struct {
	Messages     []wireMessage `json:"messages"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Stream       bool          `json:"stream"`
}

// AIResponse is the ai_request result.
type AIResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Tokens  struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
		Total      int `json:"total"`
	} `json:"tokens"`
	FinishReason string `json:"finishReason"`
}

// Coordinator composes the worker client, the state machine and the session record.
type Coordinator struct {
	client  Client
	machine *fsm.Machine
	record  *session.Record
	store   Saver
	config  Config
	logger  *logging.Logger

	baseLogger *logging.Logger
	observers  []fsm.TransitionFunc

	initialized atomic.Bool

	// submitMu keeps at most one input in flight.
	submitMu sync.Mutex

	inflightMu sync.Mutex
	inflight   context.CancelFunc
	closing    bool

	unsubscribe  func()
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.baseLogger = l
	}
}

// WithRecord uses r instead of a fresh session record.
func WithRecord(r *session.Record) Option {
	return func(c *Coordinator) {
		c.record = r
	}
}

// WithStore saves the session on Shutdown.
func WithStore(s Saver) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithTransitionObserver observes state machine transitions.
func WithTransitionObserver(fn fsm.TransitionFunc) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// New creates a coordinator in INITIALIZING.
func New(client Client, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		config: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.baseLogger.WithComponent("coordinator")

	machineOpts := []fsm.Option{fsm.WithLogger(c.baseLogger)}
	for _, fn := range c.observers {
		machineOpts = append(machineOpts, fsm.WithObserver(fn))
	}
	c.machine = fsm.NewDefault(machineOpts...)

	if c.record == nil {
		c.record = session.NewRecord()
	}
	c.unsubscribe = c.record.Subscribe(c.mirrorProcessing)
	return c
}

// mirrorProcessing maps the record's processing flag onto the machine.
func (c *Coordinator) mirrorProcessing(ch session.Change) {
	if ch.Kind != session.ChangeProcessing {
		return
	}
	if ch.Processing {
		c.machine.Transition(fsm.StateProcessingInput)
		return
	}
	if c.machine.State() == fsm.StateProcessingInput {
		c.machine.Transition(fsm.StateIdle)
	}
}

// Initialize starts the worker, configures its AI provider and moves to IDLE.
// On failure the machine is forced to ERROR and the error is returned.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if c.initialized.Load() {
		return nil
	}

	c.logger.Info("initializing")
	if err := c.connect(ctx, false); err != nil {
		c.logger.Error("initialization failed", "error", err)
		c.machine.ForceState(fsm.StateError)
		return err
	}

	c.record.Start()
	c.initialized.Store(true)
	c.machine.Transition(fsm.StateIdle)
	c.logger.Info("initialized")
	return nil
}

// connect starts the worker and sends ai_initialize. With restart set the
// worker is restarted instead, retrying per Config.Restart.
func (c *Coordinator) connect(ctx context.Context, restart bool) error {
	if !restart {
		if err := c.client.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		return c.handshake(ctx)
	}

	return retry(ctx, c.config.Restart, func(attempt int) error {
		if attempt > 1 {
			c.logger.Warn("retrying worker restart", "attempt", attempt)
		}
		if err := c.client.Restart(ctx); err != nil {
			return fmt.Errorf("restart worker: %w", err)
		}
		return c.handshake(ctx)
	})
}

func (c *Coordinator) handshake(ctx context.Context) error {
	if _, err := c.client.Request(ctx, MethodAIInitialize, c.config.AI); err != nil {
		return fmt.Errorf("%s: %w", MethodAIInitialize, err)
	}
	return nil
}

// IsInitialized reports whether Initialize completed.
func (c *Coordinator) IsInitialized() bool {
	return c.initialized.Load()
}

// Submit sends input to the worker and records the answer. It is a no-op
// unless the coordinator is initialized and IDLE. Request failures move the
// machine to ERROR and are reported through the session record.
func (c *Coordinator) Submit(ctx context.Context, input string) {
	if !c.initialized.Load() {
		c.logger.Warn("input ignored: not initialized")
		return
	}
	if !c.submitMu.TryLock() {
		c.logger.Warn("input ignored: another input is in flight")
		return
	}
	defer c.submitMu.Unlock()

	if state := c.machine.State(); state != fsm.StateIdle {
		c.logger.Warn("input ignored: not idle", "state", state.String())
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.setInflight(cancel) {
		c.logger.Warn("input ignored: shutting down")
		return
	}
	defer c.setInflight(nil)

	defer c.record.SetProcessing(false)
	c.record.SetProcessing(true)

	c.record.AddMessage(session.RoleUser, input, nil)

	resp, err := c.request(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	c.machine.Transition(fsm.StateReceivingAIResponse)
	c.record.UpdateTokens(resp.Tokens.Prompt, resp.Tokens.Completion)
	c.record.AddMessage(session.RoleAssistant, resp.Content, &session.Metadata{
		Tokens: resp.Tokens.Total,
		Model:  resp.Model,
	})
	c.machine.Transition(fsm.StateIdle)
}

func (c *Coordinator) request(ctx context.Context) (*AIResponse, error) {
	if !c.machine.Transition(fsm.StateWaitingAIResponse) {
		return nil, &fsm.TransitionError{From: c.machine.State(), To: fsm.StateWaitingAIResponse}
	}

	params := aiRequestParams{
		Messages:     c.conversation(),
		SystemPrompt: c.config.SystemPrompt,
		Stream:       c.config.Stream,
	}

	var opts []rpc.CallOption
	if c.config.RequestTimeout > 0 {
		opts = append(opts, rpc.WithCallTimeout(c.config.RequestTimeout))
	}

	raw, err := c.client.Request(ctx, MethodAIRequest, params, opts...)
	if err != nil {
		return nil, err
	}

	var resp AIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodAIRequest, err)
	}
	return &resp, nil
}

// conversation returns the message history without error reports.
func (c *Coordinator) conversation() []wireMessage {
	msgs := c.record.Messages()
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Metadata != nil && m.Metadata.Error != "" {
			continue
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (c *Coordinator) fail(err error) {
	c.logger.Error("request failed", "error", err)
	c.machine.Transition(fsm.StateError)
	c.record.AddMessage(session.RoleSystem, "Error: "+err.Error(), &session.Metadata{Error: err.Error()})
}

// Recover returns from ERROR to IDLE, restarting the worker first if it is
// no longer ready. It returns false when the machine is not in ERROR or the
// worker could not be brought back.
func (c *Coordinator) Recover(ctx context.Context) bool {
	if !c.initialized.Load() || c.machine.State() != fsm.StateError {
		return false
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if !c.client.IsReady() {
		c.logger.Info("worker not ready, restarting")
		if err := c.connect(ctx, true); err != nil {
			c.logger.Error("recovery failed", "error", err)
			return false
		}
	}
	return c.machine.Transition(fsm.StateIdle)
}

// RestartWorker restarts the worker and re-sends ai_initialize, waiting for
// any input in flight. On failure the machine is forced to ERROR.
func (c *Coordinator) RestartWorker(ctx context.Context) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.isClosing() {
		return ErrShutDown
	}
	if err := c.connect(ctx, true); err != nil {
		c.logger.Error("worker restart failed", "error", err)
		if c.machine.State() != fsm.StateShuttingDown {
			c.machine.ForceState(fsm.StateError)
		}
		return err
	}
	if c.machine.State() == fsm.StateError {
		c.machine.Transition(fsm.StateIdle)
	}
	return nil
}

// EnterHub moves IDLE to SESSION_HUB. It is a no-op from any other state.
func (c *Coordinator) EnterHub() bool {
	if c.machine.State() != fsm.StateIdle {
		return false
	}
	return c.machine.Transition(fsm.StateSessionHub)
}

// LeaveHub moves SESSION_HUB to IDLE. It is a no-op from any other state.
func (c *Coordinator) LeaveHub() bool {
	if c.machine.State() != fsm.StateSessionHub {
		return false
	}
	return c.machine.Transition(fsm.StateIdle)
}

// Shutdown moves to SHUTTING_DOWN when allowed, finalizes and saves the
// session and stops the worker. It is safe to call before Initialize and
// more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutting down")

		// Cancel the input in flight and wait for it to settle so its
		// outcome lands in the record before it is finalized.
		c.inflightMu.Lock()
		c.closing = true
		if c.inflight != nil {
			c.inflight()
		}
		c.inflightMu.Unlock()
		c.submitMu.Lock()
		defer c.submitMu.Unlock()

		switch c.machine.State() {
		case fsm.StateIdle, fsm.StateSessionHub, fsm.StateError:
			c.machine.Transition(fsm.StateShuttingDown)
		}

		c.record.End()
		c.unsubscribe()

		var errs []error
		if c.store != nil && c.initialized.Load() {
			if err := c.store.Save(ctx, c.record.Snapshot()); err != nil {
				c.logger.Error("save session failed", "error", err)
				errs = append(errs, fmt.Errorf("save session: %w", err))
			}
		}
		if err := c.client.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker: %w", err))
		}
		c.shutdownErr = errors.Join(errs...)
	})
	return c.shutdownErr
}

// setInflight registers the cancel func of the running input. It refuses
// new inputs once Shutdown has begun.
func (c *Coordinator) setInflight(cancel context.CancelFunc) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if cancel != nil && c.closing {
		return false
	}
	c.inflight = cancel
	return true
}

func (c *Coordinator) isClosing() bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.closing
}

// State returns the current state.
func (c *Coordinator) State() fsm.State {
	return c.machine.State()
}

// History returns a copy of the state history.
func (c *Coordinator) History() []fsm.State {
	return c.machine.History()
}

// Record returns the session record.
func (c *Coordinator) Record() *session.Record {
	return c.record
}
