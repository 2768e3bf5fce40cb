package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/rpc"
)

// ReadyMarker is written to the diagnostic stream once the worker is serving.
const ReadyMarker = "KaryiAgent Python Engine started"

// HandlerFunc handles one method call. Returning an *rpc.RPCError sends that
// error verbatim; any other error becomes an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches request frames to handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	logger *logging.Logger
	diag   io.Writer

	writeMu sync.Mutex
	out     io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithDiagnostics sets the stream the readiness marker is written to.
// Default: os.Stderr
func WithDiagnostics(w io.Writer) Option {
	return func(s *Server) {
		s.diag = w
	}
}

// WithHandler registers an additional handler.
func WithHandler(method string, fn HandlerFunc) Option {
	return func(s *Server) {
		s.handlers[method] = fn
	}
}

// NewServer creates a server with the built-in methods registered.
func NewServer(opts ...Option) *Server {
	s := &Server{handlers: make(map[string]HandlerFunc), diag: os.Stderr}

	s.handlers["ping"] = handlePing
	s.handlers["echo"] = handleEcho

	ai := newAIHandlers()
	s.handlers["ai_initialize"] = ai.initialize
	s.handlers["ai_request"] = ai.request

	for _, opt := range opts {
		opt(s)
	}
	if s.diag == nil {
		s.diag = io.Discard
	}
	return s
}

// Handle registers or replaces a handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Methods returns the number of registered methods.
func (s *Server) Methods() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Serve reads request lines from r and writes responses to w until r reaches
// EOF or ctx is canceled. In-flight handlers are awaited before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	// Handlers see cancellation before Serve waits for them.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := fmt.Fprintln(s.diag, ReadyMarker); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}
	s.logger.Info("listening for requests on stdin")

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			wg.Add(1)
			go func(line []byte) {
				defer wg.Done()
				s.handleLine(ctx, line)
			}(line)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("input closed, stopping")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// incoming is a decoded request frame. ID stays raw so it can be echoed
// back unchanged.
type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type successFrame struct {
	Version string          `json:"v"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorFrame struct {
	Version string          `json:"v"`
	ID      json.RawMessage `json:"id"`
	Error   *rpc.RPCError   `json:"error"`
}

var nullID = json.RawMessage("null")

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req incoming
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Error("invalid json received", "error", err)
		s.writeError(nullID, &rpc.RPCError{Code: rpc.CodeParseError, Message: "Parse error"})
		return
	}
	if len(req.ID) == 0 {
		req.ID = nullID
	}

	if req.Method == "" {
		s.writeError(req.ID, &rpc.RPCError{Code: rpc.CodeInvalidRequest, Message: "Invalid Request: missing method"})
		return
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(req.ID, &rpc.RPCError{Code: rpc.CodeMethodNotFound, Message: "Method not found: " + req.Method})
		return
	}

	s.logger.Debug("request", "method", req.Method, "id", string(req.ID))

	result, err := s.invoke(ctx, fn, req.Params)
	if err != nil {
		var rpcErr *rpc.RPCError
		if !errors.As(err, &rpcErr) {
			s.logger.Error("handler failed", "method", req.Method, "error", err)
			rpcErr = &rpc.RPCError{Code: rpc.CodeInternalError, Message: "Internal error: " + err.Error()}
		}
		s.writeError(req.ID, rpcErr)
		return
	}
	s.write(successFrame{Version: rpc.ProtocolVersion, ID: req.ID, Result: result})
}

// invoke runs fn, converting a panic into an error.
func (s *Server) invoke(ctx context.Context, fn HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, params)
}

func (s *Server) writeError(id json.RawMessage, e *rpc.RPCError) {
	s.write(errorFrame{Version: rpc.ProtocolVersion, ID: id, Error: e})
}

func (s *Server) write(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func handlePing(context.Context, json.RawMessage) (any, error) {
	return "pong", nil
}

func handleEcho(_ context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
