package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/dshills/karyi/internal/rpc"
	"github.com/dshills/karyi/internal/worker/provider"
)

// ErrNotInitialized is returned by ai_request before ai_initialize.
var ErrNotInitialized = errors.New("ai provider not initialized")

// AIRequestParams are the params of ai_request.
type AIRequestParams struct {
	Messages     []provider.Message `json:"messages"`
	SystemPrompt string             `json:"systemPrompt,omitempty"`
	Stream       bool               `json:"stream,omitempty"`
}

// AIInitializeResult is the result of ai_initialize.
type AIInitializeResult struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type aiHandlers struct {
	mu       sync.RWMutex
	provider provider.Provider
}

func newAIHandlers() *aiHandlers {
	return &aiHandlers{}
}

func (h *aiHandlers) initialize(_ context.Context, params json.RawMessage) (any, error) {
	var cfg provider.Config
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, &rpc.RPCError{Code: rpc.CodeInvalidParams, Message: "invalid ai_initialize params: " + err.Error()}
		}
	}

	p, err := provider.New(cfg)
	if err != nil {
		return nil, &rpc.RPCError{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}

	h.mu.Lock()
	old := h.provider
	h.provider = p
	h.mu.Unlock()

	if c, ok := old.(io.Closer); ok {
		_ = c.Close()
	}

	return AIInitializeResult{Status: "ok", Provider: p.Name(), Model: p.Model()}, nil
}

func (h *aiHandlers) request(ctx context.Context, params json.RawMessage) (any, error) {
	h.mu.RLock()
	p := h.provider
	h.mu.RUnlock()
	if p == nil {
		return nil, ErrNotInitialized
	}

	var req AIRequestParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpc.RPCError{Code: rpc.CodeInvalidParams, Message: "invalid ai_request params: " + err.Error()}
	}
	if len(req.Messages) == 0 {
		return nil, &rpc.RPCError{Code: rpc.CodeInvalidParams, Message: "messages must not be empty"}
	}

	// Streaming is not forwarded over the line protocol; the full completion
	// is returned in one frame either way.
	return p.Chat(ctx, provider.Request{Messages: req.Messages, SystemPrompt: req.SystemPrompt})
}
