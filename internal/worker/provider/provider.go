// Package provider implements the chat backends behind the worker's
// ai_request method.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider names accepted by New.
const (
	NameOpenAI     = "openai"
	NameOpenRouter = "openrouter"
	NameCompatible = "openai-compatible"
	NameAnthropic  = "anthropic"
	NameGemini     = "gemini"
	NameEcho       = "echo"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096

	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

var (
	// ErrUnknownProvider is returned by New for unrecognized provider names.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoAPIKey is returned by providers that require a key.
	ErrNoAPIKey = errors.New("api key not configured")

	// ErrEmptyResponse is returned when a backend answers with no content.
	ErrEmptyResponse = errors.New("empty response")
)

// Config selects and configures a provider.
type Config struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`

	// Temperature is nil when unset; an explicit 0 is kept.
	Temperature *float64 `json:"temperature,omitempty"`
}

func (c Config) temperature() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages     []Message
	SystemPrompt string
}

// Tokens reports usage for one completion.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Completion is a provider's answer.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Tokens       Tokens `json:"tokens"`
	FinishReason string `json:"finishReason"`
}

// Provider produces chat completions.
type Provider interface {
	Name() string
	Model() string
	Chat(ctx context.Context, req Request) (*Completion, error)
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case NameOpenAI, NameCompatible:
		return NewOpenAI(cfg)
	case NameOpenRouter:
		if cfg.BaseURL == "" {
			cfg.BaseURL = openRouterBaseURL
		}
		return NewOpenAI(cfg)
	case NameAnthropic:
		return NewAnthropic(cfg)
	case NameGemini:
		return NewGemini(cfg)
	case NameEcho, "":
		return NewEcho(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// withSystem prepends the system prompt as a system message when present.
func withSystem(req Request) []Message {
	if req.SystemPrompt == "" {
		return req.Messages
	}
	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, Message{Role: "system", Content: req.SystemPrompt})
	return append(out, req.Messages...)
}
