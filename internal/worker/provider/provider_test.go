package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  error
	}{
		{"empty defaults to echo", Config{}, NameEcho, nil},
		{"echo", Config{Provider: "echo"}, NameEcho, nil},
		{"openai", Config{Provider: "openai", APIKey: "sk-test"}, NameOpenAI, nil},
		{"openrouter", Config{Provider: "OpenRouter", APIKey: "k"}, NameOpenAI, nil},
		{"compatible", Config{Provider: "openai-compatible", APIKey: "k", BaseURL: "http://localhost:8080/v1"}, NameOpenAI, nil},
		{"anthropic", Config{Provider: "anthropic", APIKey: "k"}, NameAnthropic, nil},
		{"gemini", Config{Provider: "gemini", APIKey: "k"}, NameGemini, nil},
		{"openai missing key", Config{Provider: "openai"}, "", ErrNoAPIKey},
		{"anthropic missing key", Config{Provider: "anthropic", APIKey: "  "}, "", ErrNoAPIKey},
		{"gemini missing key", Config{Provider: "gemini"}, "", ErrNoAPIKey},
		{"unknown", Config{Provider: "palm"}, "", ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNew_DefaultModels(t *testing.T) {
	p, err := New(Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, p.Model())

	p, err = New(Config{Provider: "anthropic", APIKey: "k", Model: "claude-x"})
	require.NoError(t, err)
	assert.Equal(t, "claude-x", p.Model())

	p, err = New(Config{Provider: "gemini", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultGeminiModel, p.Model())
	require.NoError(t, p.(*Gemini).Close())
}

func TestNew_Temperature(t *testing.T) {
	zero, low := 0.0, 0.2

	tests := []struct {
		name string
		in   *float64
		want float64
	}{
		{"unset uses default", nil, DefaultTemperature},
		{"explicit zero kept", &zero, 0},
		{"explicit value kept", &low, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{Provider: "openai", APIKey: "k", Temperature: tt.in})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, p.(*OpenAI).temperature, 1e-9)

			a, err := New(Config{Provider: "anthropic", APIKey: "k", Temperature: tt.in})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, a.(*Anthropic).temperature, 1e-9)
		})
	}
}

func TestConfig_TemperatureJSON(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{"provider":"openai","temperature":0}`), &cfg))
	require.NotNil(t, cfg.Temperature)
	assert.Zero(t, *cfg.Temperature)

	cfg = Config{}
	require.NoError(t, json.Unmarshal([]byte(`{"provider":"openai"}`), &cfg))
	assert.Nil(t, cfg.Temperature)
}

func TestGeminiFinishReason(t *testing.T) {
	assert.Equal(t, "stop", geminiFinishReason(genai.FinishReasonStop))
	assert.Equal(t, "length", geminiFinishReason(genai.FinishReasonMaxTokens))
	assert.Equal(t, "safety", geminiFinishReason(genai.FinishReasonSafety))
	assert.Empty(t, geminiFinishReason(genai.FinishReasonUnspecified))
}

func TestEcho_Chat(t *testing.T) {
	p := NewEcho(Config{})

	got, err := p.Chat(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "an answer"},
			{Role: "user", Content: "hello there world"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there world", got.Content)
	assert.Equal(t, "echo", got.Model)
	assert.Equal(t, "stop", got.FinishReason)
	assert.Equal(t, 2+2+2+3, got.Tokens.Prompt)
	assert.Equal(t, 3, got.Tokens.Completion)
	assert.Equal(t, got.Tokens.Prompt+got.Tokens.Completion, got.Tokens.Total)
}

func TestEcho_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEcho(Config{}).Chat(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithSystem(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}

	assert.Equal(t, msgs, withSystem(Request{Messages: msgs}))

	got := withSystem(Request{Messages: msgs, SystemPrompt: "sys"})
	require.Len(t, got, 2)
	assert.Equal(t, Message{Role: "system", Content: "sys"}, got[0])
}
