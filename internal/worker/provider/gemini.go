package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini talks to the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewGemini creates a Gemini provider.
func NewGemini(cfg Config) (*Gemini, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoAPIKey)
	}

	opts := []option.ClientOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	return &Gemini{
		client:      client,
		model:       model,
		temperature: cfg.temperature(),
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Name returns "gemini".
func (p *Gemini) Name() string { return NameGemini }

// Model returns the configured model.
func (p *Gemini) Model() string { return p.model }

// Chat replays the earlier turns as chat history and sends the last one.
// Gemini names the assistant role "model".
func (p *Gemini) Chat(ctx context.Context, req Request) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(float32(p.temperature))
	model.SetMaxOutputTokens(int32(p.maxTokens))

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	chat := model.StartChat()
	last := req.Messages[len(req.Messages)-1]
	for _, m := range req.Messages[:len(req.Messages)-1] {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			chat.History = append(chat.History, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			chat.History = append(chat.History, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = genai.NewUserContent(genai.Text(strings.Join(system, "\n\n")))
	}

	resp, err := chat.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out := &Completion{
		Content:      text.String(),
		Model:        p.model,
		FinishReason: geminiFinishReason(cand.FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Tokens = Tokens{
			Prompt:     int(u.PromptTokenCount),
			Completion: int(u.CandidatesTokenCount),
			Total:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Close releases the underlying client.
func (p *Gemini) Close() error {
	return p.client.Close()
}

func geminiFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonUnspecified:
		return ""
	default:
		return strings.ToLower(strings.TrimPrefix(r.String(), "FinishReason"))
	}
}
