package session

import "time"

// Role identifies who produced a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ToolCall records one tool invocation requested by the assistant.
type ToolCall struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	XML    string `json:"xml,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Metadata is optional per-message information.
type Metadata struct {
	Tokens    int        `json:"tokens,omitempty"`
	Model     string     `json:"model,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// Error marks a message that reports a failure to the user rather than
	// a conversation turn.
	Error string `json:"error,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Stats are running totals for a session.
type Stats struct {
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	MessageCount     int
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	ModifiedFiles    []string
	UsedVariables    []string
}

func (s Stats) clone() Stats {
	s.ModifiedFiles = append([]string(nil), s.ModifiedFiles...)
	s.UsedVariables = append([]string(nil), s.UsedVariables...)
	return s
}

// Snapshot is a point-in-time copy of a Record.
type Snapshot struct {
	ID         string
	Messages   []Message
	Stats      Stats
	Processing bool
	Paused     bool
	Variables  map[string]string
}
