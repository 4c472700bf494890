package agent

import (
	"time"
)

// SessionStatus is the lifecycle state of one agent session.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// Session is one run of the agent loop over a conversation.
type Session struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	ProfileID      string        `json:"profileId"`
	Status         SessionStatus `json:"status"`
	Iteration      int           `json:"iteration"`
	FinalContent   string        `json:"finalContent,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        time.Time     `json:"endedAt,omitempty"`
}

// EventType classifies progress events emitted during a session.
type EventType string

const (
	EventThinking         EventType = "thinking"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "approval_required"
	EventResponse         EventType = "response"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Event is one progress update streamed to the session's consumer.
// Exactly one terminal event, type done or error, ends every session.
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"sessionId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content,omitempty"`
	ToolName       string    `json:"toolName,omitempty"`
	ToolCallID     string    `json:"toolCallId,omitempty"`
	IsError        bool      `json:"isError,omitempty"`
	// TimedOut marks approvals that resolved by timeout rather than by
	// an explicit response.
	TimedOut bool          `json:"timedOut,omitempty"`
	Status   SessionStatus `json:"status,omitempty"`
	Time     time.Time     `json:"time"`
}

// ProcessOptions is the input to one Process call.
type ProcessOptions struct {
	// ConversationID targets an existing conversation; empty creates one.
	ConversationID string `json:"conversationId,omitempty"`
	Prompt         string `json:"prompt"`
	ProfileID      string `json:"profileId,omitempty"`
	// MaxIterations caps the tool loop; zero uses the profile's value or
	// the default.
	MaxIterations       int   `json:"maxIterations,omitempty"`
	RequireToolApproval *bool `json:"requireToolApproval,omitempty"`
}

// DefaultMaxIterations caps the tool loop when nothing overrides it.
const DefaultMaxIterations = 25

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TokenUsage tracks token consumption for one provider call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentMessage is a message in provider-neutral shape.
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec describes one tool in the shape providers expect.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// LLMRequest contains the request parameters for one provider call.
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the provider's reply.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}
