package conversation

import (
	"strings"
	"time"
)

// Roles recognized in a conversation log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	titleMaxLen   = 50
	previewMaxLen = 100
)

// ToolCall records a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult records the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Conversation is an append-only message log with metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// HistoryItem is a listing entry derived from the index, cheap to load.
type HistoryItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DeriveTitle builds a conversation title from its first message, truncated
// at a fixed boundary with an ellipsis.
func DeriveTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	title = strings.ReplaceAll(title, "\n", " ")
	if title == "" {
		return "New conversation"
	}
	return truncateRunes(title, titleMaxLen)
}

func derivePreview(content string) string {
	preview := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	return truncateRunes(preview, previewMaxLen)
}

// truncateRunes cuts s at a rune boundary so multi-byte characters are
// never split mid-sequence.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
