package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportSocket     TransportKind = "socket"
	TransportHTTPStream TransportKind = "httpStream"
)

// ServerStatus tracks the lifecycle of a managed server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusError    ServerStatus = "error"
)

// BuiltinServerName is the reserved server name for in-process tools.
const BuiltinServerName = "builtin"

// QualifiedNameSeparator joins a server name and a tool name.
const QualifiedNameSeparator = ":"

// ServerConfig describes one tool server. Which fields matter depends
// on the transport: Command/Args/Env/Cwd for stdio, Address for socket,
// URL for httpStream.
type ServerConfig struct {
	Transport TransportKind     `json:"transport" mapstructure:"transport"`
	Command   string            `json:"command,omitempty" mapstructure:"command"`
	Args      []string          `json:"args,omitempty" mapstructure:"args"`
	Env       map[string]string `json:"env,omitempty" mapstructure:"env"`
	Cwd       string            `json:"cwd,omitempty" mapstructure:"cwd"`
	Address   string            `json:"address,omitempty" mapstructure:"address"`
	URL       string            `json:"url,omitempty" mapstructure:"url"`
	Disabled  bool              `json:"disabled,omitempty" mapstructure:"disabled"`
	// DisabledTools lists unqualified tool names disabled for this server.
	DisabledTools []string `json:"disabledTools,omitempty" mapstructure:"disabledTools"`
	// TimeoutSec overrides the default per-call timeout.
	TimeoutSec int `json:"timeoutSec,omitempty" mapstructure:"timeoutSec"`
}

// Tool is a tool as reported by a server's tools/list response.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolDescriptor is a tool enriched with its owning server and the
// effective enablement verdict.
type ToolDescriptor struct {
	QualifiedName string          `json:"qualifiedName"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	ServerName    string          `json:"serverName"`
	Enabled       bool            `json:"enabled"`
}

// ToolCall is a request to execute one tool by qualified name.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolCallResult is the uniform execution outcome. Failures are carried
// in Content with IsError set, never as a Go error.
type ToolCallResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// ServerInfo is a point-in-time view of a managed server.
type ServerInfo struct {
	Name           string        `json:"name"`
	Transport      TransportKind `json:"transport"`
	Status         ServerStatus  `json:"status"`
	ToolCount      int           `json:"toolCount"`
	RuntimeEnabled bool          `json:"runtimeEnabled"`
	ConfigDisabled bool          `json:"configDisabled"`
	Error          string        `json:"error,omitempty"`
}

// JoinQualifiedName builds "server:tool".
func JoinQualifiedName(server, tool string) string {
	return server + QualifiedNameSeparator + tool
}

// SplitQualifiedName splits "server:tool" on the first separator so tool
// names may themselves contain colons.
func SplitQualifiedName(qualified string) (server, tool string, err error) {
	idx := strings.Index(qualified, QualifiedNameSeparator)
	if idx <= 0 || idx == len(qualified)-1 {
		return "", "", fmt.Errorf("invalid qualified tool name: %q", qualified)
	}
	return qualified[:idx], qualified[idx+1:], nil
}

func errorResult(format string, args ...interface{}) ToolCallResult {
	return ToolCallResult{Content: fmt.Sprintf(format, args...), IsError: true}
}
