package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/voxmcp/voxd/internal/observability"
	"github.com/voxmcp/voxd/internal/tracing"
)

var (
	// ErrServerNotFound is returned for operations on unknown servers.
	ErrServerNotFound = errors.New("server not found")
	// ErrServerExists is returned when registering a duplicate builtin.
	ErrServerExists = errors.New("tool already registered")
)

const defaultCallTimeout = 30 * time.Second

// BuiltinHandler executes an in-process tool.
type BuiltinHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// BuiltinTool is a tool served from inside the process under the
// reserved "builtin" server name.
type BuiltinTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     BuiltinHandler
}

type serverEntry struct {
	name           string
	config         ServerConfig
	transport      Transport
	status         ServerStatus
	lastError      string
	tools          []Tool
	runtimeEnabled bool
	logs           *RingBuffer
}

// Registry owns every tool server connection and answers all tool
// lookup, enablement, and execution questions.
type Registry struct {
	mu            sync.RWMutex
	servers       map[string]*serverEntry
	builtins      map[string]BuiltinTool
	builtinOrder  []string
	disabledTools map[string]bool
	allowlist     map[string]bool
	allowlistOn   bool
	factory       TransportFactory
	logger        zerolog.Logger
	callTimeout   time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		servers:       make(map[string]*serverEntry),
		builtins:      make(map[string]BuiltinTool),
		disabledTools: make(map[string]bool),
		factory:       NewTransport,
		logger:        logger.With().Str("component", "mcp").Logger(),
		callTimeout:   defaultCallTimeout,
	}
}

// SetTransportFactory replaces how transports are built. Tests use this
// to substitute in-memory servers.
func (r *Registry) SetTransportFactory(f TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
}

// SetCallTimeout overrides the default per-call execution timeout.
func (r *Registry) SetCallTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.callTimeout = d
	}
}

// RegisterBuiltin adds an in-process tool under the builtin server.
func (r *Registry) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("builtin tool requires a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrServerExists, tool.Name)
	}
	r.builtins[tool.Name] = tool
	r.builtinOrder = append(r.builtinOrder, tool.Name)
	return nil
}

// SetBuiltinAllowlist restricts non-essential builtins to the given
// names. A nil list deactivates the restriction.
func (r *Registry) SetBuiltinAllowlist(tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tools == nil {
		r.allowlist = nil
		r.allowlistOn = false
		return
	}
	r.allowlist = make(map[string]bool, len(tools))
	for _, t := range tools {
		r.allowlist[t] = true
	}
	r.allowlistOn = true
}

// StartServer connects to a server with the given config and discovers
// its tools. A start failure leaves the entry in the error state with
// the message captured; tools discovered by a previous successful start
// remain listed.
func (r *Registry) StartServer(ctx context.Context, name string, cfg ServerConfig) error {
	ctx, span := tracing.StartSpan(ctx, "voxd.mcp", "mcp.start_server")
	defer span.End()

	if name == "" || strings.Contains(name, QualifiedNameSeparator) || name == BuiltinServerName {
		return fmt.Errorf("invalid server name: %q", name)
	}

	r.mu.Lock()
	entry, exists := r.servers[name]
	if !exists {
		entry = &serverEntry{
			name:           name,
			runtimeEnabled: true,
			logs:           NewRingBuffer(defaultLogCapacity),
		}
		r.servers[name] = entry
	}
	if entry.status == StatusRunning {
		r.mu.Unlock()
		return nil
	}
	entry.config = cfg
	entry.status = StatusStarting
	entry.lastError = ""
	factory := r.factory
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		entry.status = StatusError
		entry.lastError = err.Error()
		entry.transport = nil
		r.mu.Unlock()
		observability.SetServerUp(name, false)
		r.logger.Error().Err(err).Str("server", name).Msg("Failed to start tool server")
		return err
	}

	transport, err := factory(name, cfg, entry.logs)
	if err != nil {
		return fail(err)
	}
	if err := transport.Start(ctx); err != nil {
		return fail(err)
	}

	tools, err := listTools(ctx, transport)
	if err != nil {
		transport.Close()
		return fail(fmt.Errorf("tool discovery failed: %w", err))
	}

	r.mu.Lock()
	entry.transport = transport
	entry.status = StatusRunning
	entry.tools = tools
	r.mu.Unlock()

	observability.SetServerUp(name, true)
	r.logger.Info().
		Str("server", name).
		Str("transport", string(cfg.Transport)).
		Int("tools", len(tools)).
		Msg("Tool server started")
	return nil
}

func listTools(ctx context.Context, t Transport) ([]Tool, error) {
	raw, err := t.Call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list response: %w", err)
	}
	return result.Tools, nil
}

// StopServer closes the server's connection. Its tool catalog stays
// listed so enablement and UI surfaces keep working while it is down.
func (r *Registry) StopServer(name string) error {
	r.mu.Lock()
	entry, exists := r.servers[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	transport := entry.transport
	entry.transport = nil
	entry.status = StatusStopped
	r.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			r.logger.Warn().Err(err).Str("server", name).Msg("Error closing tool server")
		}
	}
	observability.SetServerUp(name, false)
	r.logger.Info().Str("server", name).Msg("Tool server stopped")
	return nil
}

// RestartServer stops then starts a server with its stored config.
func (r *Registry) RestartServer(ctx context.Context, name string) error {
	r.mu.RLock()
	entry, exists := r.servers[name]
	if !exists {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	cfg := entry.config
	r.mu.RUnlock()

	if err := r.StopServer(name); err != nil {
		return err
	}
	return r.StartServer(ctx, name, cfg)
}

// RemoveServer stops a server and drops it from the registry entirely.
func (r *Registry) RemoveServer(name string) error {
	if err := r.StopServer(name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.servers, name)
	r.mu.Unlock()
	return nil
}

// SetServerRuntimeEnabled toggles a server's runtime switch without
// touching its connection. Returns false for unknown servers.
func (r *Registry) SetServerRuntimeEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.servers[name]
	if !exists {
		return false
	}
	entry.runtimeEnabled = enabled
	return true
}

// SetToolEnabled records a per-tool override keyed by qualified name.
// The override applies regardless of the owning server's state.
func (r *Registry) SetToolEnabled(qualifiedName string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if enabled {
		delete(r.disabledTools, qualifiedName)
	} else {
		r.disabledTools[qualifiedName] = true
	}
}

// Servers returns a snapshot of every managed server, sorted by name.
func (r *Registry) Servers() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(r.servers))
	for _, entry := range r.servers {
		infos = append(infos, ServerInfo{
			Name:           entry.name,
			Transport:      entry.config.Transport,
			Status:         entry.status,
			ToolCount:      len(entry.tools),
			RuntimeEnabled: entry.runtimeEnabled,
			ConfigDisabled: entry.config.Disabled,
			Error:          entry.lastError,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ServerLogs returns the captured diagnostic lines for a server.
func (r *Registry) ServerLogs(name string) ([]string, error) {
	r.mu.RLock()
	entry, exists := r.servers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return entry.logs.Lines(), nil
}

// ClearServerLogs discards a server's captured diagnostic lines.
func (r *Registry) ClearServerLogs(name string) error {
	r.mu.RLock()
	entry, exists := r.servers[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	entry.logs.Clear()
	return nil
}

// AvailableTools lists every known tool with its enablement verdict,
// builtins first, then servers in name order.
func (r *Registry) AvailableTools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.builtins))

	for _, name := range r.builtinOrder {
		tool := r.builtins[name]
		qualified := JoinQualifiedName(BuiltinServerName, name)
		out = append(out, ToolDescriptor{
			QualifiedName: qualified,
			Name:          name,
			Description:   tool.Description,
			InputSchema:   tool.InputSchema,
			ServerName:    BuiltinServerName,
			Enabled:       r.toolEnabledLocked(nil, qualified, name),
		})
	}

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := r.servers[name]
		for _, tool := range entry.tools {
			qualified := JoinQualifiedName(name, tool.Name)
			out = append(out, ToolDescriptor{
				QualifiedName: qualified,
				Name:          tool.Name,
				Description:   tool.Description,
				InputSchema:   tool.InputSchema,
				ServerName:    name,
				Enabled:       r.toolEnabledLocked(entry, qualified, tool.Name),
			})
		}
	}
	return out
}

// EnabledTools lists only the tools whose enablement verdict is true.
func (r *Registry) EnabledTools() []ToolDescriptor {
	all := r.AvailableTools()
	out := make([]ToolDescriptor, 0, len(all))
	for _, tool := range all {
		if tool.Enabled {
			out = append(out, tool)
		}
	}
	return out
}

func (r *Registry) toolEnabledLocked(entry *serverEntry, qualified, toolName string) bool {
	in := EnablementInputs{
		ToolDisabled: r.disabledTools[qualified],
	}
	if entry == nil {
		in.IsBuiltin = true
		in.AllowlistActive = r.allowlistOn
		in.Allowlisted = r.allowlist[toolName]
	} else {
		in.ServerRuntimeEnabled = entry.runtimeEnabled
		in.ServerConfigDisabled = entry.config.Disabled
		if containsString(entry.config.DisabledTools, toolName) {
			in.ToolDisabled = true
		}
	}
	return ToolEnabled(in, toolName)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ToolsSystemPrompt renders the enabled tool catalog for inclusion in
// an LLM system prompt. Empty when no tools are enabled.
func (r *Registry) ToolsSystemPrompt() string {
	tools := r.EnabledTools()
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, tool := range tools {
		b.WriteString("- ")
		b.WriteString(tool.QualifiedName)
		if tool.Description != "" {
			b.WriteString(" - ")
			b.WriteString(tool.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExecuteToolCall runs one tool call and always returns a result. Every
// failure mode, including a panicking builtin, is folded into the result
// with IsError set.
func (r *Registry) ExecuteToolCall(ctx context.Context, call ToolCall) (result ToolCallResult) {
	ctx, span := tracing.StartSpan(ctx, "voxd.mcp", "mcp.execute_tool")
	defer span.End()

	start := time.Now()
	serverName := ""
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("tool", call.Name).Msg("Tool execution panicked")
			result = errorResult("tool %q panicked: %v", call.Name, rec)
		}
		observability.RecordToolExecution(serverName, time.Since(start), !result.IsError)
	}()

	server, toolName, err := SplitQualifiedName(call.Name)
	if err != nil {
		return errorResult("%v", err)
	}
	serverName = server

	log := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("tool", call.Name).
		Logger()

	if server == BuiltinServerName {
		return r.executeBuiltin(ctx, log, toolName, call)
	}

	r.mu.RLock()
	entry, exists := r.servers[server]
	var (
		transport Transport
		schema    json.RawMessage
		enabled   bool
		status    ServerStatus
		timeout   = r.callTimeout
	)
	if exists {
		transport = entry.transport
		status = entry.status
		enabled = r.toolEnabledLocked(entry, call.Name, toolName)
		if entry.config.TimeoutSec > 0 {
			timeout = time.Duration(entry.config.TimeoutSec) * time.Second
		}
		found := false
		for _, tool := range entry.tools {
			if tool.Name == toolName {
				schema = tool.InputSchema
				found = true
				break
			}
		}
		if !found {
			exists = false
		}
	}
	r.mu.RUnlock()

	if !exists {
		return errorResult("tool not found: %s", call.Name)
	}
	if !enabled {
		return errorResult("tool is disabled: %s", call.Name)
	}
	if status != StatusRunning || transport == nil {
		return errorResult("server %q is not running", server)
	}
	if msg := validateArguments(schema, call.Arguments); msg != "" {
		return errorResult("invalid arguments for %s: %s", call.Name, msg)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := transport.Call(cctx, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": callArguments(call.Arguments),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Tool call failed")
		return errorResult("tool call failed: %v", err)
	}

	content, isError, err := parseCallResult(raw)
	if err != nil {
		return errorResult("invalid tool result: %v", err)
	}
	log.Debug().Bool("is_error", isError).Msg("Tool call completed")
	return ToolCallResult{Content: content, IsError: isError}
}

func (r *Registry) executeBuiltin(ctx context.Context, log zerolog.Logger, toolName string, call ToolCall) ToolCallResult {
	r.mu.RLock()
	tool, exists := r.builtins[toolName]
	enabled := r.toolEnabledLocked(nil, call.Name, toolName)
	timeout := r.callTimeout
	r.mu.RUnlock()

	if !exists {
		return errorResult("tool not found: %s", call.Name)
	}
	if !enabled {
		return errorResult("tool is disabled: %s", call.Name)
	}
	if msg := validateArguments(tool.InputSchema, call.Arguments); msg != "" {
		return errorResult("invalid arguments for %s: %s", call.Name, msg)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := tool.Handler(cctx, callArguments(call.Arguments))
	if err != nil {
		log.Warn().Err(err).Msg("Builtin tool failed")
		return errorResult("%v", err)
	}
	return ToolCallResult{Content: output}
}

func callArguments(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// validateArguments checks args against a JSON schema. An empty schema
// accepts everything. Returns a message describing the first violations,
// or empty on success.
func validateArguments(schema json.RawMessage, args map[string]interface{}) string {
	if len(schema) == 0 || string(schema) == "null" {
		return ""
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(callArguments(args)),
	)
	if err != nil {
		// A malformed schema is the server's fault, not the caller's.
		return ""
	}
	if result.Valid() {
		return ""
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// parseCallResult extracts the text content from a tools/call result.
func parseCallResult(raw json.RawMessage) (string, bool, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, err
	}

	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if c.Type == "" || c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// Close stops every server. Used on daemon shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if err := r.StopServer(name); err != nil {
			r.logger.Warn().Err(err).Str("server", name).Msg("Error stopping tool server")
		}
	}
}
