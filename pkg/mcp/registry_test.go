package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	tools    []Tool
	startErr error
	callFn   func(method string, params interface{}) (json.RawMessage, error)
	closed   bool
}

func (f *fakeTransport) Start(ctx context.Context) error { return f.startErr }

func (f *fakeTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if method == "tools/list" {
		return json.Marshal(map[string]interface{}{"tools": f.tools})
	}
	if f.callFn != nil {
		return f.callFn(method, params)
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T, transports map[string]*fakeTransport) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	r.SetTransportFactory(func(name string, cfg ServerConfig, logs *RingBuffer) (Transport, error) {
		ft, ok := transports[name]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", name)
		}
		return ft, nil
	})
	return r
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the input back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
}

func textResult(text string, isError bool) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
		"isError": isError,
	})
	return raw
}

func TestStartServerDiscoversTools(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})

	require.NoError(t, r.StartServer(context.Background(), "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	servers := r.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StatusRunning, servers[0].Status)
	assert.Equal(t, 1, servers[0].ToolCount)
	assert.True(t, servers[0].RuntimeEnabled)

	tools := r.AvailableTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "notes:echo", tools[0].QualifiedName)
	assert.True(t, tools[0].Enabled)
}

func TestStartServerRejectsInvalidNames(t *testing.T) {
	r := newTestRegistry(t, nil)

	assert.Error(t, r.StartServer(context.Background(), "", ServerConfig{}))
	assert.Error(t, r.StartServer(context.Background(), "bad:name", ServerConfig{}))
	assert.Error(t, r.StartServer(context.Background(), BuiltinServerName, ServerConfig{}))
}

func TestStartFailureKeepsPreviousCatalog(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()

	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	ft.startErr = errors.New("spawn failed")
	require.Error(t, r.RestartServer(ctx, "notes"))

	servers := r.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StatusError, servers[0].Status)
	assert.Contains(t, servers[0].Error, "spawn failed")
	// Previously discovered tools stay listed while the server is down.
	assert.Equal(t, 1, servers[0].ToolCount)

	result := r.ExecuteToolCall(ctx, ToolCall{Name: "notes:echo", Arguments: map[string]interface{}{"text": "hi"}})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "not running")
}

func TestStopServerKeepsCatalog(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})

	require.NoError(t, r.StartServer(context.Background(), "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))
	require.NoError(t, r.StopServer("notes"))

	assert.True(t, ft.closed)
	servers := r.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StatusStopped, servers[0].Status)
	assert.Equal(t, 1, servers[0].ToolCount)
}

func TestExecuteToolCall(t *testing.T) {
	ft := &fakeTransport{
		tools: []Tool{echoTool()},
		callFn: func(method string, params interface{}) (json.RawMessage, error) {
			return textResult("echoed: hi", false), nil
		},
	}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()

	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	result := r.ExecuteToolCall(ctx, ToolCall{Name: "notes:echo", Arguments: map[string]interface{}{"text": "hi"}})
	assert.False(t, result.IsError)
	assert.Equal(t, "echoed: hi", result.Content)
}

func TestExecuteToolCallNeverReturnsGoErrors(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()
	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	cases := []struct {
		name string
		call ToolCall
		want string
	}{
		{"malformed name", ToolCall{Name: "nocolon"}, "invalid qualified tool name"},
		{"unknown server", ToolCall{Name: "ghost:echo"}, "tool not found"},
		{"unknown tool", ToolCall{Name: "notes:missing"}, "tool not found"},
		{"schema violation", ToolCall{Name: "notes:echo", Arguments: map[string]interface{}{}}, "invalid arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := r.ExecuteToolCall(ctx, tc.call)
			assert.True(t, result.IsError)
			assert.Contains(t, result.Content, tc.want)
		})
	}
}

func TestExecuteToolCallRecoversPanic(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterBuiltin(BuiltinTool{
		Name: "explode",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			panic("boom")
		},
	}))

	result := r.ExecuteToolCall(context.Background(), ToolCall{Name: "builtin:explode"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "boom")
}

func TestServerErrorResultFromTool(t *testing.T) {
	ft := &fakeTransport{
		tools: []Tool{echoTool()},
		callFn: func(method string, params interface{}) (json.RawMessage, error) {
			return textResult("file does not exist", true), nil
		},
	}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()
	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	result := r.ExecuteToolCall(ctx, ToolCall{Name: "notes:echo", Arguments: map[string]interface{}{"text": "x"}})
	assert.True(t, result.IsError)
	assert.Equal(t, "file does not exist", result.Content)
}

func TestRuntimeDisableBlocksExecution(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()
	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	assert.True(t, r.SetServerRuntimeEnabled("notes", false))
	assert.False(t, r.SetServerRuntimeEnabled("ghost", false))

	tools := r.AvailableTools()
	require.Len(t, tools, 1)
	assert.False(t, tools[0].Enabled)
	assert.Empty(t, r.EnabledTools())

	result := r.ExecuteToolCall(ctx, ToolCall{Name: "notes:echo", Arguments: map[string]interface{}{"text": "x"}})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "disabled")
}

func TestPerToolOverride(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	ctx := context.Background()
	require.NoError(t, r.StartServer(ctx, "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	r.SetToolEnabled("notes:echo", false)
	assert.Empty(t, r.EnabledTools())

	r.SetToolEnabled("notes:echo", true)
	assert.Len(t, r.EnabledTools(), 1)
}

func TestBuiltinAllowlist(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, RegisterStandardBuiltins(r))

	// No allowlist: everything is enabled.
	assert.Len(t, r.EnabledTools(), 2)

	r.SetBuiltinAllowlist([]string{})
	enabled := r.EnabledTools()
	require.Len(t, enabled, 1)
	assert.Equal(t, "builtin:get_current_time", enabled[0].QualifiedName)

	r.SetBuiltinAllowlist([]string{"calculate"})
	assert.Len(t, r.EnabledTools(), 2)

	// Per-tool disable still beats the essential carve-out's allowlist bypass.
	r.SetToolEnabled("builtin:get_current_time", false)
	enabled = r.EnabledTools()
	require.Len(t, enabled, 1)
	assert.Equal(t, "builtin:calculate", enabled[0].QualifiedName)

	r.SetBuiltinAllowlist(nil)
	r.SetToolEnabled("builtin:get_current_time", true)
	assert.Len(t, r.EnabledTools(), 2)
}

func TestBuiltinExecution(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, RegisterStandardBuiltins(r))
	ctx := context.Background()

	result := r.ExecuteToolCall(ctx, ToolCall{
		Name:      "builtin:calculate",
		Arguments: map[string]interface{}{"a": float64(6), "b": float64(7), "operation": "multiply"},
	})
	require.False(t, result.IsError, result.Content)
	assert.Equal(t, "42", result.Content)

	result = r.ExecuteToolCall(ctx, ToolCall{
		Name:      "builtin:calculate",
		Arguments: map[string]interface{}{"a": float64(1), "b": float64(0), "operation": "divide"},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "division by zero")
}

func TestToolsSystemPrompt(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	require.NoError(t, r.StartServer(context.Background(), "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	prompt := r.ToolsSystemPrompt()
	assert.Contains(t, prompt, "Available tools:")
	assert.Contains(t, prompt, "- notes:echo - Echo the input back")

	empty := NewRegistry(zerolog.Nop())
	assert.Empty(t, empty.ToolsSystemPrompt())
}

func TestSplitQualifiedName(t *testing.T) {
	server, tool, err := SplitQualifiedName("fs:read_file")
	require.NoError(t, err)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read_file", tool)

	// Tool names may contain colons; only the first separator splits.
	server, tool, err = SplitQualifiedName("k8s:pods:list")
	require.NoError(t, err)
	assert.Equal(t, "k8s", server)
	assert.Equal(t, "pods:list", tool)

	for _, bad := range []string{"", "noseparator", ":tool", "server:"} {
		_, _, err := SplitQualifiedName(bad)
		assert.Error(t, err, bad)
	}
}

func TestToolEnabledPredicate(t *testing.T) {
	cases := []struct {
		name string
		in   EnablementInputs
		tool string
		want bool
	}{
		{"server tool enabled", EnablementInputs{ServerRuntimeEnabled: true}, "echo", true},
		{"runtime disabled", EnablementInputs{}, "echo", false},
		{"config disabled", EnablementInputs{ServerRuntimeEnabled: true, ServerConfigDisabled: true}, "echo", false},
		{"tool disabled wins", EnablementInputs{ServerRuntimeEnabled: true, ToolDisabled: true}, "echo", false},
		{"builtin no allowlist", EnablementInputs{IsBuiltin: true}, "calculate", true},
		{"builtin blocked by allowlist", EnablementInputs{IsBuiltin: true, AllowlistActive: true}, "calculate", false},
		{"builtin allowlisted", EnablementInputs{IsBuiltin: true, AllowlistActive: true, Allowlisted: true}, "calculate", true},
		{"essential bypasses allowlist", EnablementInputs{IsBuiltin: true, AllowlistActive: true}, "get_current_time", true},
		{"essential disabled per tool", EnablementInputs{IsBuiltin: true, ToolDisabled: true}, "get_current_time", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ToolEnabled(tc.in, tc.tool))
		})
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	assert.Empty(t, rb.Lines())

	rb.Append("a")
	rb.Append("b")
	assert.Equal(t, []string{"a", "b"}, rb.Lines())

	rb.Append("c")
	rb.Append("d")
	assert.Equal(t, []string{"b", "c", "d"}, rb.Lines())

	rb.Clear()
	assert.Empty(t, rb.Lines())
}

func TestServerLogs(t *testing.T) {
	ft := &fakeTransport{tools: []Tool{echoTool()}}
	r := newTestRegistry(t, map[string]*fakeTransport{"notes": ft})
	require.NoError(t, r.StartServer(context.Background(), "notes", ServerConfig{Transport: TransportStdio, Command: "notes-server"}))

	lines, err := r.ServerLogs("notes")
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, r.ClearServerLogs("notes"))

	_, err = r.ServerLogs("ghost")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestLoadServersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")

	configs, err := LoadServersFile(path)
	require.NoError(t, err)
	assert.Empty(t, configs)

	content := `{"fs": {"transport": "stdio", "command": "fs-server", "args": ["--root", "/tmp"]}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	configs, err = LoadServersFile(path)
	require.NoError(t, err)
	require.Contains(t, configs, "fs")
	assert.Equal(t, TransportStdio, configs["fs"].Transport)
	assert.Equal(t, []string{"--root", "/tmp"}, configs["fs"].Args)
}
