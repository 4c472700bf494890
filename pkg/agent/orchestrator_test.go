package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxmcp/voxd/pkg/conversation"
	"github.com/voxmcp/voxd/pkg/mcp"
	"github.com/voxmcp/voxd/pkg/msgqueue"
	"github.com/voxmcp/voxd/pkg/profile"
)

// scriptedProvider replays canned responses. When the script runs out
// the last response repeats. A nil step blocks until ctx is cancelled.
type scriptedProvider struct {
	mu     sync.Mutex
	script []*LLMResponse
	calls  []LLMRequest
	gate   chan struct{}
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)
	idx := len(p.calls) - 1
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	resp := p.script[idx]
	if resp == nil {
		return nil, errors.New("provider unavailable")
	}
	return resp, nil
}

func (p *scriptedProvider) requests() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LLMRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

type fixedCreator struct {
	provider LLMProvider
}

func (c *fixedCreator) NewProvider(creds ProviderCredentials) (LLMProvider, error) {
	return c.provider, nil
}

type testEnv struct {
	orch     *Orchestrator
	store    *conversation.Store
	queue    *msgqueue.Queue
	registry *mcp.Registry
	profiles *profile.Store
}

func newTestEnv(t *testing.T, provider LLMProvider, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := conversation.New(t.TempDir(), logger)
	require.NoError(t, err)
	profiles, err := profile.New(t.TempDir(), logger)
	require.NoError(t, err)
	queue := msgqueue.New(store, logger)
	registry := mcp.NewRegistry(logger)
	require.NoError(t, mcp.RegisterStandardBuiltins(registry))

	cfg := Config{
		Store:           store,
		Queue:           queue,
		Registry:        registry,
		Profiles:        profiles,
		Providers:       &fixedCreator{provider: provider},
		Credentials:     map[string]ProviderCredentials{"anthropic": {Provider: "anthropic", APIKey: "test"}},
		Logger:          logger,
		DefaultProvider: "anthropic",
		DefaultModel:    "test-model",
		ApprovalTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &testEnv{orch: orch, store: store, queue: queue, registry: registry, profiles: profiles}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestProcessSimpleResponse(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "hello there"}}}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{Prompt: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	assert.Equal(t, StatusRunning, session.Status)

	got := collectEvents(t, events)
	assert.Equal(t, []EventType{EventThinking, EventResponse, EventDone}, eventTypes(got))

	final := got[len(got)-1]
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "hello there", final.Content)

	conv, err := env.store.Load(context.Background(), session.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, conversation.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, conversation.RoleAssistant, conv.Messages[1].Role)

	done, err := env.orch.Session(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "hello there", done.FinalContent)
}

func TestProcessToolLoop(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{
		{ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "builtin__calculate",
			Arguments: map[string]interface{}{"a": float64(6), "b": float64(7), "operation": "multiply"},
		}}},
		{Content: "the answer is 42"},
	}}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{Prompt: "multiply 6 by 7"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	assert.Equal(t, []EventType{
		EventThinking, EventToolCall, EventToolResult,
		EventThinking, EventResponse, EventDone,
	}, eventTypes(got))

	toolCall := got[1]
	assert.Equal(t, "builtin:calculate", toolCall.ToolName)
	toolResult := got[2]
	assert.False(t, toolResult.IsError)
	assert.Equal(t, "42", toolResult.Content)

	// The second provider call carries the tool result back.
	reqs := provider.requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "42", last.Content)

	// Tool names are presented to the provider without colons.
	require.NotEmpty(t, reqs[0].Tools)
	for _, spec := range reqs[0].Tools {
		assert.NotContains(t, spec.Name, ":")
	}

	conv, err := env.store.Load(context.Background(), session.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "builtin:calculate", conv.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, conversation.RoleTool, conv.Messages[2].Role)
}

func TestMaxIterationsReached(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{
		{ToolCalls: []ToolCall{{
			ID:        "call_loop",
			Name:      "builtin__get_current_time",
			Arguments: map[string]interface{}{},
		}}},
	}}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{
		Prompt:        "loop forever",
		MaxIterations: 2,
	})
	require.NoError(t, err)

	got := collectEvents(t, events)
	final := got[len(got)-1]
	assert.Equal(t, EventError, final.Type)
	assert.Equal(t, "Max iterations reached", final.Content)

	terminals := 0
	for _, ev := range got {
		if ev.Type == EventDone || ev.Type == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	done, err := env.orch.Session(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, done.Status)
	assert.Equal(t, 2, done.Iteration)
}

func TestConversationBusy(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "done"}}, gate: gate}
	env := newTestEnv(t, provider, nil)

	conv, err := env.store.Create(context.Background(), "seed", conversation.RoleUser)
	require.NoError(t, err)

	_, events, err := env.orch.Process(context.Background(), ProcessOptions{
		ConversationID: conv.ID,
		Prompt:         "first",
	})
	require.NoError(t, err)

	_, _, err = env.orch.Process(context.Background(), ProcessOptions{
		ConversationID: conv.ID,
		Prompt:         "second",
	})
	assert.ErrorIs(t, err, ErrConversationBusy)

	close(gate)
	collectEvents(t, events)

	// The lock releases once the session finishes.
	_, events, err = env.orch.Process(context.Background(), ProcessOptions{
		ConversationID: conv.ID,
		Prompt:         "third",
	})
	require.NoError(t, err)
	collectEvents(t, events)
}

func TestStopSession(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "never"}}, gate: make(chan struct{})}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{Prompt: "hang"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.orch.Stop(session.ID)
	}, 2*time.Second, 10*time.Millisecond)

	got := collectEvents(t, events)
	final := got[len(got)-1]
	assert.Equal(t, EventDone, final.Type)
	assert.Equal(t, StatusStopped, final.Status)
	assert.Equal(t, "Session stopped", final.Content)

	// A terminal session cannot be stopped again.
	assert.False(t, env.orch.Stop(session.ID))
	assert.False(t, env.orch.Stop("unknown"))
}

func TestApprovalDenied(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{
		{ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "builtin__get_current_time",
			Arguments: map[string]interface{}{},
		}}},
		{Content: "understood"},
	}}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{
		Prompt:              "what time is it",
		RequireToolApproval: boolPtr(true),
	})
	require.NoError(t, err)

	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-events:
		case <-timeout:
			t.Fatal("timed out")
		}
		if !ok {
			break
		}
		got = append(got, ev)
		if ev.Type == EventApprovalRequired {
			require.True(t, env.orch.RespondToApproval(session.ID, false))
		}
	}

	var result *Event
	for i := range got {
		if got[i].Type == EventToolResult {
			result = &got[i]
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Equal(t, "Tool execution denied by user", result.Content)
	assert.False(t, result.TimedOut)

	final := got[len(got)-1]
	assert.Equal(t, EventDone, final.Type)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestApprovalTimeoutProceeds(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{
		{ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "builtin__calculate",
			Arguments: map[string]interface{}{"a": float64(1), "b": float64(2), "operation": "add"},
		}}},
		{Content: "sum computed"},
	}}
	env := newTestEnv(t, provider, func(cfg *Config) {
		cfg.ApprovalTimeout = 50 * time.Millisecond
	})

	_, events, err := env.orch.Process(context.Background(), ProcessOptions{
		Prompt:              "add",
		RequireToolApproval: boolPtr(true),
	})
	require.NoError(t, err)

	got := collectEvents(t, events)

	var result *Event
	for i := range got {
		if got[i].Type == EventToolResult {
			result = &got[i]
		}
	}
	require.NotNil(t, result)
	// Fail-open: the tool ran, but the event records the timeout.
	assert.False(t, result.IsError)
	assert.Equal(t, "3", result.Content)
	assert.True(t, result.TimedOut)
}

func TestQueueDrain(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "reply"}}, gate: gate}
	env := newTestEnv(t, provider, nil)

	conv, err := env.store.Create(context.Background(), "seed", conversation.RoleUser)
	require.NoError(t, err)

	_, events, err := env.orch.Process(context.Background(), ProcessOptions{
		ConversationID: conv.ID,
		Prompt:         "first",
	})
	require.NoError(t, err)

	// Queue messages while the first session holds the conversation.
	_, err = env.queue.Enqueue(conv.ID, "queued one")
	require.NoError(t, err)
	_, err = env.queue.Enqueue(conv.ID, "queued two")
	require.NoError(t, err)

	close(gate)
	collectEvents(t, events)

	require.Eventually(t, func() bool {
		return len(env.queue.GetQueue(conv.ID)) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		loaded, err := env.store.Load(context.Background(), conv.ID)
		if err != nil {
			return false
		}
		var texts []string
		for _, msg := range loaded.Messages {
			if msg.Role == conversation.RoleUser {
				texts = append(texts, msg.Content)
			}
		}
		return contains(texts, "queued one") && contains(texts, "queued two")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestQueueDrainBusyRaceRequeuesMessage(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "reply"}}, gate: gate}
	env := newTestEnv(t, provider, nil)

	conv, err := env.store.Create(context.Background(), "seed", conversation.RoleUser)
	require.NoError(t, err)

	_, events, err := env.orch.Process(context.Background(), ProcessOptions{
		ConversationID: conv.ID,
		Prompt:         "first",
	})
	require.NoError(t, err)

	msg, err := env.queue.Enqueue(conv.ID, "queued while busy")
	require.NoError(t, err)

	// Drain while the first session still holds the conversation. Losing
	// the busy race must leave the message pending, not failed.
	env.orch.drainQueue(conv.ID, "")

	queued := env.queue.GetQueue(conv.ID)
	require.Len(t, queued, 1)
	assert.Equal(t, msg.ID, queued[0].ID)
	assert.Equal(t, msgqueue.StatusPending, queued[0].Status)
	assert.Empty(t, queued[0].ErrorMessage)

	close(gate)
	collectEvents(t, events)

	require.Eventually(t, func() bool {
		return len(env.queue.GetQueue(conv.ID)) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessRejectsEmptyPrompt(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{{Content: "x"}}}
	env := newTestEnv(t, provider, nil)

	_, _, err := env.orch.Process(context.Background(), ProcessOptions{Prompt: "   "})
	assert.Error(t, err)
}

func TestProviderErrorEndsSession(t *testing.T) {
	provider := &scriptedProvider{script: []*LLMResponse{nil}}
	env := newTestEnv(t, provider, nil)

	session, events, err := env.orch.Process(context.Background(), ProcessOptions{Prompt: "hi"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	final := got[len(got)-1]
	assert.Equal(t, EventError, final.Type)
	assert.Contains(t, final.Content, "provider unavailable")

	done, err := env.orch.Session(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, done.Status)
}

func TestToolNameMapping(t *testing.T) {
	assert.Equal(t, "fs__read_file", providerToolName("fs:read_file"))
	assert.Equal(t, "fs:read_file", qualifiedToolName("fs__read_file"))
	assert.Equal(t, "fs:read_file", qualifiedToolName("fs:read_file"))
}

func boolPtr(b bool) *bool { return &b }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
