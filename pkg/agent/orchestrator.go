package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voxmcp/voxd/internal/observability"
	"github.com/voxmcp/voxd/internal/tracing"
	"github.com/voxmcp/voxd/pkg/conversation"
	"github.com/voxmcp/voxd/pkg/mcp"
	"github.com/voxmcp/voxd/pkg/msgqueue"
	"github.com/voxmcp/voxd/pkg/profile"
)

var (
	// ErrConversationBusy is returned when a session is already running
	// on the target conversation. Callers typically enqueue instead.
	ErrConversationBusy = errors.New("conversation already has an active session")
	// ErrSessionNotFound is returned for lookups of unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	defaultSessionTTL     = 30 * time.Minute
	defaultMaxTokens      = 4096
	deniedToolMessage     = "Tool execution denied by user"
	stoppedSessionMessage = "Session stopped"
	eventBufferSize       = 64
	providerNameSep       = "__"
)

// Config holds orchestrator configuration.
type Config struct {
	Store       *conversation.Store
	Queue       *msgqueue.Queue
	Registry    *mcp.Registry
	Profiles    *profile.Store
	Providers   ProviderCreator
	Credentials map[string]ProviderCredentials
	Logger      zerolog.Logger

	// SystemPrompt is the global custom prompt used when the active
	// profile has none.
	SystemPrompt string
	// DefaultProvider and DefaultModel apply when the active profile
	// does not pick its own.
	DefaultProvider string
	DefaultModel    string
	ApprovalTimeout time.Duration
	// SessionTTL is how long terminal sessions stay queryable.
	SessionTTL time.Duration
}

// Orchestrator owns agent sessions and the tool loop that drives them.
type Orchestrator struct {
	store       *conversation.Store
	queue       *msgqueue.Queue
	registry    *mcp.Registry
	profiles    *profile.Store
	providers   ProviderCreator
	credentials map[string]ProviderCredentials
	approvals   *ApprovalManager
	logger      zerolog.Logger

	systemPrompt    string
	defaultProvider string
	defaultModel    string
	sessionTTL      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
	// busy maps conversation id to the session currently running on it.
	busy map[string]string

	sweeper *cron.Cron
}

// NewOrchestrator creates an orchestrator and starts its session sweeper.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile store is required")
	}

	providers := cfg.Providers
	if providers == nil {
		providers = &ProviderFactory{}
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}

	o := &Orchestrator{
		store:           cfg.Store,
		queue:           cfg.Queue,
		registry:        cfg.Registry,
		profiles:        cfg.Profiles,
		providers:       providers,
		credentials:     cfg.Credentials,
		approvals:       NewApprovalManager(cfg.Logger, cfg.ApprovalTimeout),
		logger:          cfg.Logger.With().Str("component", "agent").Logger(),
		systemPrompt:    cfg.SystemPrompt,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		sessionTTL:      sessionTTL,
		sessions:        make(map[string]*Session),
		cancels:         make(map[string]context.CancelFunc),
		busy:            make(map[string]string),
	}

	o.sweeper = cron.New()
	if _, err := o.sweeper.AddFunc("@every 1m", o.sweepSessions); err != nil {
		return nil, err
	}
	o.sweeper.Start()

	return o, nil
}

// Close stops the session sweeper and cancels every running session.
func (o *Orchestrator) Close() {
	o.sweeper.Stop()

	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for _, cancel := range o.cancels {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Process starts a session for the prompt and returns it together with
// its event stream. The channel carries exactly one terminal event,
// type done or error, and is closed after it. A conversation can host
// only one running session; concurrent calls get ErrConversationBusy.
func (o *Orchestrator) Process(ctx context.Context, opts ProcessOptions) (*Session, <-chan Event, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, nil, fmt.Errorf("prompt cannot be empty")
	}

	prof, err := o.profiles.Snapshot(opts.ProfileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if prof.Provider == "" {
		prof.Provider = o.defaultProvider
	}
	if prof.Model == "" {
		prof.Model = o.defaultModel
	}

	convID := opts.ConversationID
	seeded := false
	if convID == "" {
		conv, err := o.store.Create(ctx, opts.Prompt, conversation.RoleUser)
		if err != nil {
			return nil, nil, err
		}
		convID = conv.ID
		seeded = true
	} else if !o.store.Exists(convID) {
		if _, err := o.store.CreateWithID(ctx, convID, opts.Prompt, conversation.RoleUser); err != nil {
			return nil, nil, err
		}
		seeded = true
	}

	creds, ok := o.credentials[prof.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("no credentials configured for provider %q", prof.Provider)
	}
	provider, err := o.providers.NewProvider(creds)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		ID:             uuid.New().String(),
		ConversationID: convID,
		ProfileID:      prof.ID,
		Status:         StatusRunning,
		StartedAt:      time.Now(),
	}

	o.mu.Lock()
	if running, exists := o.busy[convID]; exists {
		o.mu.Unlock()
		o.logger.Debug().
			Str("conversation_id", convID).
			Str("active_session", running).
			Msg("Conversation busy")
		return nil, nil, ErrConversationBusy
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.busy[convID] = session.ID
	o.sessions[session.ID] = session
	o.cancels[session.ID] = cancel
	active := o.countRunningLocked()
	o.mu.Unlock()

	observability.SetActiveSessions(active)

	runCtx = tracing.NewRequestContext(runCtx)
	runCtx = tracing.WithSessionID(runCtx, session.ID)
	runCtx = tracing.WithConversationID(runCtx, convID)

	events := make(chan Event, eventBufferSize)
	go o.run(runCtx, session, prof, provider, opts, seeded, events)

	return o.snapshotSession(session.ID), events, nil
}

// Stop cancels a running session. Returns false when the session is
// unknown or already terminal.
func (o *Orchestrator) Stop(sessionID string) bool {
	o.mu.Lock()
	session, exists := o.sessions[sessionID]
	cancel := o.cancels[sessionID]
	running := exists && session.Status == StatusRunning
	o.mu.Unlock()

	if !running || cancel == nil {
		return false
	}
	o.logger.Info().Str("session_id", sessionID).Msg("Stopping session")
	cancel()
	return true
}

// RespondToApproval resolves the session's pending tool approval.
func (o *Orchestrator) RespondToApproval(sessionID string, approved bool) bool {
	return o.approvals.Respond(sessionID, approved)
}

// Session returns a copy of the session, or ErrSessionNotFound.
func (o *Orchestrator) Session(sessionID string) (Session, error) {
	s := o.snapshotSession(sessionID)
	if s == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return *s, nil
}

// Sessions returns copies of all tracked sessions, newest first.
func (o *Orchestrator) Sessions() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) snapshotSession(id string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, exists := o.sessions[id]
	if !exists {
		return nil
	}
	copied := *s
	return &copied
}

func (o *Orchestrator) countRunningLocked() int {
	n := 0
	for _, s := range o.sessions {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// run drives one session to its terminal state.
func (o *Orchestrator) run(ctx context.Context, session *Session, prof profile.Profile, provider LLMProvider, opts ProcessOptions, seeded bool, events chan<- Event) {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.agent",
		"agent.session",
		attribute.String("session_id", session.ID),
		attribute.String("conversation_id", session.ConversationID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger).With().
		Str("session_id", session.ID).
		Str("conversation_id", session.ConversationID).
		Logger()

	terminalSent := false
	emit := func(ev Event) {
		ev.SessionID = session.ID
		ev.ConversationID = session.ConversationID
		ev.Time = time.Now()
		events <- ev
	}

	finish := func(status SessionStatus, content, errMsg string) {
		o.mu.Lock()
		session.Status = status
		session.FinalContent = content
		session.Error = errMsg
		session.EndedAt = time.Now()
		iterations := session.Iteration
		delete(o.busy, session.ConversationID)
		delete(o.cancels, session.ID)
		active := o.countRunningLocked()
		o.mu.Unlock()

		observability.SetActiveSessions(active)
		observability.RecordSessionEnd(string(status), iterations)

		if errMsg != "" {
			span.SetStatus(codes.Error, errMsg)
		}
		logger.Info().
			Str("status", string(status)).
			Int("iterations", iterations).
			Msg("Session finished")

		if terminalSent {
			return
		}
		terminalSent = true
		if status == StatusError {
			emit(Event{Type: EventError, Content: errMsg, Status: status})
		} else {
			doneContent := content
			if status == StatusStopped && doneContent == "" {
				doneContent = stoppedSessionMessage
			}
			emit(Event{Type: EventDone, Content: doneContent, Status: status})
		}
		close(events)

		go o.drainQueue(session.ConversationID, prof.ID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Session panicked")
			finish(StatusError, "", fmt.Sprintf("internal error: %v", rec))
		}
	}()

	// Persist the user prompt unless conversation creation already did.
	if !seeded {
		if _, err := o.store.AddMessage(ctx, session.ConversationID, opts.Prompt, conversation.RoleUser, nil, nil); err != nil {
			finish(StatusError, "", fmt.Sprintf("failed to save message: %v", err))
			return
		}
	}

	conv, err := o.store.Load(ctx, session.ConversationID)
	if err != nil {
		finish(StatusError, "", fmt.Sprintf("failed to load conversation: %v", err))
		return
	}

	messages := buildAgentMessages(conv)
	tools := o.buildToolSpecs()
	systemPrompt := o.buildSystemPrompt(prof)

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = prof.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	requireApproval := prof.RequireToolApproval
	if opts.RequireToolApproval != nil {
		requireApproval = *opts.RequireToolApproval
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			finish(StatusStopped, "", "")
			return
		default:
		}

		o.mu.Lock()
		session.Iteration = iteration
		o.mu.Unlock()

		emit(Event{Type: EventThinking})

		resp, err := provider.Call(ctx, LLMRequest{
			Model:        prof.Model,
			Messages:     messages,
			Tools:        tools,
			MaxTokens:    defaultMaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			if ctx.Err() != nil {
				finish(StatusStopped, "", "")
				return
			}
			span.RecordError(err)
			finish(StatusError, "", fmt.Sprintf("provider call failed: %v", err))
			return
		}

		if len(resp.ToolCalls) == 0 {
			if _, err := o.store.AddMessage(ctx, session.ConversationID, resp.Content, conversation.RoleAssistant, nil, nil); err != nil {
				logger.Error().Err(err).Msg("Failed to persist assistant message")
			}
			emit(Event{Type: EventResponse, Content: resp.Content})
			finish(StatusCompleted, resp.Content, "")
			return
		}

		assistantMsg := AgentMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		o.persistAssistantToolCalls(ctx, logger, session.ConversationID, resp)

		for _, tc := range resp.ToolCalls {
			qualified := qualifiedToolName(tc.Name)
			argsJSON, _ := json.Marshal(tc.Arguments)

			emit(Event{
				Type:       EventToolCall,
				ToolName:   qualified,
				ToolCallID: tc.ID,
				Content:    string(argsJSON),
			})

			var decision ApprovalDecision
			decision.Approved = true
			if requireApproval {
				pending := o.approvals.Register(session.ID)
				emit(Event{Type: EventApprovalRequired, ToolName: qualified, ToolCallID: tc.ID})
				decision = o.approvals.Await(ctx, pending, session.ID, qualified)
			}

			var result mcp.ToolCallResult
			if decision.Approved {
				result = o.registry.ExecuteToolCall(ctx, mcp.ToolCall{
					Name:      qualified,
					Arguments: tc.Arguments,
				})
			} else {
				result = mcp.ToolCallResult{Content: deniedToolMessage, IsError: true}
			}

			emit(Event{
				Type:       EventToolResult,
				ToolName:   qualified,
				ToolCallID: tc.ID,
				Content:    result.Content,
				IsError:    result.IsError,
				TimedOut:   decision.TimedOut,
			})

			toolMsg := AgentMessage{Role: "tool", Content: result.Content, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			o.persistToolResult(ctx, logger, session.ConversationID, tc.ID, result)
		}
	}

	finish(StatusError, "", "Max iterations reached")
}

func (o *Orchestrator) persistAssistantToolCalls(ctx context.Context, logger zerolog.Logger, convID string, resp *LLMResponse) {
	calls := make([]conversation.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, conversation.ToolCall{
			ID:        tc.ID,
			Name:      qualifiedToolName(tc.Name),
			Arguments: tc.Arguments,
		})
	}
	if _, err := o.store.AddMessage(ctx, convID, resp.Content, conversation.RoleAssistant, calls, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to persist assistant tool calls")
	}
}

func (o *Orchestrator) persistToolResult(ctx context.Context, logger zerolog.Logger, convID, toolCallID string, result mcp.ToolCallResult) {
	results := []conversation.ToolResult{{
		ToolCallID: toolCallID,
		Content:    result.Content,
		IsError:    result.IsError,
	}}
	if _, err := o.store.AddMessage(ctx, convID, result.Content, conversation.RoleTool, nil, results); err != nil {
		logger.Error().Err(err).Msg("Failed to persist tool result")
	}
}

// buildSystemPrompt assembles the session system prompt. Profile prompt
// wins over the global one; the tool catalog and profile guidelines
// follow.
func (o *Orchestrator) buildSystemPrompt(prof profile.Profile) string {
	parts := []string{}
	switch {
	case prof.SystemPrompt != "":
		parts = append(parts, prof.SystemPrompt)
	case o.systemPrompt != "":
		parts = append(parts, o.systemPrompt)
	default:
		parts = append(parts, "You are a helpful assistant.")
	}
	if toolPrompt := o.registry.ToolsSystemPrompt(); toolPrompt != "" {
		parts = append(parts, toolPrompt)
	}
	if prof.Guidelines != "" {
		parts = append(parts, prof.Guidelines)
	}
	return strings.Join(parts, "\n\n")
}

// buildToolSpecs exposes the enabled tool catalog in provider shape.
func (o *Orchestrator) buildToolSpecs() []ToolSpec {
	enabled := o.registry.EnabledTools()
	specs := make([]ToolSpec, 0, len(enabled))
	for _, tool := range enabled {
		schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		if len(tool.InputSchema) > 0 {
			var parsed map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &parsed); err == nil {
				schema = parsed
			}
		}
		specs = append(specs, ToolSpec{
			Name:        providerToolName(tool.QualifiedName),
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs
}

// buildAgentMessages converts stored history to provider-neutral shape.
func buildAgentMessages(conv *conversation.Conversation) []AgentMessage {
	messages := make([]AgentMessage, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		switch msg.Role {
		case conversation.RoleTool:
			for _, tr := range msg.ToolResults {
				messages = append(messages, AgentMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case conversation.RoleAssistant:
			am := AgentMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      providerToolName(tc.Name),
					Arguments: tc.Arguments,
				})
			}
			messages = append(messages, am)
		default:
			messages = append(messages, AgentMessage{Role: "user", Content: msg.Content})
		}
	}
	return messages
}

// providerToolName rewrites "server:tool" to "server__tool" since some
// providers reject colons in tool names.
func providerToolName(qualified string) string {
	return strings.Replace(qualified, mcp.QualifiedNameSeparator, providerNameSep, 1)
}

// qualifiedToolName reverses providerToolName. Names already containing
// the separator pass through untouched.
func qualifiedToolName(name string) string {
	if strings.Contains(name, mcp.QualifiedNameSeparator) {
		return name
	}
	return strings.Replace(name, providerNameSep, mcp.QualifiedNameSeparator, 1)
}

// drainQueue processes the next pending queued message for the
// conversation, if any. Each drained message runs as its own session;
// that session's completion drains the one after it.
func (o *Orchestrator) drainQueue(convID, profileID string) {
	msg, ok := o.queue.GetNextPending(convID)
	if !ok {
		return
	}
	if err := o.queue.UpdateStatus(msg.ID, msgqueue.StatusProcessing, ""); err != nil {
		// Another drainer claimed it first.
		return
	}

	logger := o.logger.With().
		Str("conversation_id", convID).
		Str("queue_message_id", msg.ID).
		Logger()
	logger.Info().Msg("Draining queued message")

	_, events, err := o.Process(context.Background(), ProcessOptions{
		ConversationID: convID,
		Prompt:         msg.Text,
		ProfileID:      profileID,
	})
	if err != nil {
		// Losing the busy race to a freshly started session is not a
		// failure of the message; put it back for the next drain.
		if errors.Is(err, ErrConversationBusy) {
			logger.Debug().Msg("Conversation busy again, requeueing message")
			if uerr := o.queue.UpdateStatus(msg.ID, msgqueue.StatusPending, ""); uerr != nil {
				logger.Error().Err(uerr).Msg("Failed to requeue message")
			}
			return
		}
		logger.Warn().Err(err).Msg("Failed to start session for queued message")
		if uerr := o.queue.UpdateStatus(msg.ID, msgqueue.StatusFailed, err.Error()); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to mark queued message failed")
		}
		observability.RecordQueueDrain(false)
		return
	}

	if err := o.queue.MarkAddedToHistory(msg.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark queued message in history")
	}

	var failure string
	for ev := range events {
		if ev.Type == EventError {
			failure = ev.Content
		}
	}

	if failure != "" {
		if err := o.queue.UpdateStatus(msg.ID, msgqueue.StatusFailed, failure); err != nil {
			logger.Error().Err(err).Msg("Failed to mark queued message failed")
		}
		observability.RecordQueueDrain(false)
		return
	}

	if err := o.queue.Remove(msg.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove drained queue message")
	}
	observability.RecordQueueDrain(true)
}

// sweepSessions drops terminal sessions past their retention window.
func (o *Orchestrator) sweepSessions() {
	cutoff := time.Now().Add(-o.sessionTTL)

	o.mu.Lock()
	removed := 0
	for id, s := range o.sessions {
		if s.Status.Terminal() && !s.EndedAt.IsZero() && s.EndedAt.Before(cutoff) {
			delete(o.sessions, id)
			removed++
		}
	}
	o.mu.Unlock()

	if removed > 0 {
		o.logger.Debug().Int("removed", removed).Msg("Swept expired sessions")
	}
}
