package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxmcp/voxd/pkg/agent"
	"github.com/voxmcp/voxd/pkg/conversation"
	"github.com/voxmcp/voxd/pkg/mcp"
	"github.com/voxmcp/voxd/pkg/profile"
)

// registerBuiltinMethods wires the RPC surface onto the router.
func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"agent.process":  s.handleAgentProcess,
		"agent.stop":     s.handleAgentStop,
		"agent.approve":  s.handleAgentApprove,
		"agent.sessions": s.handleAgentSessions,
		"agent.session":  s.handleAgentSession,

		"servers.list":       s.handleServersList,
		"servers.start":      s.handleServersStart,
		"servers.stop":       s.handleServersStop,
		"servers.restart":    s.handleServersRestart,
		"servers.setEnabled": s.handleServersSetEnabled,
		"servers.logs":       s.handleServersLogs,
		"servers.clearLogs":  s.handleServersClearLogs,

		"tools.list":       s.handleToolsList,
		"tools.setEnabled": s.handleToolsSetEnabled,
		"tools.execute":    s.handleToolsExecute,

		"queue.list":    s.handleQueueList,
		"queue.enqueue": s.handleQueueEnqueue,
		"queue.clear":   s.handleQueueClear,
		"queue.cancel":  s.handleQueueCancel,
		"queue.remove":  s.handleQueueRemove,
		"queue.retry":   s.handleQueueRetry,

		"conversations.list":       s.handleConversationsList,
		"conversations.get":        s.handleConversationsGet,
		"conversations.create":     s.handleConversationsCreate,
		"conversations.addMessage": s.handleConversationsAddMessage,
		"conversations.save":       s.handleConversationsSave,
		"conversations.delete":     s.handleConversationsDelete,
		"conversations.deleteAll":  s.handleConversationsDeleteAll,

		"profiles.list":   s.handleProfilesList,
		"profiles.get":    s.handleProfilesGet,
		"profiles.save":   s.handleProfilesSave,
		"profiles.delete": s.handleProfilesDelete,
	}

	for name, handler := range methods {
		if err := s.router.RegisterMethod(name, handler); err != nil {
			s.logger.Error().Err(err).Str("method", name).Msg("Failed to register RPC method")
		}
	}
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func boolParam(params map[string]interface{}, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}

func intParam(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// handleAgentProcess starts an agent session. A busy conversation queues the
// prompt instead of failing.
func (s *Server) handleAgentProcess(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	prompt, ok := stringParam(params, "prompt")
	if !ok || strings.TrimSpace(prompt) == "" {
		return nil, invalidParams("prompt is required")
	}

	opts := agent.ProcessOptions{Prompt: prompt}
	if v, ok := stringParam(params, "conversationId"); ok {
		opts.ConversationID = v
	}
	if v, ok := stringParam(params, "profileId"); ok {
		opts.ProfileID = v
	}
	if v, ok := intParam(params, "maxIterations"); ok {
		opts.MaxIterations = v
	}
	if v, ok := boolParam(params, "requireToolApproval"); ok {
		opts.RequireToolApproval = &v
	}

	session, events, err := s.orchestrator.Process(ctx, opts)
	if err != nil {
		if errors.Is(err, agent.ErrConversationBusy) {
			msg, qErr := s.queue.Enqueue(opts.ConversationID, prompt)
			if qErr != nil {
				return nil, fmt.Errorf("failed to queue message: %w", qErr)
			}
			return map[string]interface{}{
				"queued":         true,
				"messageId":      msg.ID,
				"conversationId": msg.ConversationID,
			}, nil
		}
		return nil, err
	}

	go s.pumpSessionEvents(events)

	return map[string]interface{}{
		"sessionId":      session.ID,
		"conversationId": session.ConversationID,
	}, nil
}

// pumpSessionEvents forwards agent events to connected clients until the
// session's event channel closes.
func (s *Server) pumpSessionEvents(events <-chan agent.Event) {
	for ev := range events {
		stream := StreamTypeAssistant
		switch ev.Type {
		case agent.EventToolCall, agent.EventToolResult, agent.EventApprovalRequired:
			stream = StreamTypeTool
		case agent.EventDone, agent.EventError:
			stream = StreamTypeLifecycle
		}

		data := map[string]interface{}{
			"content": ev.Content,
		}
		if ev.ToolName != "" {
			data["toolName"] = ev.ToolName
		}
		if ev.ToolCallID != "" {
			data["toolCallId"] = ev.ToolCallID
		}
		if ev.Type == agent.EventToolResult {
			data["isError"] = ev.IsError
			data["timedOut"] = ev.TimedOut
		}
		if ev.Status != "" {
			data["status"] = string(ev.Status)
		}

		s.broadcaster.BroadcastTyped(EventMessage{
			Event:          "agent." + string(ev.Type),
			Stream:         stream,
			Data:           data,
			SessionID:      ev.SessionID,
			ConversationID: ev.ConversationID,
		})
	}
}

func (s *Server) handleAgentStop(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok || sessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	return map[string]interface{}{
		"stopped": s.orchestrator.Stop(sessionID),
	}, nil
}

// handleAgentApprove answers a pending tool approval. cancel denies the tool
// and stops the whole session.
func (s *Server) handleAgentApprove(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok || sessionID == "" {
		return nil, invalidParams("sessionId is required")
	}

	if cancel, _ := boolParam(params, "cancel"); cancel {
		accepted := s.orchestrator.RespondToApproval(sessionID, false)
		return map[string]interface{}{
			"accepted": accepted,
			"stopped":  s.orchestrator.Stop(sessionID),
		}, nil
	}

	approved, ok := boolParam(params, "approved")
	if !ok {
		return nil, invalidParams("approved is required")
	}
	return map[string]interface{}{
		"accepted": s.orchestrator.RespondToApproval(sessionID, approved),
	}, nil
}

func (s *Server) handleAgentSessions(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions": s.orchestrator.Sessions(),
	}, nil
}

func (s *Server) handleAgentSession(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok || sessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	session, err := s.orchestrator.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Server) handleServersList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"servers": s.registry.Servers(),
	}, nil
}

func (s *Server) handleServersStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}

	rawCfg, ok := params["config"].(map[string]interface{})
	if !ok {
		return nil, invalidParams("config is required")
	}
	data, err := json.Marshal(rawCfg)
	if err != nil {
		return nil, invalidParams("invalid config: %v", err)
	}
	var cfg mcp.ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, invalidParams("invalid config: %v", err)
	}

	if err := s.registry.StartServer(ctx, name, cfg); err != nil {
		return nil, err
	}
	return map[string]interface{}{"started": true}, nil
}

func (s *Server) handleServersStop(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	if err := s.registry.StopServer(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"stopped": true}, nil
}

func (s *Server) handleServersRestart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	if err := s.registry.RestartServer(ctx, name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"restarted": true}, nil
}

func (s *Server) handleServersSetEnabled(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	enabled, ok := boolParam(params, "enabled")
	if !ok {
		return nil, invalidParams("enabled is required")
	}
	if !s.registry.SetServerRuntimeEnabled(name, enabled) {
		return nil, mcp.ErrServerNotFound
	}
	return map[string]interface{}{"enabled": enabled}, nil
}

func (s *Server) handleServersLogs(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	lines, err := s.registry.ServerLogs(name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"logs": lines}, nil
}

func (s *Server) handleServersClearLogs(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	if err := s.registry.ClearServerLogs(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cleared": true}, nil
}

func (s *Server) handleToolsList(_ context.Context, params map[string]interface{}) (interface{}, error) {
	enabledOnly, _ := boolParam(params, "enabledOnly")
	var tools []mcp.ToolDescriptor
	if enabledOnly {
		tools = s.registry.EnabledTools()
	} else {
		tools = s.registry.AvailableTools()
	}
	return map[string]interface{}{"tools": tools}, nil
}

func (s *Server) handleToolsSetEnabled(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}
	enabled, ok := boolParam(params, "enabled")
	if !ok {
		return nil, invalidParams("enabled is required")
	}
	s.registry.SetToolEnabled(name, enabled)
	return map[string]interface{}{"enabled": enabled}, nil
}

func (s *Server) handleToolsExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, ok := stringParam(params, "name")
	if !ok || name == "" {
		return nil, invalidParams("name is required")
	}

	var args map[string]interface{}
	if raw, ok := params["arguments"]; ok {
		args, ok = raw.(map[string]interface{})
		if !ok {
			return nil, invalidParams("arguments must be an object")
		}
	}

	result := s.registry.ExecuteToolCall(ctx, mcp.ToolCall{Name: name, Arguments: args})
	return result, nil
}

func (s *Server) handleQueueList(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if convID, ok := stringParam(params, "conversationId"); ok && convID != "" {
		return map[string]interface{}{"messages": s.queue.GetQueue(convID)}, nil
	}
	return map[string]interface{}{"messages": s.queue.GetAllPending()}, nil
}

func (s *Server) handleQueueEnqueue(_ context.Context, params map[string]interface{}) (interface{}, error) {
	convID, ok := stringParam(params, "conversationId")
	if !ok || convID == "" {
		return nil, invalidParams("conversationId is required")
	}
	text, ok := stringParam(params, "text")
	if !ok || strings.TrimSpace(text) == "" {
		return nil, invalidParams("text is required")
	}
	msg, err := s.queue.Enqueue(convID, text)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Server) handleQueueClear(_ context.Context, params map[string]interface{}) (interface{}, error) {
	convID, ok := stringParam(params, "conversationId")
	if !ok || convID == "" {
		return nil, invalidParams("conversationId is required")
	}
	return map[string]interface{}{
		"removed": s.queue.ClearQueue(convID),
	}, nil
}

// handleQueueCancel cancels one message by id, or every pending message of a
// conversation when only conversationId is given.
func (s *Server) handleQueueCancel(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if messageID, ok := stringParam(params, "messageId"); ok && messageID != "" {
		cancelled := 0
		if s.queue.Cancel(messageID) {
			cancelled = 1
		}
		return map[string]interface{}{"cancelled": cancelled}, nil
	}

	convID, ok := stringParam(params, "conversationId")
	if !ok || convID == "" {
		return nil, invalidParams("messageId or conversationId is required")
	}
	return map[string]interface{}{
		"cancelled": s.queue.CancelPending(convID),
	}, nil
}

func (s *Server) handleQueueRemove(_ context.Context, params map[string]interface{}) (interface{}, error) {
	messageID, ok := stringParam(params, "messageId")
	if !ok || messageID == "" {
		return nil, invalidParams("messageId is required")
	}
	if err := s.queue.Remove(messageID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": true}, nil
}

func (s *Server) handleQueueRetry(_ context.Context, params map[string]interface{}) (interface{}, error) {
	messageID, ok := stringParam(params, "messageId")
	if !ok || messageID == "" {
		return nil, invalidParams("messageId is required")
	}
	return map[string]interface{}{
		"retried": s.queue.Retry(messageID),
	}, nil
}

func (s *Server) handleConversationsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversations": items}, nil
}

func (s *Server) handleConversationsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := stringParam(params, "conversationId")
	if !ok || id == "" {
		return nil, invalidParams("conversationId is required")
	}
	conv, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Server) handleConversationsCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	firstMessage, ok := stringParam(params, "firstMessage")
	if !ok || strings.TrimSpace(firstMessage) == "" {
		return nil, invalidParams("firstMessage is required")
	}
	role, _ := stringParam(params, "role")

	if id, ok := stringParam(params, "conversationId"); ok && id != "" {
		conv, err := s.store.CreateWithID(ctx, id, firstMessage, role)
		if err != nil {
			return nil, err
		}
		return conv, nil
	}

	conv, err := s.store.Create(ctx, firstMessage, role)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Server) handleConversationsAddMessage(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := stringParam(params, "conversationId")
	if !ok || id == "" {
		return nil, invalidParams("conversationId is required")
	}
	content, ok := stringParam(params, "content")
	if !ok {
		return nil, invalidParams("content is required")
	}
	role, ok := stringParam(params, "role")
	if !ok || role == "" {
		return nil, invalidParams("role is required")
	}

	conv, err := s.store.AddMessage(ctx, id, content, role, nil, nil)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// handleConversationsSave overwrites a conversation wholesale. preserveTimestamp
// keeps the stored updatedAt instead of bumping it.
func (s *Server) handleConversationsSave(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	raw, ok := params["conversation"].(map[string]interface{})
	if !ok {
		return nil, invalidParams("conversation is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidParams("invalid conversation: %v", err)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, invalidParams("invalid conversation: %v", err)
	}
	if conv.ID == "" {
		return nil, invalidParams("conversation.id is required")
	}

	preserveTimestamp, _ := boolParam(params, "preserveTimestamp")
	if err := s.store.Save(ctx, &conv, preserveTimestamp); err != nil {
		return nil, err
	}
	return map[string]interface{}{"saved": true, "conversationId": conv.ID}, nil
}

func (s *Server) handleConversationsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := stringParam(params, "conversationId")
	if !ok || id == "" {
		return nil, invalidParams("conversationId is required")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	s.queue.ClearQueue(id)
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleConversationsDeleteAll(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := s.store.DeleteAll(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleProfilesList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	profiles, err := s.profiles.List()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"profiles": profiles}, nil
}

func (s *Server) handleProfilesGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := stringParam(params, "profileId")
	if !ok || id == "" {
		return nil, invalidParams("profileId is required")
	}
	p, err := s.profiles.Get(id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) handleProfilesSave(_ context.Context, params map[string]interface{}) (interface{}, error) {
	raw, ok := params["profile"].(map[string]interface{})
	if !ok {
		return nil, invalidParams("profile is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidParams("invalid profile: %v", err)
	}
	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, invalidParams("invalid profile: %v", err)
	}
	if err := s.profiles.Save(&p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"saved": true, "profileId": p.ID}, nil
}

func (s *Server) handleProfilesDelete(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, ok := stringParam(params, "profileId")
	if !ok || id == "" {
		return nil, invalidParams("profileId is required")
	}
	if err := s.profiles.Delete(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}
