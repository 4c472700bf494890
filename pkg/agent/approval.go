package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmcp/voxd/internal/observability"
)

// DefaultApprovalTimeout bounds how long a pending approval waits for a
// user response before resolving.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalDecision is the resolved outcome of one approval request.
type ApprovalDecision struct {
	Approved bool
	// TimedOut is set when the request resolved by timeout. Timed-out
	// requests resolve as approved so an absent user never wedges a
	// session, but the audit trail records them distinctly.
	TimedOut bool
}

// ApprovalManager tracks at most one pending tool approval per session.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
	logger  zerolog.Logger
}

// NewApprovalManager creates an approval manager.
func NewApprovalManager(logger zerolog.Logger, timeout time.Duration) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		pending: make(map[string]chan bool),
		timeout: timeout,
		logger:  logger.With().Str("component", "approval").Logger(),
	}
}

// Register opens a pending approval slot for the session. Call it
// before announcing the approval request so an immediate response
// cannot be lost, then resolve with Await.
func (m *ApprovalManager) Register(sessionID string) <-chan bool {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.pending[sessionID] = ch
	m.mu.Unlock()

	return ch
}

// Await blocks until the registered approval is resolved, times out, or
// ctx is cancelled. Cancellation counts as denial.
func (m *ApprovalManager) Await(ctx context.Context, ch <-chan bool, sessionID, toolName string) ApprovalDecision {
	defer func() {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		outcome := "denied"
		if approved {
			outcome = "approved"
		}
		observability.RecordApprovalResolution(outcome)
		m.logger.Info().
			Str("session_id", sessionID).
			Str("tool", toolName).
			Str("outcome", outcome).
			Msg("Tool approval resolved")
		return ApprovalDecision{Approved: approved}

	case <-time.After(m.timeout):
		observability.RecordApprovalResolution("timeout")
		m.logger.Warn().
			Str("session_id", sessionID).
			Str("tool", toolName).
			Dur("timeout", m.timeout).
			Msg("Tool approval timed out, proceeding")
		return ApprovalDecision{Approved: true, TimedOut: true}

	case <-ctx.Done():
		observability.RecordApprovalResolution("denied")
		return ApprovalDecision{Approved: false}
	}
}

// Respond resolves the session's pending approval. Returns false when
// nothing is waiting.
func (m *ApprovalManager) Respond(sessionID string, approved bool) bool {
	m.mu.Lock()
	ch, exists := m.pending[sessionID]
	if exists {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	ch <- approved
	return true
}

// HasPending reports whether the session is waiting on an approval.
func (m *ApprovalManager) HasPending(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.pending[sessionID]
	return exists
}
