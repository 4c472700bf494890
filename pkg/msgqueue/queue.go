package msgqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/voxmcp/voxd/internal/observability"
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Sentinel errors surfaced by the queue.
var (
	ErrNotFound             = errors.New("queued message not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationBusy     = errors.New("conversation already has a processing message")
)

// Message is one queued follow-up input.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	Status         Status    `json:"status"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	AddedToHistory bool      `json:"addedToHistory"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationChecker is the slice of the conversation store the queue needs.
type ConversationChecker interface {
	Exists(id string) bool
}

// Queue is an in-memory per-conversation FIFO of queued messages. All state
// is guarded by a single mutex; callers on different conversations may
// interleave freely.
type Queue struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string
	checker  ConversationChecker
	logger   zerolog.Logger
}

// New creates a message queue. checker may be nil to skip existence checks.
func New(checker ConversationChecker, logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()

	return &Queue{
		messages: make(map[string]*Message),
		checker:  checker,
		logger:   logger,
	}
}

// Enqueue adds text to a conversation's queue.
func (q *Queue) Enqueue(conversationID, text string) (Message, error) {
	if conversationID == "" {
		return Message{}, fmt.Errorf("conversation id cannot be empty")
	}
	if text == "" {
		return Message{}, fmt.Errorf("message text cannot be empty")
	}
	if q.checker != nil && !q.checker.Exists(conversationID) {
		return Message{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	id, err := gonanoid.New()
	if err != nil {
		return Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		Text:           text,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}

	q.mu.Lock()
	q.messages[id] = msg
	q.order = append(q.order, id)
	depth := q.pendingDepthLocked(conversationID)
	q.mu.Unlock()

	observability.RecordQueueEnqueue(conversationID, depth)

	q.logger.Debug().
		Str("conversation_id", conversationID).
		Str("message_id", id).
		Int("pending", depth).
		Msg("Message enqueued")

	return *msg, nil
}

// Get returns a queued message by id.
func (q *Queue) Get(id string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *msg, nil
}

// GetQueue returns a conversation's messages in FIFO order.
func (q *Queue) GetQueue(conversationID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, id := range q.order {
		if msg := q.messages[id]; msg != nil && msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out
}

// UpdateStatus transitions a message to the given status. Transitioning to
// processing is guarded: at most one message per conversation may be
// processing at a time, enforced here rather than left to callers.
func (q *Queue) UpdateStatus(id string, status Status, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if status == StatusProcessing {
		for _, other := range q.messages {
			if other.ID != id && other.ConversationID == msg.ConversationID && other.Status == StatusProcessing {
				return fmt.Errorf("%w: %s", ErrConversationBusy, msg.ConversationID)
			}
		}
	}

	msg.Status = status
	if status == StatusFailed {
		msg.ErrorMessage = errorMessage
	} else {
		msg.ErrorMessage = ""
	}

	observability.SetQueueDepth(msg.ConversationID, q.pendingDepthLocked(msg.ConversationID))

	q.logger.Debug().
		Str("message_id", id).
		Str("status", string(status)).
		Msg("Queued message status updated")

	return nil
}

// MarkAddedToHistory flags a message as persisted into conversation history.
func (q *Queue) MarkAddedToHistory(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	msg.AddedToHistory = true
	return nil
}

// Remove deletes a message from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(q.messages, id)
	for i, other := range q.order {
		if other == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	observability.SetQueueDepth(msg.ConversationID, q.pendingDepthLocked(msg.ConversationID))

	return nil
}

// ClearQueue removes every message for a conversation and returns the count.
func (q *Queue) ClearQueue(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	remaining := q.order[:0]
	for _, id := range q.order {
		msg := q.messages[id]
		if msg != nil && msg.ConversationID == conversationID {
			delete(q.messages, id)
			count++
			continue
		}
		remaining = append(remaining, id)
	}
	q.order = remaining

	observability.SetQueueDepth(conversationID, 0)

	if count > 0 {
		q.logger.Info().
			Str("conversation_id", conversationID).
			Int("cleared", count).
			Msg("Queue cleared")
	}

	return count
}

// GetNextPending returns the oldest pending message for a conversation,
// skipping messages in any other status. The second return is false when
// nothing is pending.
func (q *Queue) GetNextPending(conversationID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		msg := q.messages[id]
		if msg != nil && msg.ConversationID == conversationID && msg.Status == StatusPending {
			return *msg, true
		}
	}
	return Message{}, false
}

// CancelPending cancels every pending message for a conversation and returns
// how many were affected. Processing messages are left untouched.
func (q *Queue) CancelPending(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, id := range q.order {
		msg := q.messages[id]
		if msg != nil && msg.ConversationID == conversationID && msg.Status == StatusPending {
			msg.Status = StatusCancelled
			count++
		}
	}

	observability.SetQueueDepth(conversationID, 0)

	return count
}

// Cancel marks a single pending message cancelled. Returns false when the
// message is missing or already past pending.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists || msg.Status != StatusPending {
		return false
	}

	msg.Status = StatusCancelled

	observability.SetQueueDepth(msg.ConversationID, q.pendingDepthLocked(msg.ConversationID))

	q.logger.Debug().Str("message_id", id).Msg("Queued message cancelled")

	return true
}

// Retry resets a failed message to pending, clearing its error. Returns
// false when the message is missing or not in the failed state.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, exists := q.messages[id]
	if !exists || msg.Status != StatusFailed {
		return false
	}

	msg.Status = StatusPending
	msg.ErrorMessage = ""

	observability.SetQueueDepth(msg.ConversationID, q.pendingDepthLocked(msg.ConversationID))

	q.logger.Debug().Str("message_id", id).Msg("Queued message reset for retry")

	return true
}

// GetAllPending returns pending messages across all conversations, oldest first.
func (q *Queue) GetAllPending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, id := range q.order {
		if msg := q.messages[id]; msg != nil && msg.Status == StatusPending {
			out = append(out, *msg)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// pendingDepthLocked counts pending messages for a conversation. Caller holds q.mu.
func (q *Queue) pendingDepthLocked(conversationID string) int {
	depth := 0
	for _, msg := range q.messages {
		if msg.ConversationID == conversationID && msg.Status == StatusPending {
			depth++
		}
	}
	return depth
}
