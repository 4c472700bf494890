package msgqueue

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	known map[string]bool
}

func (f *fakeChecker) Exists(id string) bool {
	return f.known[id]
}

func newTestQueue() *Queue {
	return New(nil, zerolog.Nop())
}

func TestEnqueue_FIFOOrderAndNextPending(t *testing.T) {
	q := newTestQueue()

	first, err := q.Enqueue("conv-1", "First")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "Second")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "Third")
	require.NoError(t, err)

	queue := q.GetQueue("conv-1")
	require.Len(t, queue, 3)
	assert.Equal(t, "First", queue[0].Text)
	assert.Equal(t, "Second", queue[1].Text)
	assert.Equal(t, "Third", queue[2].Text)

	next, ok := q.GetNextPending("conv-1")
	require.True(t, ok)
	assert.Equal(t, "First", next.Text)

	require.NoError(t, q.UpdateStatus(first.ID, StatusProcessing, ""))

	next, ok = q.GetNextPending("conv-1")
	require.True(t, ok)
	assert.Equal(t, "Second", next.Text)
}

func TestEnqueue_ValidatesConversationExistence(t *testing.T) {
	q := New(&fakeChecker{known: map[string]bool{"known": true}}, zerolog.Nop())

	_, err := q.Enqueue("known", "hello")
	assert.NoError(t, err)

	_, err = q.Enqueue("unknown", "hello")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestEnqueue_RejectsEmptyText(t *testing.T) {
	q := newTestQueue()

	_, err := q.Enqueue("conv-1", "")
	assert.Error(t, err)
}

func TestUpdateStatus_SingleProcessingGuard(t *testing.T) {
	q := newTestQueue()

	a, err := q.Enqueue("conv-1", "a")
	require.NoError(t, err)
	b, err := q.Enqueue("conv-1", "b")
	require.NoError(t, err)
	other, err := q.Enqueue("conv-2", "c")
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(a.ID, StatusProcessing, ""))

	// Second processing message on the same conversation is rejected.
	err = q.UpdateStatus(b.ID, StatusProcessing, "")
	assert.ErrorIs(t, err, ErrConversationBusy)

	// A different conversation is unaffected.
	assert.NoError(t, q.UpdateStatus(other.ID, StatusProcessing, ""))

	// Once the first finishes, the second may proceed.
	require.NoError(t, q.UpdateStatus(a.ID, StatusFailed, "boom"))
	assert.NoError(t, q.UpdateStatus(b.ID, StatusProcessing, ""))
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	q := newTestQueue()

	msg, err := q.Enqueue("conv-1", "try me")
	require.NoError(t, err)

	assert.False(t, q.Retry(msg.ID), "pending message must not be retryable")

	require.NoError(t, q.UpdateStatus(msg.ID, StatusProcessing, ""))
	assert.False(t, q.Retry(msg.ID), "processing message must not be retryable")

	require.NoError(t, q.UpdateStatus(msg.ID, StatusFailed, "llm unavailable"))
	got, err := q.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "llm unavailable", got.ErrorMessage)

	assert.True(t, q.Retry(msg.ID))

	got, err = q.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)

	assert.False(t, q.Retry("nope"))
}

func TestCancelPending_SkipsProcessing(t *testing.T) {
	q := newTestQueue()

	a, err := q.Enqueue("conv-1", "a")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "b")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "c")
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(a.ID, StatusProcessing, ""))

	cancelled := q.CancelPending("conv-1")
	assert.Equal(t, 2, cancelled)

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	_, ok := q.GetNextPending("conv-1")
	assert.False(t, ok)
}

func TestCancel_SingleMessageOnly(t *testing.T) {
	q := newTestQueue()

	a, err := q.Enqueue("conv-1", "a")
	require.NoError(t, err)
	b, err := q.Enqueue("conv-1", "b")
	require.NoError(t, err)

	assert.True(t, q.Cancel(a.ID))
	assert.False(t, q.Cancel(a.ID))
	assert.False(t, q.Cancel("missing"))

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	next, ok := q.GetNextPending("conv-1")
	require.True(t, ok)
	assert.Equal(t, b.ID, next.ID)
}

func TestMarkAddedToHistoryAndRemove(t *testing.T) {
	q := newTestQueue()

	msg, err := q.Enqueue("conv-1", "keep me")
	require.NoError(t, err)

	require.NoError(t, q.MarkAddedToHistory(msg.ID))
	got, err := q.Get(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.AddedToHistory)

	require.NoError(t, q.Remove(msg.ID))
	_, err = q.Get(msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Remove(msg.ID), ErrNotFound)
}

func TestClearQueue_OnlyTargetConversation(t *testing.T) {
	q := newTestQueue()

	_, err := q.Enqueue("conv-1", "a")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "b")
	require.NoError(t, err)
	keep, err := q.Enqueue("conv-2", "c")
	require.NoError(t, err)

	assert.Equal(t, 2, q.ClearQueue("conv-1"))
	assert.Empty(t, q.GetQueue("conv-1"))

	got, err := q.Get(keep.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Text)
}

func TestGetAllPending_AcrossConversations(t *testing.T) {
	q := newTestQueue()

	_, err := q.Enqueue("conv-1", "a")
	require.NoError(t, err)
	b, err := q.Enqueue("conv-2", "b")
	require.NoError(t, err)
	_, err = q.Enqueue("conv-1", "c")
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(b.ID, StatusCancelled, ""))

	pending := q.GetAllPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Text)
	assert.Equal(t, "c", pending[1].Text)
}
