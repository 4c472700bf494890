package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestCreate_SeedsFirstMessageAndTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "hello there", "")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "hello there", conv.Title)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello there", conv.Messages[0].Content)
}

func TestCreateWithID_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWithID(ctx, "a/../../etc/passwd", "hi", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = s.CreateWithID(ctx, "bad\x00id", "hi", "")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = s.CreateWithID(ctx, "", "hi", "")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestCreateWithID_AllowsUnusualButSafeIDs(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateWithID(context.Background(), "whatsapp_123@s.whatsapp.net", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp_123@s.whatsapp.net", conv.ID)

	loaded, err := s.Load(context.Background(), "whatsapp_123@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, loaded.ID)
}

func TestDeriveTitle_TruncatesWithEllipsis(t *testing.T) {
	long := strings.Repeat("x", 120)
	title := DeriveTitle(long)

	assert.Equal(t, 53, len(title))
	assert.True(t, strings.HasSuffix(title, "..."))

	assert.Equal(t, "New conversation", DeriveTitle("   "))
}

func TestDeriveTitle_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 120)
	title := DeriveTitle(long)

	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("é", 50)+"...", title)
}

func TestAddMessage_DuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "question", "")
	require.NoError(t, err)

	conv, err = s.AddMessage(ctx, conv.ID, "the answer", RoleAssistant, nil, nil)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)

	// Same (role, content) as the tail must not append again.
	conv, err = s.AddMessage(ctx, conv.ID, "the answer", RoleAssistant, nil, nil)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)

	// A different role with the same content is a fresh message.
	conv, err = s.AddMessage(ctx, conv.ID, "the answer", RoleUser, nil, nil)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 3)
}

func TestAddMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddMessage(context.Background(), "missing", "text", RoleUser, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "first", "")
	require.NoError(t, err)

	_, err = s.AddMessage(ctx, conv.ID, "reply", RoleAssistant, []ToolCall{{
		ID:        "tc-1",
		Name:      "files:read",
		Arguments: map[string]interface{}{"path": "/tmp/a"},
	}}, []ToolResult{{
		ToolCallID: "tc-1",
		Content:    "contents",
	}})
	require.NoError(t, err)

	loaded, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)

	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "first", loaded.Messages[0].Content)
	assert.Equal(t, "reply", loaded.Messages[1].Content)
	require.Len(t, loaded.Messages[1].ToolCalls, 1)
	assert.Equal(t, "files:read", loaded.Messages[1].ToolCalls[0].Name)
	require.Len(t, loaded.Messages[1].ToolResults, 1)
	assert.False(t, loaded.Messages[1].ToolResults[0].IsError)
}

func TestSave_PreserveTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "first", "")
	require.NoError(t, err)

	stamp := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	conv.UpdatedAt = stamp
	require.NoError(t, s.Save(ctx, conv, true))

	loaded, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, loaded.UpdatedAt.Equal(stamp))

	require.NoError(t, s.Save(ctx, loaded, false))
	reloaded, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.UpdatedAt.After(stamp))
}

func TestList_SortedByUpdatedAtDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older, err := s.CreateWithID(ctx, "older", "old conversation", "")
	require.NoError(t, err)
	older.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Save(ctx, older, true))

	_, err = s.CreateWithID(ctx, "newer", "new conversation", "")
	require.NoError(t, err)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "newer", items[0].ID)
	assert.Equal(t, "older", items[1].ID)
	assert.Equal(t, 1, items[0].MessageCount)
	assert.NotEmpty(t, items[0].Preview)
}

func TestDelete_And_DeleteAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "bye", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, conv.ID))
	assert.False(t, s.Exists(conv.ID))
	assert.ErrorIs(t, s.Delete(ctx, conv.ID), ErrNotFound)

	_, err = s.Create(ctx, "one", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "two", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAll(ctx))

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestList_RebuildsMissingIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "rebuild me", "")
	require.NoError(t, err)

	// Simulate a lost index; listing should rebuild it from the files.
	require.NoError(t, removeIndex(s))

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, conv.ID, items[0].ID)
}

func TestAddMessage_ConcurrentAppendsAllSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "seed", "")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.AddMessage(ctx, conv.ID, fmt.Sprintf("message %d", n), RoleUser, nil, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, writers+1)
}
