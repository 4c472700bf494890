package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voxmcp/voxd/internal/observability"
	"github.com/voxmcp/voxd/internal/tracing"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound  = errors.New("conversation not found")
	ErrInvalidID = errors.New("invalid conversation id")
)

const indexFileName = "index.json"

// Store persists conversations as one JSON file each plus a lightweight
// index file used for listing without loading every conversation.
type Store struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex

	indexMu sync.Mutex
}

// New creates a conversation store rooted at dir.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".voxd", "conversations")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}

	logger.Info().Str("dir", dir).Msg("Conversation store initialized")

	return s, nil
}

// validateID rejects ids that could escape the store directory. The id names
// a file on disk, so this is a security boundary.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidID, id)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%w: %q contains null bytes", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[id]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// Create creates a new conversation seeded with firstMessage and a generated id.
func (s *Store) Create(ctx context.Context, firstMessage, role string) (*Conversation, error) {
	return s.CreateWithID(ctx, uuid.New().String(), firstMessage, role)
}

// CreateWithID creates a new conversation under a caller-chosen id.
func (s *Store) CreateWithID(ctx context.Context, id, firstMessage, role string) (*Conversation, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.conversation",
		"conversation.create",
		attribute.String("conversation_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("conversation_id", id).Logger()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if role == "" {
		role = RoleUser
	}

	now := time.Now()
	conv := &Conversation{
		ID:        id,
		Title:     DeriveTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []Message{{
			ID:        uuid.New().String(),
			Role:      role,
			Content:   firstMessage,
			Timestamp: now,
		}},
	}

	if err := s.Save(ctx, conv, false); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info().Msg("Conversation created")

	return conv, nil
}

// Load reads a conversation from disk.
func (s *Store) Load(ctx context.Context, id string) (*Conversation, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.conversation",
		"conversation.load",
		attribute.String("conversation_id", id),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordConversationLoad(time.Since(start))
	}()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}

	return &conv, nil
}

// Save writes a conversation to disk atomically and refreshes the index.
// With preserveTimestamp the stored updatedAt is left untouched, which replay
// and import paths rely on.
func (s *Store) Save(ctx context.Context, conv *Conversation, preserveTimestamp bool) error {
	lock := s.writeLock(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.save(ctx, conv, preserveTimestamp)
}

// save is Save without the per-id lock. Callers hold it, which lets
// AddMessage keep the lock across its whole load-append-save sequence.
func (s *Store) save(ctx context.Context, conv *Conversation, preserveTimestamp bool) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.conversation",
		"conversation.save",
		attribute.String("conversation_id", conv.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("conversation_id", conv.ID).Logger()
	start := time.Now()
	defer func() {
		observability.RecordConversationSave(time.Since(start))
	}()

	if err := validateID(conv.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !preserveTimestamp {
		conv.UpdatedAt = time.Now()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	path := s.path(conv.ID)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}

	if err := s.updateIndex(conv); err != nil {
		logger.Warn().Err(err).Msg("Failed to update conversation index")
	}

	logger.Debug().Int("messages", len(conv.Messages)).Msg("Conversation saved")

	return nil
}

// AddMessage appends a message to a conversation. Appending a message whose
// (role, content) pair equals the immediately preceding message is a no-op,
// which guards against at-least-once redelivery from upstream event sources.
func (s *Store) AddMessage(ctx context.Context, id, content, role string, toolCalls []ToolCall, toolResults []ToolResult) (*Conversation, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.conversation",
		"conversation.add_message",
		attribute.String("conversation_id", id),
		attribute.String("role", role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("conversation_id", id).Logger()

	if role == "" {
		return nil, fmt.Errorf("message role cannot be empty")
	}

	// Hold the write lock across load-append-save so concurrent appends
	// to one conversation cannot lose each other's messages.
	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(conv.Messages) > 0 {
		last := conv.Messages[len(conv.Messages)-1]
		if last.Role == role && last.Content == content {
			logger.Debug().Str("role", role).Msg("Duplicate message ignored")
			return conv, nil
		}
	}

	conv.Messages = append(conv.Messages, Message{
		ID:          uuid.New().String(),
		Role:        role,
		Content:     content,
		ToolCalls:   toolCalls,
		ToolResults: toolResults,
		Timestamp:   time.Now(),
	})

	if err := s.save(ctx, conv, false); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Debug().Str("role", role).Msg("Message appended")

	return conv, nil
}

// Delete removes a conversation and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"voxd.conversation",
		"conversation.delete",
		attribute.String("conversation_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("conversation_id", id).Logger()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}

	if err := s.removeFromIndex(id); err != nil {
		logger.Warn().Err(err).Msg("Failed to update conversation index")
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	logger.Info().Msg("Conversation deleted")

	return nil
}

// DeleteAll removes every conversation and resets the index.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "voxd.conversation", "conversation.delete_all")
	defer span.End()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to read conversations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to delete %s: %w", entry.Name(), err)
		}
	}

	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	s.logger.Info().Msg("All conversations deleted")

	return nil
}

// Exists reports whether a conversation file is present for id.
func (s *Store) Exists(id string) bool {
	if err := validateID(id); err != nil {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns history items for all conversations sorted by updatedAt
// descending. The index file is used so listing does not load every
// conversation; a missing index is rebuilt from the conversation files.
func (s *Store) List(ctx context.Context) ([]HistoryItem, error) {
	_, span := tracing.StartSpan(ctx, "voxd.conversation", "conversation.list")
	defer span.End()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		index, err = s.rebuildIndex()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	items := make([]HistoryItem, 0, len(index))
	for _, item := range index {
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})

	return items, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

func (s *Store) readIndex() (map[string]HistoryItem, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil, err
	}

	var index map[string]HistoryItem
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return index, nil
}

func (s *Store) writeIndex(index map[string]HistoryItem) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tempPath, s.indexPath()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace index: %w", err)
	}
	return nil
}

func (s *Store) updateIndex(conv *Conversation) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		index = make(map[string]HistoryItem)
	}

	preview := ""
	if len(conv.Messages) > 0 {
		preview = derivePreview(conv.Messages[0].Content)
	}

	index[conv.ID] = HistoryItem{
		ID:           conv.ID,
		Title:        conv.Title,
		Preview:      preview,
		MessageCount: len(conv.Messages),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}

	return s.writeIndex(index)
}

func (s *Store) removeFromIndex(id string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return nil
	}

	delete(index, id)
	return s.writeIndex(index)
}

// rebuildIndex scans conversation files and rewrites the index. Caller holds indexMu.
func (s *Store) rebuildIndex() (map[string]HistoryItem, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	index := make(map[string]HistoryItem)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == indexFileName || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Skipping unreadable conversation")
			continue
		}

		preview := ""
		if len(conv.Messages) > 0 {
			preview = derivePreview(conv.Messages[0].Content)
		}
		index[conv.ID] = HistoryItem{
			ID:           conv.ID,
			Title:        conv.Title,
			Preview:      preview,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		}
	}

	if err := s.writeIndex(index); err != nil {
		return nil, err
	}

	return index, nil
}
