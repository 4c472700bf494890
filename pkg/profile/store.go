package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned for unknown profile ids.
var ErrNotFound = errors.New("profile not found")

// DefaultProfileID names the built-in fallback profile.
const DefaultProfileID = "default"

// Profile bundles the system prompt, guidelines and tool/model preferences a
// session runs under. Sessions take a value copy at start so edits never
// affect runs already in flight.
type Profile struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	SystemPrompt        string   `json:"systemPrompt,omitempty"`
	Guidelines          string   `json:"guidelines,omitempty"`
	AllowedBuiltinTools []string `json:"allowedBuiltinTools,omitempty"`
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
	MaxIterations       int      `json:"maxIterations,omitempty"`
	RequireToolApproval bool     `json:"requireToolApproval,omitempty"`
}

// Store persists profile definitions as one JSON file per profile.
type Store struct {
	dir    string
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New creates a profile store rooted at dir.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".voxd", "profiles")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	return &Store{dir: dir, logger: logger}, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("profile id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") || strings.Contains(id, "\x00") {
		return fmt.Errorf("invalid profile id: %q", id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Get loads a profile by id. An empty id resolves to the default profile,
// which exists even when nothing has been persisted.
func (s *Store) Get(id string) (*Profile, error) {
	if id == "" {
		id = DefaultProfileID
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			if id == DefaultProfileID {
				p := defaultProfile()
				return &p, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", id, err)
	}

	return &p, nil
}

// Snapshot returns an immutable value copy of a profile for session isolation.
func (s *Store) Snapshot(id string) (Profile, error) {
	p, err := s.Get(id)
	if err != nil {
		return Profile{}, err
	}

	snap := *p
	if p.AllowedBuiltinTools != nil {
		snap.AllowedBuiltinTools = make([]string, len(p.AllowedBuiltinTools))
		copy(snap.AllowedBuiltinTools, p.AllowedBuiltinTools)
	}
	return snap, nil
}

// Save persists a profile.
func (s *Store) Save(p *Profile) error {
	if err := validateID(p.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := os.WriteFile(s.path(p.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	s.logger.Info().Str("profile_id", p.ID).Msg("Profile saved")

	return nil
}

// Delete removes a profile definition.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	return nil
}

// List returns all persisted profiles.
func (s *Store) List() ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var profiles []Profile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Skipping unreadable profile")
			continue
		}
		profiles = append(profiles, p)
	}

	return profiles, nil
}

func defaultProfile() Profile {
	return Profile{
		ID:   DefaultProfileID,
		Name: "Default",
	}
}
