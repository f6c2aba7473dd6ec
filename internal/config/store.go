package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/calmirror/calmirror/internal/model"
)

// DefaultSourceTimezone is assumed when a user config names no zone.
const DefaultSourceTimezone = "Europe/Berlin"

// userIDPattern keeps user ids filesystem-safe: they become file names for
// configs, locks, and logs.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// Store reads and writes per-user sync configurations as JSON files under
// <data_dir>/users. The engine only reads; Save and Delete exist for the
// operator tooling that owns the configs.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "users")}
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.dir, userID+".json")
}

// ValidateUserID reports whether id is acceptable as a user identifier.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("invalid user id %q", id)
	}
	return nil
}

// Get loads one user's sync configuration. A missing config is a NotFound
// error, not a nil result.
func (s *Store) Get(userID string) (*model.UserSyncConfig, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, model.WrapError(model.KindNotFound, "no sync config", err)
	}

	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewError(model.KindNotFound, fmt.Sprintf("no sync config for user %s", userID))
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	var cfg model.UserSyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}

	if cfg.ID == "" {
		cfg.ID = userID
	}
	if cfg.SourceTimezone == "" {
		cfg.SourceTimezone = DefaultSourceTimezone
	}

	return &cfg, nil
}

// Save validates and writes a user's sync configuration. Regex patterns and
// the timezone are rejected here, at configuration time, so the engine can
// assume they are well-formed at run time.
func (s *Store) Save(cfg *model.UserSyncConfig) error {
	if cfg == nil {
		return fmt.Errorf("user config is nil")
	}
	if err := ValidateUserID(cfg.ID); err != nil {
		return err
	}
	if cfg.SourceID == "" {
		return fmt.Errorf("source_id must be set for user %s", cfg.ID)
	}
	if cfg.TargetID == "" {
		return fmt.Errorf("target_id must be set for user %s", cfg.ID)
	}
	for _, pattern := range cfg.RegexPatterns {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return model.WrapError(model.KindFilterConfig, fmt.Sprintf("invalid exclusion pattern %q", pattern), err)
		}
	}
	if cfg.SourceTimezone != "" {
		if _, err := time.LoadLocation(cfg.SourceTimezone); err != nil {
			return fmt.Errorf("invalid source_timezone %q: %w", cfg.SourceTimezone, err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create user config dir: %w", err)
	}

	// Atomic write: temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(s.dir, "."+cfg.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write user config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set user config permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path(cfg.ID)); err != nil {
		return fmt.Errorf("failed to replace user config: %w", err)
	}

	return nil
}

// Delete removes a user's sync configuration. Deleting an absent config is
// not an error.
func (s *Store) Delete(userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if err := os.Remove(s.path(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete user config: %w", err)
	}
	return nil
}

// List returns the ids of all configured users, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list user configs: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
