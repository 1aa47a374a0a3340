package dataform

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SettingRecommendYAMLExtension controls the first-run advisory suggesting the
// companion YAML extension. Defaults to true; the advisory's "Don't show
// again" choice persists false into the global scope.
const SettingRecommendYAMLExtension = "recommendYamlExtension"

// Settings is a two-scope JSON settings store: a global file that persists
// user-wide preferences and an optional workspace file that overrides it for
// reads. Writes always target the global file, matching how a host persists a
// preference "outside any workspace-specific override".
//
// Files are plain JSON objects read on every access; at editor-host scale the
// simplicity wins over caching.
type Settings struct {
	mu            sync.RWMutex
	globalPath    string
	workspacePath string
	logger        *slog.Logger
}

// SettingsOption configures a Settings store.
type SettingsOption func(*Settings)

// WithWorkspaceSettings layers a workspace-scoped file over the global one.
func WithWorkspaceSettings(path string) SettingsOption {
	return func(s *Settings) {
		s.workspacePath = path
	}
}

// WithSettingsLogger sets the logger used by the store.
func WithSettingsLogger(logger *slog.Logger) SettingsOption {
	return func(s *Settings) {
		s.logger = logger
	}
}

// OpenSettings creates a store backed by the global settings file at
// globalPath. The file does not need to exist yet; it is created on the first
// write.
func OpenSettings(globalPath string, options ...SettingsOption) *Settings {
	s := &Settings{
		globalPath: globalPath,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Bool reads a boolean setting, preferring the workspace scope. Missing keys
// and unreadable files yield def.
func (s *Settings) Bool(key string, def bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if res, ok := s.lookup(s.workspacePath, key); ok {
		return res.Bool()
	}
	if res, ok := s.lookup(s.globalPath, key); ok {
		return res.Bool()
	}
	return def
}

// String reads a string setting, preferring the workspace scope. Missing keys
// and unreadable files yield def.
func (s *Settings) String(key string, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if res, ok := s.lookup(s.workspacePath, key); ok {
		return res.String()
	}
	if res, ok := s.lookup(s.globalPath, key); ok {
		return res.String()
	}
	return def
}

// SetGlobal writes a setting into the global scope, creating the file and its
// directory if needed. Workspace overrides are untouched.
func (s *Settings) SetGlobal(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.globalPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		raw = []byte("{}")
	}

	updated, err := sjson.SetBytes(raw, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}

	if dir := filepath.Dir(s.globalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	if err := os.WriteFile(s.globalPath, updated, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

func (s *Settings) lookup(path, key string) (gjson.Result, bool) {
	if path == "" {
		return gjson.Result{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read settings file", "path", path, "err", err)
		}
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(raw, key)
	if !res.Exists() {
		return gjson.Result{}, false
	}
	return res, true
}
