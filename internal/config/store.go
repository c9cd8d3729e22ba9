package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the loaded configuration and serves immutable snapshots of it.
// Reload swaps the active configuration atomically; readers holding an older
// snapshot keep it until they ask again.
type Store struct {
	mu      sync.RWMutex
	baseDir string
	path    string
	cfg     *Config
}

// NewStore creates a store rooted at baseDir. Nothing is read from disk
// until Load is called.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		path:    filepath.Join(baseDir, FileName),
	}
}

// Load reads, substitutes, decodes, and validates the configuration file,
// then installs it as the active snapshot. On error the previously active
// snapshot, if any, stays in place.
func (s *Store) Load() error {
	cfg, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Reload re-reads the file from disk. Identical to Load; the name exists so
// call sites read naturally in signal handlers.
func (s *Store) Reload() error {
	if err := s.Load(); err != nil {
		return err
	}
	slog.Info("configuration reloaded", "path", s.path)
	return nil
}

// Snapshot returns a deep copy of the active configuration. Before the first
// successful Load it returns the defaults, so callers never see nil.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if cfg == nil {
		return Default()
	}
	return cfg.Clone()
}

// FilePath returns the absolute path of the configuration file.
func (s *Store) FilePath() string {
	return s.path
}

// BaseDir returns the directory the store was rooted at. Relative paths in
// the configuration (TLS files, log file, PID file) resolve against it.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves p against the store's base directory unless it is
// already absolute or empty.
func (s *Store) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

func load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}

	substituted, err := substituteEnv(raw, IsProduction())
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(substituted, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
