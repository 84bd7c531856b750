package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store is the versioned configuration document store. All writes funnel
// through WithConfig so that a mutation always operates on a freshly loaded
// document: a stale in-memory copy can silently drop credential fields that
// another caller just rotated.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the given YAML file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads, defaults, and returns the configuration document. A missing
// file yields a defaulted empty document rather than an error.
func (s *Store) Load() (*BackupConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*BackupConfiguration, error) {
	cfg := &BackupConfiguration{}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		logrus.Infof("configuration file %s does not exist, starting with defaults", s.path)
		setDefaults(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// Save persists the document, bumping its version metadata.
func (s *Store) Save(cfg *BackupConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg *BackupConfiguration) error {
	cfg.Version = CurrentVersion
	cfg.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the document.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace configuration file: %w", err)
	}

	return nil
}

// WithConfig loads a fresh document, applies mutate in place, and saves.
// Mutations are expected to touch only the sub-object they own; the
// load-fresh discipline keeps concurrent token rotations from clobbering
// sibling provider blocks.
func (s *Store) WithConfig(mutate func(cfg *BackupConfiguration) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return err
	}
	if err := mutate(cfg); err != nil {
		return err
	}
	return s.save(cfg)
}
