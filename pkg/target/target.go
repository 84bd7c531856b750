// Package target implements the backup target variants. Each variant knows
// how to extract its source into a staged artifact file; uploading the
// artifact to storage is the engine's job.
package target

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/denkoushi/backupguard/pkg/config"
)

// Artifact is a staged backup file produced by a target.
type Artifact struct {
	// Filename is the artifact's base name, e.g. "app.sql.gz".
	Filename string
	// LocalPath is the absolute path of the staged file.
	LocalPath string
	// SizeBytes is the staged file's size.
	SizeBytes int64
}

// Target extracts one configured source into a staged artifact.
type Target interface {
	// Kind returns the target kind, e.g. "database" or "clientfile".
	Kind() string

	// Source returns the configured source identifier.
	Source() string

	// CreateBackup stages the backup artifact under stagingDir and returns
	// its description. The staged file is the caller's to clean up.
	CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error)
}

// Restorer is implemented by targets that support restoring from an artifact.
type Restorer interface {
	// Restore applies the artifact at artifactPath back onto the source.
	Restore(ctx context.Context, artifactPath string) error
}

// Options carries host-process hooks that some targets need.
type Options struct {
	// ExportCSV writes one named dataset as CSV. Required by csv targets.
	ExportCSV func(ctx context.Context, dataset string, w io.Writer) error
}

// Factory builds a target from its configuration.
type Factory func(cfg config.TargetConfig, opts Options) (Target, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register registers a factory for a target kind. Called from init functions.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// New builds the target for a configuration entry.
func New(cfg config.TargetConfig, opts Options) (Target, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown target kind %q (known: %v)", cfg.Kind, Kinds())
	}
	return factory(cfg, opts)
}

// Kinds returns the registered target kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
