// Package storage defines the storage provider contract and the registry
// the engine resolves providers from.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/denkoushi/backupguard/pkg/config"
)

// ObjectInfo describes one stored backup object.
type ObjectInfo struct {
	// Path is the provider-relative object path, e.g. "database/20260828-031500/app.sql.gz".
	Path string
	// SizeBytes is the stored object size.
	SizeBytes int64
	// ModifiedAt is the provider's last-modified timestamp.
	ModifiedAt time.Time
}

// Provider stores, retrieves, and removes backup artifacts. Remote paths are
// provider-relative; each implementation anchors them under its own base.
type Provider interface {
	// Name returns the provider name as used in configuration.
	Name() string

	// Upload stores the local file at the remote path.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download fetches the object at the remote path. For pattern-searching
	// providers the path is matched as a pattern; a miss is a NoMatchError.
	Download(ctx context.Context, remotePath string) ([]byte, error)

	// Delete removes the object. Deleting a missing object is an error.
	Delete(ctx context.Context, remotePath string) error

	// List returns objects under the prefix, oldest first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Deps carries what OAuth-backed providers need without importing the OAuth
// manager, which itself depends on configuration the providers are built from.
type Deps struct {
	// HTTPClient performs provider API calls. The engine passes the
	// certificate-pinned client here.
	HTTPClient *http.Client

	// RefreshToken exchanges the stored refresh token for a new access token
	// and returns it. Called at most once per failed request.
	RefreshToken func(ctx context.Context, provider string) (string, error)
}

// Factory builds a provider from the storage settings block.
type Factory func(cfg *config.StorageSettings, deps Deps) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register registers a provider factory. Called from init functions in the
// provider subpackages.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New builds the named provider.
func New(name string, cfg *config.StorageSettings, deps Deps) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q (known: %v)", name, Names())
	}
	return factory(cfg, deps)
}

// Names returns the registered provider names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
