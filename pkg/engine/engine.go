// Package engine orchestrates backup and restore executions: it resolves
// providers, drives targets, records every attempt in the history ledger,
// and applies retention afterwards.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/metrics"
	"github.com/denkoushi/backupguard/pkg/oauthmgr"
	"github.com/denkoushi/backupguard/pkg/storage"
	"github.com/denkoushi/backupguard/pkg/target"
)

// Engine wires configuration, the ledger, OAuth, and storage together.
type Engine struct {
	cfgStore   *config.Store
	ledger     history.Store
	oauth      *oauthmgr.Manager
	httpClient *http.Client
	targetOpts target.Options
	stagingDir string

	// now is replaceable for tests.
	now func() time.Time
}

// New creates an engine. The HTTP client is handed to every OAuth-backed
// provider; pass the certificate-pinned one.
func New(cfgStore *config.Store, ledger history.Store, oauth *oauthmgr.Manager, httpClient *http.Client, opts target.Options) *Engine {
	return &Engine{
		cfgStore:   cfgStore,
		ledger:     ledger,
		oauth:      oauth,
		httpClient: httpClient,
		targetOpts: opts,
		stagingDir: os.TempDir(),
		now:        time.Now,
	}
}

// SetStagingDir overrides where artifacts are staged before upload.
func (e *Engine) SetStagingDir(dir string) { e.stagingDir = dir }

// resolveProviders returns the ordered provider names to attempt for a
// target: its multi-provider list, then its single provider, then the global
// default, then local as last resort.
func resolveProviders(cfg *config.BackupConfiguration, tc *config.TargetConfig) []string {
	if tc != nil {
		if len(tc.Providers) > 0 {
			return tc.Providers
		}
		if tc.Provider != "" {
			return []string{tc.Provider}
		}
	}
	if cfg.Storage.Default != "" {
		return []string{cfg.Storage.Default}
	}
	return []string{config.ProviderLocal}
}

// provider builds one named storage provider with refresh and pinning wired.
func (e *Engine) provider(cfg *config.BackupConfiguration, name string) (storage.Provider, error) {
	deps := storage.Deps{HTTPClient: e.httpClient}
	if e.oauth != nil {
		deps.RefreshToken = func(ctx context.Context, provider string) (string, error) {
			token, err := e.oauth.Refresh(ctx, provider)
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.TokenRefreshCount.WithLabelValues(provider, status).Inc()
			return token, err
		}
	}
	return storage.New(name, &cfg.Storage, deps)
}

// presigner is implemented by providers that can hand out direct,
// time-limited download URLs.
type presigner interface {
	PresignDownload(ctx context.Context, remotePath string, expiry time.Duration) (string, error)
}

// PresignDownload returns a time-limited direct download URL for a stored
// backup, on providers that support it.
func (e *Engine) PresignDownload(ctx context.Context, providerName, remotePath string, expiry time.Duration) (string, error) {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return "", err
	}
	provider, err := e.provider(cfg, providerName)
	if err != nil {
		return "", err
	}
	p, ok := provider.(presigner)
	if !ok {
		return "", &backuperr.ConfigurationError{
			Field:   "provider",
			Message: fmt.Sprintf("%s does not support presigned downloads", providerName),
		}
	}
	return p.PresignDownload(ctx, remotePath, expiry)
}

// remotePath lays out stored objects as <kind>/<timestamp>/<filename>.
func (e *Engine) remotePath(kind, filename string) string {
	return fmt.Sprintf("%s/%s/%s", kind, e.now().UTC().Format("20060102-150405"), filename)
}

// hashFile computes the SHA-256 of a staged artifact without loading it
// whole.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// logger returns the engine's base log entry for a target.
func targetLogger(kind, source string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"kind": kind, "source": source})
}
