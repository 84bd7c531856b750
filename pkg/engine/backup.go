package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/metrics"
	"github.com/denkoushi/backupguard/pkg/target"
)

// ProviderResult is one provider's outcome within an execution.
type ProviderResult struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	Path      string `json:"path,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the full outcome of one backup execution.
type Result struct {
	Success   bool             `json:"success"`
	Path      string           `json:"path,omitempty"`
	SizeBytes int64            `json:"sizeBytes,omitempty"`
	Providers []ProviderResult `json:"providers"`
}

// ExecuteBackup runs one backup of the given target across its resolved
// providers, strictly in order. Providers are independent attempts: one
// failing does not stop the next, and the execution succeeds when at least
// one provider succeeds (all of them when requireAll is configured). Each
// attempt gets its own ledger row; metadata, when supplied by the caller,
// is recorded on every row of the execution.
func (e *Engine) ExecuteBackup(ctx context.Context, kind, source string, metadata map[string]string) (*Result, error) {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return nil, err
	}

	tc := cfg.TargetFor(kind, source)
	effective := config.TargetConfig{Kind: kind, Source: source}
	if tc != nil {
		effective = *tc
	}

	tgt, err := target.New(effective, e.targetOpts)
	if err != nil {
		return nil, err
	}

	providers := resolveProviders(cfg, tc)
	log := targetLogger(kind, source)
	log.WithField("providers", providers).Info("starting backup execution")

	result := &Result{}
	var failures []backuperr.ProviderFailure

	for _, name := range providers {
		pr := e.attemptBackup(ctx, cfg, tgt, kind, source, name, metadata)
		result.Providers = append(result.Providers, pr)
		if pr.Success {
			result.Success = true
			if result.Path == "" {
				result.Path = pr.Path
				result.SizeBytes = pr.SizeBytes
			}
		} else {
			failures = append(failures, backuperr.ProviderFailure{Provider: name, Err: errString(pr.Error)})
		}
	}

	if len(failures) == len(providers) {
		return result, &backuperr.AggregateError{Failures: failures}
	}
	if cfg.Storage.RequireAll && len(failures) > 0 {
		result.Success = false
		return result, fmt.Errorf("storage requires all providers and %d of %d failed: %v",
			len(failures), len(providers), failures)
	}

	metrics.LastBackupTimestamp.WithLabelValues(kind, source).SetToCurrentTime()
	return result, nil
}

// attemptBackup runs one provider attempt end to end and records it.
func (e *Engine) attemptBackup(ctx context.Context, cfg *config.BackupConfiguration, tgt target.Target, kind, source, providerName string, metadata map[string]string) ProviderResult {
	pr := ProviderResult{Provider: providerName}
	log := targetLogger(kind, source).WithField("provider", providerName)
	started := e.now()

	rec := &history.Record{
		OperationType: history.OpBackup,
		TargetKind:    kind,
		TargetSource:  source,
		Provider:      providerName,
		Metadata:      metadata,
	}
	if err := e.ledger.Create(rec); err != nil {
		log.WithError(err).Error("failed to create ledger row")
		pr.Error = err.Error()
		return pr
	}

	fail := func(err error) ProviderResult {
		log.WithError(err).Error("backup attempt failed")
		pr.Error = err.Error()
		if ferr := e.ledger.Fail(rec.ID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("failed to record attempt failure")
		}
		metrics.BackupCount.WithLabelValues(kind, source, providerName, "error").Inc()
		return pr
	}

	staging, err := os.MkdirTemp(e.stagingDir, "backup-")
	if err != nil {
		return fail(errors.Wrap(err, "failed to create staging directory"))
	}
	defer os.RemoveAll(staging)

	artifact, err := tgt.CreateBackup(ctx, staging)
	if err != nil {
		return fail(err)
	}

	hash, err := hashFile(artifact.LocalPath)
	if err != nil {
		return fail(err)
	}

	provider, err := e.provider(cfg, providerName)
	if err != nil {
		return fail(err)
	}

	remote := e.remotePath(kind, artifact.Filename)
	if err := provider.Upload(ctx, artifact.LocalPath, remote); err != nil {
		return fail(err)
	}

	duration := e.now().Sub(started)
	summary := history.Summary{
		DurationMS: duration.Milliseconds(),
		Provider:   providerName,
		Path:       remote,
		SizeBytes:  artifact.SizeBytes,
	}
	if err := e.ledger.Complete(rec.ID, remote, artifact.SizeBytes, hash, summary); err != nil {
		log.WithError(err).Error("failed to record attempt completion")
	}

	metrics.BackupCount.WithLabelValues(kind, source, providerName, "success").Inc()
	metrics.BackupDuration.WithLabelValues(kind, providerName).Observe(duration.Seconds())
	metrics.BackupSize.WithLabelValues(kind, source, providerName).Set(float64(artifact.SizeBytes))

	log.WithFields(map[string]interface{}{
		"path":     remote,
		"size":     artifact.SizeBytes,
		"duration": duration,
	}).Info("backup attempt succeeded")

	pr.Success = true
	pr.Path = remote
	pr.SizeBytes = artifact.SizeBytes
	return pr
}

// errString wraps a recorded message back into an error for aggregation.
type errString string

func (s errString) Error() string { return string(s) }
