package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/metrics"
	"github.com/denkoushi/backupguard/pkg/storage"
	"github.com/denkoushi/backupguard/pkg/target"
	"github.com/denkoushi/backupguard/pkg/verify"
)

// RestoreResult reports a finished restore.
type RestoreResult struct {
	Success   bool      `json:"success"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
}

// Restore downloads a backup and applies it to the target. The provider is
// taken from the backup's ledger row when one exists, otherwise from the
// target's configuration. With verifyIntegrity set, the payload is checked
// against the ledger's recorded size and hash plus a format sniff before it
// touches the target.
func (e *Engine) Restore(ctx context.Context, kind, source, backupPath string, verifyIntegrity bool) (*RestoreResult, error) {
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
	restorer, ok := tgt.(target.Restorer)
	if !ok {
		return nil, fmt.Errorf("%s targets do not support restore", kind)
	}

	providerName, backupRow := e.restoreSource(cfg, tc, kind, backupPath)
	log := targetLogger(kind, source).WithFields(map[string]interface{}{
		"provider": providerName,
		"path":     backupPath,
	})
	log.Info("starting restore")

	rec := &history.Record{
		OperationType: history.OpRestore,
		TargetKind:    kind,
		TargetSource:  source,
		Provider:      providerName,
		BackupPath:    backupPath,
	}
	if err := e.ledger.Create(rec); err != nil {
		return nil, err
	}
	started := e.now()

	fail := func(err error) (*RestoreResult, error) {
		log.WithError(err).Error("restore failed")
		if ferr := e.ledger.Fail(rec.ID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("failed to record restore failure")
		}
		metrics.RestoreCount.WithLabelValues(kind, source, "error").Inc()
		return nil, err
	}

	provider, err := e.provider(cfg, providerName)
	if err != nil {
		return fail(err)
	}
	data, pattern, err := e.download(ctx, cfg, provider, providerName, backupPath)
	if err != nil {
		return fail(err)
	}

	if verifyIntegrity {
		var expectedSize int64
		var expectedHash string
		if backupRow != nil {
			expectedSize = backupRow.SizeBytes
			expectedHash = backupRow.Hash
		}
		check := verify.Verify(data, expectedSize, expectedHash)
		if !check.Valid {
			return fail(&backuperr.IntegrityError{Reasons: check.Errors})
		}
		if err := verify.VerifyFormat(data, kind); err != nil {
			return fail(&backuperr.IntegrityError{Reasons: []string{err.Error()}})
		}
	}

	staged := filepath.Join(e.stagingDir, "restore-"+rec.ID+"-"+path.Base(backupPath))
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		return fail(err)
	}
	defer os.Remove(staged)

	if err := restorer.Restore(ctx, staged); err != nil {
		return fail(err)
	}

	// Mail-borne backups get marked read once consumed so the next pattern
	// search does not keep surfacing them as new.
	if ack, ok := provider.(acknowledger); ok {
		if err := ack.Acknowledge(ctx, pattern); err != nil {
			log.WithError(err).Warn("failed to acknowledge consumed backup mail")
		}
	}

	duration := e.now().Sub(started)
	summary := history.Summary{
		DurationMS: duration.Milliseconds(),
		Provider:   providerName,
		Path:       backupPath,
		SizeBytes:  int64(len(data)),
	}
	if err := e.ledger.Complete(rec.ID, backupPath, int64(len(data)), "", summary); err != nil {
		log.WithError(err).Error("failed to record restore completion")
	}
	metrics.RestoreCount.WithLabelValues(kind, source, "success").Inc()
	log.WithField("duration", duration).Info("restore succeeded")

	return &RestoreResult{Success: true, Provider: providerName, Timestamp: e.now()}, nil
}

// restoreSource finds which provider holds the backup: the newest COMPLETED
// ledger row for the path wins, then the target's configuration.
func (e *Engine) restoreSource(cfg *config.BackupConfiguration, tc *config.TargetConfig, kind, backupPath string) (string, *history.Record) {
	rows, _, err := e.ledger.Query(history.QueryOptions{
		Status:     history.StatusCompleted,
		Operation:  history.OpBackup,
		TargetKind: kind,
	})
	if err == nil {
		for i := range rows {
			if rows[i].BackupPath == backupPath {
				return rows[i].Provider, &rows[i]
			}
		}
	}
	return resolveProviders(cfg, tc)[0], nil
}

// acknowledger is implemented by providers that mark consumed backups read
// instead of retaining them.
type acknowledger interface {
	Acknowledge(ctx context.Context, pattern string) error
}

// download fetches the payload, falling back to the configured Gmail subject
// pattern when a Gmail pattern search matched nothing. A miss on the primary
// pattern is an expected state for mail-borne backups, not a failure. The
// returned pattern is the one that actually matched.
func (e *Engine) download(ctx context.Context, cfg *config.BackupConfiguration, provider storage.Provider, providerName, backupPath string) ([]byte, string, error) {
	data, err := provider.Download(ctx, backupPath)
	if err == nil {
		return data, backupPath, nil
	}

	if providerName == config.ProviderGmail && backuperr.IsNoMatch(err) {
		alternate := cfg.Storage.Gmail.SubjectPattern
		if alternate != "" && alternate != backupPath {
			targetLogger(config.ProviderGmail, backupPath).
				Info("no message matched, trying configured subject pattern")
			data, aerr := provider.Download(ctx, alternate)
			return data, alternate, aerr
		}
	}
	return nil, backupPath, err
}
