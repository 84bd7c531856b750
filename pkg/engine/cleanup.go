package engine

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/metrics"
	"github.com/denkoushi/backupguard/pkg/retention"
)

// CleanupAfterExecution applies the target's retention policy on every
// provider the execution touched. Cleanup failures never propagate: a
// successful backup must not be reported as failed because housekeeping
// stumbled afterwards.
func (e *Engine) CleanupAfterExecution(ctx context.Context, kind, source string, result *Result) {
	if result == nil {
		return
	}
	providers := make([]string, 0, len(result.Providers))
	for _, pr := range result.Providers {
		if pr.Success {
			providers = append(providers, pr.Provider)
		}
	}
	if err := e.runRetention(ctx, kind, source, providers, nil); err != nil {
		targetLogger(kind, source).WithError(err).Warn("post-execution cleanup failed")
	}
}

// RunRetention sweeps one target's providers with an optional policy
// override and returns how many objects were removed in total.
func (e *Engine) RunRetention(ctx context.Context, kind, source string, override *config.RetentionPolicy) (int, error) {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return 0, err
	}
	providers := resolveProviders(cfg, cfg.TargetFor(kind, source))

	total := 0
	err = e.runRetentionWith(ctx, cfg, kind, source, providers, override, &total)
	return total, err
}

// RunRetentionAll sweeps every enabled target.
func (e *Engine) RunRetentionAll(ctx context.Context) error {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return err
	}

	for _, tc := range cfg.Targets {
		if !tc.Enabled {
			continue
		}
		providers := resolveProviders(cfg, &tc)
		if err := e.runRetentionWith(ctx, cfg, tc.Kind, tc.Source, providers, nil, nil); err != nil {
			targetLogger(tc.Kind, tc.Source).WithError(err).Warn("retention sweep failed")
		}
	}
	return nil
}

func (e *Engine) runRetention(ctx context.Context, kind, source string, providers []string, override *config.RetentionPolicy) error {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return err
	}
	return e.runRetentionWith(ctx, cfg, kind, source, providers, override, nil)
}

func (e *Engine) runRetentionWith(ctx context.Context, cfg *config.BackupConfiguration, kind, source string, providers []string, override *config.RetentionPolicy, total *int) error {
	policy := cfg.RetentionFor(kind, source)
	if override != nil {
		policy = *override
	}
	if !policy.Enabled() {
		return nil
	}

	artifactName, err := e.artifactName(cfg, kind, source)
	if err != nil {
		return err
	}

	cleaner := retention.NewCleaner(e.ledger)
	for _, name := range providers {
		if name == config.ProviderGmail {
			// Mail-borne backups are acknowledged, not retained.
			continue
		}
		provider, err := e.provider(cfg, name)
		if err != nil {
			targetLogger(kind, source).WithError(err).Warn("skipping retention on unbuildable provider")
			continue
		}

		objects, err := provider.List(ctx, kind+"/")
		if err != nil {
			targetLogger(kind, source).WithError(err).Warn("failed to list objects for retention")
			continue
		}

		plan := retention.PlanForTarget(objects, kind, artifactName, policy, e.now())
		deleted := cleaner.Apply(ctx, provider, plan)
		if deleted > 0 {
			metrics.RetentionDeletes.WithLabelValues(kind, name).Add(float64(deleted))
			if err := e.markExcess(kind, source, policy); err != nil {
				logrus.WithError(err).Debug("excess marking skipped")
			}
		}
		if total != nil {
			*total += deleted
		}
	}
	return nil
}

// markExcess lines the ledger up with a count-based sweep so rows whose
// artifacts predate ledger tracking still flip to DELETED.
func (e *Engine) markExcess(kind, source string, policy config.RetentionPolicy) error {
	if policy.MaxBackups <= 0 {
		return nil
	}
	_, err := e.ledger.MarkExcessDeleted(kind, source, policy.MaxBackups)
	return err
}

// artifactName computes the stored filename a target produces, used to match
// retention candidates to their source.
func (e *Engine) artifactName(cfg *config.BackupConfiguration, kind, source string) (string, error) {
	switch kind {
	case config.KindDatabase:
		u, err := url.Parse(source)
		if err != nil {
			return "", err
		}
		// dbname.sql.gz, derived the same way the backup run derives it.
		return strings.TrimPrefix(u.Path, "/") + ".sql.gz", nil
	case config.KindCsv:
		return source + ".csv", nil
	case config.KindFile:
		return path.Base(source), nil
	case config.KindClientFile:
		host, remote, err := splitHostSource(source)
		if err != nil {
			return "", err
		}
		return host + "_" + path.Base(remote), nil
	case config.KindClientDirectory:
		host, remote, err := splitHostSource(source)
		if err != nil {
			return "", err
		}
		return host + "_" + path.Base(remote) + ".tar.gz", nil
	default:
		return path.Base(source) + ".tar.gz", nil
	}
}

// splitHostSource parses a client source "host:/path". The host prefix stays
// in the artifact name so a sweep of one host never matches another host's
// backups of the same remote path.
func splitHostSource(source string) (host, remote string, err error) {
	idx := strings.Index(source, ":")
	if idx <= 0 || idx == len(source)-1 {
		return "", "", fmt.Errorf("client source must be host:path, got %q", source)
	}
	return source[:idx], source[idx+1:], nil
}

// SelectivePurge runs the anchored purge across one provider: objects
// outside the anchor prefix older than the policy are removed, and the whole
// operation aborts when no anchor object exists.
func (e *Engine) SelectivePurge(ctx context.Context, providerName, anchorPrefix string, policy config.RetentionPolicy) (retention.Plan, int, error) {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return retention.Plan{}, 0, err
	}
	provider, err := e.provider(cfg, providerName)
	if err != nil {
		return retention.Plan{}, 0, err
	}

	objects, err := provider.List(ctx, "")
	if err != nil {
		return retention.Plan{}, 0, err
	}

	plan := retention.SelectivePurge(objects, anchorPrefix, policy, e.now())
	deleted := retention.NewCleaner(e.ledger).Apply(ctx, provider, plan)
	if deleted > 0 {
		metrics.RetentionDeletes.WithLabelValues("purge", providerName).Add(float64(deleted))
	}
	return plan, deleted, nil
}
