// Package retention plans and applies backup cleanup by age and count.
package retention

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/storage"
)

// ReasonNoAnchor aborts a selective purge that found nothing to anchor on.
const ReasonNoAnchor = "no_database_backups"

// Plan is the outcome of a retention computation. Nothing has been deleted
// yet; Apply acts on it.
type Plan struct {
	Keep               []storage.ObjectInfo
	Remove             []storage.ObjectInfo
	SkippedMissingPath []storage.ObjectInfo
	// Reason is set when the plan aborted without computing keep/remove sets.
	Reason string
}

// matchesSource reports whether an object belongs to the target's source.
// Database and csv artifacts have deterministic filenames, so they match
// exactly; other kinds embed timestamps in the directory, so the filename
// suffix decides.
func matchesSource(kind, artifactName, objectPath string) bool {
	base := path.Base(objectPath)
	switch kind {
	case config.KindDatabase, config.KindCsv:
		return base == artifactName
	default:
		return strings.HasSuffix(base, artifactName)
	}
}

// PlanForTarget computes which of the target's objects to keep and remove.
// The count rule keeps the newest maxBackups regardless of age; the age rule
// independently removes anything older than the cutoff.
func PlanForTarget(objects []storage.ObjectInfo, kind, artifactName string, policy config.RetentionPolicy, now time.Time) Plan {
	var plan Plan

	var matched []storage.ObjectInfo
	for _, obj := range objects {
		if obj.Path == "" {
			plan.SkippedMissingPath = append(plan.SkippedMissingPath, obj)
			continue
		}
		if matchesSource(kind, artifactName, obj.Path) {
			matched = append(matched, obj)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ModifiedAt.Before(matched[j].ModifiedAt)
	})

	remove := make(map[string]bool)
	if policy.MaxBackups > 0 && len(matched) > policy.MaxBackups {
		for _, obj := range matched[:len(matched)-policy.MaxBackups] {
			remove[obj.Path] = true
		}
	}
	if policy.Days > 0 {
		cutoff := now.AddDate(0, 0, -policy.Days)
		for _, obj := range matched {
			if obj.ModifiedAt.Before(cutoff) {
				remove[obj.Path] = true
			}
		}
	}

	for _, obj := range matched {
		if remove[obj.Path] {
			plan.Remove = append(plan.Remove, obj)
		} else {
			plan.Keep = append(plan.Keep, obj)
		}
	}
	return plan
}

// SelectivePurge plans removal of non-anchor objects, refusing to act when
// no object lies under the anchor prefix. An empty mailbox of database
// backups means the listing cannot be trusted as a basis for deletion.
func SelectivePurge(objects []storage.ObjectInfo, anchorPrefix string, policy config.RetentionPolicy, now time.Time) Plan {
	anchored := false
	for _, obj := range objects {
		if obj.Path != "" && strings.HasPrefix(obj.Path, anchorPrefix) {
			anchored = true
			break
		}
	}
	if !anchored {
		return Plan{Reason: ReasonNoAnchor}
	}

	var plan Plan
	cutoff := time.Time{}
	if policy.Days > 0 {
		cutoff = now.AddDate(0, 0, -policy.Days)
	}
	for _, obj := range objects {
		if obj.Path == "" {
			plan.SkippedMissingPath = append(plan.SkippedMissingPath, obj)
			continue
		}
		if strings.HasPrefix(obj.Path, anchorPrefix) {
			plan.Keep = append(plan.Keep, obj)
			continue
		}
		if !cutoff.IsZero() && obj.ModifiedAt.Before(cutoff) {
			plan.Remove = append(plan.Remove, obj)
		} else {
			plan.Keep = append(plan.Keep, obj)
		}
	}
	return plan
}

// Cleaner applies retention plans against a provider and the ledger.
type Cleaner struct {
	ledger history.Store
}

// NewCleaner creates a Cleaner recording deletions in the given ledger.
func NewCleaner(ledger history.Store) *Cleaner {
	return &Cleaner{ledger: ledger}
}

// Apply deletes the plan's Remove set best-effort. A physical delete and its
// ledger update are a unit: the ledger row flips to DELETED only after the
// provider confirmed removal. Individual failures are logged and skipped so
// one stuck object cannot block the rest of the sweep.
func (c *Cleaner) Apply(ctx context.Context, provider storage.Provider, plan Plan) (deleted int) {
	if plan.Reason != "" {
		logrus.WithField("reason", plan.Reason).Warn("retention plan aborted, nothing deleted")
		return 0
	}

	for _, obj := range plan.Remove {
		log := logrus.WithFields(logrus.Fields{
			"provider": provider.Name(),
			"path":     obj.Path,
			"size":     humanize.Bytes(uint64(obj.SizeBytes)),
		})

		if err := provider.Delete(ctx, obj.Path); err != nil {
			log.WithError(err).Warn("failed to delete expired backup")
			continue
		}
		deleted++
		log.Info("deleted expired backup")

		if err := c.ledger.MarkFileDeletedByPath(provider.Name(), obj.Path); err != nil {
			// The object is gone; a missing ledger row is diagnostic noise,
			// not a reason to stop.
			log.WithError(err).Warn("deleted backup had no ledger row to mark")
		}
	}
	if len(plan.SkippedMissingPath) > 0 {
		logrus.Warnf("retention skipped %d objects with no discoverable path", len(plan.SkippedMissingPath))
	}
	return deleted
}
