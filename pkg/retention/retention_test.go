package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func obj(path string, age time.Duration) storage.ObjectInfo {
	return storage.ObjectInfo{Path: path, SizeBytes: 100, ModifiedAt: time.Now().Add(-age)}
}

func paths(objects []storage.ObjectInfo) []string {
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		out = append(out, o.Path)
	}
	return out
}

func TestCountKeepsNewest(t *testing.T) {
	objects := []storage.ObjectInfo{
		obj("database/jan1/app.sql.gz", 72*time.Hour),
		obj("database/jan2/app.sql.gz", 48*time.Hour),
		obj("database/jan3/app.sql.gz", 24*time.Hour),
	}

	plan := PlanForTarget(objects, config.KindDatabase, "app.sql.gz",
		config.RetentionPolicy{MaxBackups: 1}, time.Now())

	assert.Equal(t, []string{"database/jan1/app.sql.gz", "database/jan2/app.sql.gz"}, paths(plan.Remove))
	assert.Equal(t, []string{"database/jan3/app.sql.gz"}, paths(plan.Keep))
	assert.Empty(t, plan.Reason)
}

func TestAgeRuleIndependentOfCount(t *testing.T) {
	objects := []storage.ObjectInfo{
		obj("database/old/app.sql.gz", 40*24*time.Hour),
		obj("database/new/app.sql.gz", 24*time.Hour),
	}

	// Count alone would keep both.
	plan := PlanForTarget(objects, config.KindDatabase, "app.sql.gz",
		config.RetentionPolicy{Days: 30, MaxBackups: 5}, time.Now())

	assert.Equal(t, []string{"database/old/app.sql.gz"}, paths(plan.Remove))
	assert.Equal(t, []string{"database/new/app.sql.gz"}, paths(plan.Keep))
}

func TestSourceMatchingByKind(t *testing.T) {
	objects := []storage.ObjectInfo{
		obj("database/run1/app.sql.gz", time.Hour),
		obj("database/run1/other.sql.gz", time.Hour),
	}

	// Exact filename match for database kinds keeps other sources untouched.
	plan := PlanForTarget(objects, config.KindDatabase, "app.sql.gz",
		config.RetentionPolicy{MaxBackups: 1}, time.Now())
	assert.Empty(t, plan.Remove)
	assert.Equal(t, []string{"database/run1/app.sql.gz"}, paths(plan.Keep))

	// Suffix match for client files tolerates the host prefix.
	clientObjects := []storage.ObjectInfo{
		obj("clientfile/run1/pi-client1_config.toml", 48*time.Hour),
		obj("clientfile/run2/pi-client1_config.toml", time.Hour),
	}
	plan = PlanForTarget(clientObjects, config.KindClientFile, "config.toml",
		config.RetentionPolicy{MaxBackups: 1}, time.Now())
	assert.Equal(t, []string{"clientfile/run1/pi-client1_config.toml"}, paths(plan.Remove))
}

func TestMissingPathsAreSkippedNotDeleted(t *testing.T) {
	objects := []storage.ObjectInfo{
		{Path: "", SizeBytes: 1, ModifiedAt: time.Now().Add(-100 * 24 * time.Hour)},
		obj("database/run1/app.sql.gz", time.Hour),
	}

	plan := PlanForTarget(objects, config.KindDatabase, "app.sql.gz",
		config.RetentionPolicy{Days: 1}, time.Now())
	assert.Len(t, plan.SkippedMissingPath, 1)
	assert.Empty(t, plan.Remove)
}

func TestSelectivePurgeAbortsWithoutAnchor(t *testing.T) {
	objects := []storage.ObjectInfo{
		obj("csv/run1/employees.csv", 90*24*time.Hour),
		obj("file/run1/app.conf", 90*24*time.Hour),
	}

	plan := SelectivePurge(objects, "database/", config.RetentionPolicy{Days: 30}, time.Now())
	assert.Equal(t, ReasonNoAnchor, plan.Reason)
	assert.Empty(t, plan.Keep)
	assert.Empty(t, plan.Remove)
}

func TestSelectivePurgeRemovesOldNonAnchors(t *testing.T) {
	objects := []storage.ObjectInfo{
		obj("database/run1/app.sql.gz", 90*24*time.Hour),
		obj("csv/run1/employees.csv", 90*24*time.Hour),
		obj("csv/run2/employees.csv", time.Hour),
	}

	plan := SelectivePurge(objects, "database/", config.RetentionPolicy{Days: 30}, time.Now())
	assert.Empty(t, plan.Reason)
	// Anchor objects survive any age.
	assert.Contains(t, paths(plan.Keep), "database/run1/app.sql.gz")
	assert.Equal(t, []string{"csv/run1/employees.csv"}, paths(plan.Remove))
	assert.Contains(t, paths(plan.Keep), "csv/run2/employees.csv")
}

// flakyProvider fails deletion of one path to exercise best-effort apply.
type flakyProvider struct {
	storage.Provider
	name    string
	failing map[string]bool
	deleted []string
}

func (p *flakyProvider) Name() string { return p.name }

func (p *flakyProvider) Delete(_ context.Context, path string) error {
	if p.failing[path] {
		return fmt.Errorf("simulated delete failure")
	}
	p.deleted = append(p.deleted, path)
	return nil
}

func TestApplyPairsDeleteWithLedger(t *testing.T) {
	ledger, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)

	mkRecord := func(path string) *history.Record {
		rec := &history.Record{
			OperationType: history.OpBackup, TargetKind: config.KindDatabase,
			TargetSource: "db", Provider: "local", BackupPath: path,
			Status: history.StatusCompleted,
		}
		require.NoError(t, ledger.Create(rec))
		return rec
	}
	kept := mkRecord("database/jan1/app.sql.gz")
	stuck := mkRecord("database/jan2/app.sql.gz")

	provider := &flakyProvider{
		name:    "local",
		failing: map[string]bool{"database/jan2/app.sql.gz": true},
	}
	plan := Plan{Remove: []storage.ObjectInfo{
		obj("database/jan1/app.sql.gz", 48*time.Hour),
		obj("database/jan2/app.sql.gz", 24*time.Hour),
	}}

	deleted := NewCleaner(ledger).Apply(context.Background(), provider, plan)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"database/jan1/app.sql.gz"}, provider.deleted)

	got, _, _ := ledger.GetByID(kept.ID)
	assert.Equal(t, history.FileDeleted, got.FileStatus)
	// The failed physical delete leaves its ledger row untouched.
	got, _, _ = ledger.GetByID(stuck.ID)
	assert.Equal(t, history.FileExists, got.FileStatus)
}

func TestApplyRefusesAbortedPlan(t *testing.T) {
	ledger, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)

	provider := &flakyProvider{name: "local"}
	plan := Plan{
		Reason: ReasonNoAnchor,
		Remove: []storage.ObjectInfo{obj("csv/run1/employees.csv", time.Hour)},
	}
	assert.Equal(t, 0, NewCleaner(ledger).Apply(context.Background(), provider, plan))
	assert.Empty(t, provider.deleted)
}
