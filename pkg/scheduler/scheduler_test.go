package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/config"
)

func newStore(t *testing.T, cfg *config.BackupConfiguration) *config.Store {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, store.Save(cfg))
	return store
}

func TestSetupJobsSchedulesEnabledTargets(t *testing.T) {
	cfg := &config.BackupConfiguration{
		Targets: []config.TargetConfig{
			{Kind: config.KindDatabase, Source: "postgres://localhost/app", Schedule: "0 3 * * *", Enabled: true},
			{Kind: config.KindFile, Source: "/etc/app.conf", Schedule: "30 3 * * *", Enabled: true},
			{Kind: config.KindCsv, Source: "employees", Schedule: "0 4 * * *", Enabled: false},
			{Kind: config.KindDirectory, Source: "/srv/photos", Enabled: true}, // no schedule
		},
	}
	s := NewScheduler(nil, newStore(t, cfg))

	require.NoError(t, s.SetupJobs())
	jobs := s.ScheduledJobs()
	assert.ElementsMatch(t, []string{
		"database|postgres://localhost/app",
		"file|/etc/app.conf",
	}, jobs)
}

func TestSetupJobsSkipsBadExpressions(t *testing.T) {
	cfg := &config.BackupConfiguration{
		Targets: []config.TargetConfig{
			{Kind: config.KindFile, Source: "/etc/a", Schedule: "not-cron", Enabled: true},
			{Kind: config.KindFile, Source: "/etc/b", Schedule: "0 3 * * *", Enabled: true},
		},
	}
	s := NewScheduler(nil, newStore(t, cfg))

	require.NoError(t, s.SetupJobs())
	assert.Equal(t, []string{"file|/etc/b"}, s.ScheduledJobs())
}

func TestReloadSchedulesReplacesJobs(t *testing.T) {
	cfg := &config.BackupConfiguration{
		Targets: []config.TargetConfig{
			{Kind: config.KindFile, Source: "/etc/a", Schedule: "0 3 * * *", Enabled: true},
		},
	}
	store := newStore(t, cfg)
	s := NewScheduler(nil, store)
	require.NoError(t, s.SetupJobs())
	require.Len(t, s.ScheduledJobs(), 1)

	// Disable the target and add another, then reload.
	loaded, err := store.Load()
	require.NoError(t, err)
	loaded.Targets[0].Enabled = false
	loaded.Targets = append(loaded.Targets, config.TargetConfig{
		Kind: config.KindCsv, Source: "loans", Schedule: "0 5 * * *", Enabled: true,
	})
	require.NoError(t, store.Save(loaded))

	require.NoError(t, s.ReloadSchedules())
	assert.Equal(t, []string{"csv|loans"}, s.ScheduledJobs())
}
