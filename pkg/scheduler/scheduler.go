// Package scheduler manages cron-driven backup executions and retention
// sweeps.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/engine"
)

// retentionSchedule runs the sweep at minute 15 of every hour.
const retentionSchedule = "15 * * * *"

// Scheduler handles cron scheduling for backups and retention.
type Scheduler struct {
	cronScheduler *cron.Cron
	eng           *engine.Engine
	cfgStore      *config.Store
	jobIDs        map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(eng *engine.Engine, cfgStore *config.Store) *Scheduler {
	return &Scheduler{
		cronScheduler: cron.New(),
		eng:           eng,
		cfgStore:      cfgStore,
		jobIDs:        make(map[string]cron.EntryID),
	}
}

// SetupJobs schedules every enabled target with a cron expression, plus the
// hourly retention sweep.
func (s *Scheduler) SetupJobs() error {
	cfg, err := s.cfgStore.Load()
	if err != nil {
		return err
	}

	for _, tc := range cfg.Targets {
		if !tc.Enabled || tc.Schedule == "" {
			continue
		}

		run := func(kind, source string) func() {
			return func() {
				logrus.WithFields(logrus.Fields{"kind": kind, "source": source}).
					Info("starting scheduled backup")
				ctx := context.Background()
				result, err := s.eng.ExecuteBackup(ctx, kind, source, nil)
				if err != nil {
					logrus.WithError(err).Errorf("scheduled %s backup failed", kind)
					return
				}
				s.eng.CleanupAfterExecution(ctx, kind, source, result)
			}
		}

		jobID, err := s.cronScheduler.AddFunc(tc.Schedule, run(tc.Kind, tc.Source))
		if err != nil {
			logrus.WithError(err).Errorf("failed to schedule %s %s with expression %q",
				tc.Kind, tc.Source, tc.Schedule)
			continue
		}
		s.jobIDs[jobKey(tc.Kind, tc.Source)] = jobID
		logrus.Infof("scheduled %s backup of %s: %s", tc.Kind, tc.Source, tc.Schedule)
	}

	if _, err := s.cronScheduler.AddFunc(retentionSchedule, func() {
		if err := s.eng.RunRetentionAll(context.Background()); err != nil {
			logrus.WithError(err).Error("retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	logrus.Info("scheduled retention sweep at minute 15 of every hour")
	return nil
}

func jobKey(kind, source string) string {
	return kind + "|" + source
}

// Start begins the scheduled jobs.
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	logrus.Info("backup scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	logrus.Info("backup scheduler stopped")
}

// ReloadSchedules removes all backup jobs and re-creates them from the
// current configuration. Called after configuration edits.
func (s *Scheduler) ReloadSchedules() error {
	logrus.Info("reloading backup schedules")
	for key, jobID := range s.jobIDs {
		s.cronScheduler.Remove(jobID)
		delete(s.jobIDs, key)
	}
	return s.SetupJobs()
}

// RunOnce triggers one target immediately, outside its schedule.
func (s *Scheduler) RunOnce(ctx context.Context, kind, source string, metadata map[string]string) (*engine.Result, error) {
	result, err := s.eng.ExecuteBackup(ctx, kind, source, metadata)
	if err != nil {
		return result, err
	}
	s.eng.CleanupAfterExecution(ctx, kind, source, result)
	return result, nil
}

// ScheduledJobs reports the currently scheduled target keys. Used by the API
// to display schedule state.
func (s *Scheduler) ScheduledJobs() []string {
	keys := make([]string, 0, len(s.jobIDs))
	for key := range s.jobIDs {
		keys = append(keys, key)
	}
	return keys
}
