// Package metrics provides Prometheus metrics for backup operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics
var (
	// BackupCount tracks backup attempts per target kind, source, and outcome
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_backup_total",
		Help: "The total number of backup attempts performed",
	}, []string{"kind", "source", "provider", "status"})

	// BackupDuration measures time taken to extract and upload one backup
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backupguard_backup_duration_seconds",
		Help:    "Time taken to perform one backup attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "provider"})

	// BackupSize tracks size of the last backup artifact in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backupguard_backup_size_bytes",
		Help: "Size of the last backup artifact in bytes",
	}, []string{"kind", "source", "provider"})

	// LastBackupTimestamp records the time of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backupguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"kind", "source"})

	// RetentionDeletes counts backups deleted by retention sweeps
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_retention_deletions_total",
		Help: "The total number of backups deleted by retention policy",
	}, []string{"kind", "provider"})

	// RestoreCount tracks restore attempts and outcomes
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_restore_total",
		Help: "The total number of restore attempts performed",
	}, []string{"kind", "source", "status"})

	// TokenRefreshCount tracks OAuth token refreshes per provider
	TokenRefreshCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backupguard_token_refresh_total",
		Help: "The total number of OAuth token refreshes",
	}, []string{"provider", "status"})
)

// StartMetricsServer starts the HTTP server for metrics and health checks.
// It blocks, so callers run it on its own goroutine.
func StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logrus.Infof("starting metrics server on port %s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("metrics server failed")
	}
}
