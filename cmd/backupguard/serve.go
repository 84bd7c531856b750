package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/denkoushi/backupguard/pkg/api"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/metrics"
	"github.com/denkoushi/backupguard/pkg/scheduler"
)

var (
	listenAddr  string
	metricsPort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the management API",
	Long: `Start the long-running service: scheduled backups fire per target
cron expression, retention sweeps run hourly, and the JSON API and
Prometheus metrics are served over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "management API listen address")
	serveCmd.Flags().StringVar(&metricsPort, "metrics-port", "9090", "Prometheus metrics port")
}

func runServe() error {
	eng, cfgStore, ledger, oauth, err := buildEngine()
	if err != nil {
		return err
	}

	if debug {
		cfg, err := cfgStore.Load()
		if err != nil {
			return err
		}
		config.DisplayConfiguration(cfg)
	}

	sched := scheduler.NewScheduler(eng, cfgStore)
	if err := sched.SetupJobs(); err != nil {
		return err
	}
	sched.Start()

	go metrics.StartMetricsServer(metricsPort)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.NewServer(eng, ledger, oauth, sched).Handler(),
	}
	go func() {
		logrus.WithField("addr", listenAddr).Info("management API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("management API failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logrus.WithField("signal", s.String()).Info("shutting down")

	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
