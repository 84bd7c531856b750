package main

import (
	"database/sql"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/engine"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/oauthmgr"
	"github.com/denkoushi/backupguard/pkg/pinning"
	"github.com/denkoushi/backupguard/pkg/target"

	// Storage providers register themselves on import.
	_ "github.com/denkoushi/backupguard/pkg/storage/dropbox"
	_ "github.com/denkoushi/backupguard/pkg/storage/gmail"
	_ "github.com/denkoushi/backupguard/pkg/storage/local"
	_ "github.com/denkoushi/backupguard/pkg/storage/s3"
)

var (
	cfgFile     string
	historyFile string
	historyDSN  string
	csvDSN      string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "backupguard",
	Short: "Backup orchestration across local, S3, Dropbox and Gmail storage",
	Long: `BackupGuard backs up databases, files, directories, disk images and
remote client paths to one or more storage providers, keeps a durable
history ledger of every attempt, and prunes old backups per retention
policy.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/backupguard/config.yaml", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&historyFile, "history-file", "/var/lib/backupguard/history.json", "file-backed history ledger path")
	rootCmd.PersistentFlags().StringVar(&historyDSN, "history-dsn", "", "MySQL DSN for the history ledger (file-backed when empty)")
	rootCmd.PersistentFlags().StringVar(&csvDSN, "csv-dsn", "", "PostgreSQL DSN for CSV dataset exports")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(fingerprintCmd)
}

// buildEngine wires the full stack: config store, ledger, pinned HTTP
// client, OAuth manager and the orchestration engine.
func buildEngine() (*engine.Engine, *config.Store, history.Store, *oauthmgr.Manager, error) {
	cfgStore := config.NewStore(cfgFile)
	cfg, err := cfgStore.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, nil, nil, err
	}

	var ledger history.Store
	if historyDSN != "" {
		ledger, err = history.NewDBStore(historyDSN)
	} else {
		ledger, err = history.NewFileStore(historyFile)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}

	httpClient := pinning.NewClient(2 * time.Minute)
	oauth := oauthmgr.NewManager(cfgStore, httpClient)

	opts := target.Options{}
	if csvDSN != "" {
		db, err := sql.Open("postgres", csvDSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		opts.ExportCSV = target.NewSQLExporter(db)
	}

	eng := engine.New(cfgStore, ledger, oauth, httpClient, opts)
	return eng, cfgStore, ledger, oauth, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
