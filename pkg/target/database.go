package target

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func init() {
	Register(config.KindDatabase, func(cfg config.TargetConfig, _ Options) (Target, error) {
		return newDatabaseTarget(cfg.Source)
	})
}

// databaseTarget backs up a PostgreSQL database with pg_dump and restores
// with psql. Source is a postgres:// connection URL.
type databaseTarget struct {
	source string
	dsn    string
	dbName string
}

func newDatabaseTarget(source string) (*databaseTarget, error) {
	if !strings.HasPrefix(source, "postgres://") && !strings.HasPrefix(source, "postgresql://") {
		return nil, &backuperr.ConfigurationError{
			Field:   "source",
			Message: fmt.Sprintf("database source must be a postgres:// URL, got %q", source),
		}
	}

	dsn, err := pq.ParseURL(source)
	if err != nil {
		return nil, &backuperr.ConfigurationError{
			Field:   "source",
			Message: fmt.Sprintf("invalid connection URL: %v", err),
		}
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, &backuperr.ConfigurationError{Field: "source", Message: err.Error()}
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "source",
			Message: "connection URL does not name a database",
		}
	}

	return &databaseTarget{source: source, dsn: dsn, dbName: dbName}, nil
}

func (t *databaseTarget) Kind() string   { return config.KindDatabase }
func (t *databaseTarget) Source() string { return t.source }

// ping verifies the server is reachable before shelling out to pg_dump, so
// connection problems surface as a clear error instead of tool output.
func (t *databaseTarget) ping(ctx context.Context) error {
	db, err := sql.Open("postgres", t.dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open connection")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "failed to ping database")
	}
	return nil
}

// CreateBackup streams pg_dump output through gzip into the staging dir.
func (t *databaseTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	if _, err := exec.LookPath("pg_dump"); err != nil {
		return nil, &backuperr.ExtractionError{
			Target:  t.dbName,
			Message: "pg_dump is not installed",
			Err:     err,
		}
	}
	if err := t.ping(ctx); err != nil {
		return nil, &backuperr.ExtractionError{Target: t.dbName, Message: "database unreachable", Err: err}
	}

	filename := t.dbName + ".sql.gz"
	path := filepath.Join(stagingDir, filename)

	out, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging file")
	}
	defer out.Close()

	gz := gzip.NewWriter(out)

	cmd := exec.CommandContext(ctx, "pg_dump", "--no-owner", "--no-privileges", "--dbname="+t.source)
	cmd.Stdout = gz
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logrus.WithField("database", t.dbName).Info("running pg_dump")
	if err := cmd.Run(); err != nil {
		gz.Close()
		os.Remove(path)
		return nil, &backuperr.ExtractionError{
			Target:  t.dbName,
			Message: "pg_dump failed",
			Output:  stderr.String(),
			Err:     err,
		}
	}
	if err := gz.Close(); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "failed to finish gzip stream")
	}
	if err := out.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync staging file")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{Filename: filename, LocalPath: path, SizeBytes: info.Size()}, nil
}

// Restore gunzips the artifact and pipes it into psql.
func (t *databaseTarget) Restore(ctx context.Context, artifactPath string) error {
	if _, err := exec.LookPath("psql"); err != nil {
		return &backuperr.ExtractionError{Target: t.dbName, Message: "psql is not installed", Err: err}
	}
	if err := t.ping(ctx); err != nil {
		return &backuperr.ExtractionError{Target: t.dbName, Message: "database unreachable", Err: err}
	}

	in, err := os.Open(artifactPath)
	if err != nil {
		return errors.Wrap(err, "failed to open artifact")
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return errors.Wrap(err, "artifact is not a gzip stream")
	}
	defer gz.Close()

	cmd := exec.CommandContext(ctx, "psql", "--dbname="+t.source)
	cmd.Stdin = gz
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logrus.WithField("database", t.dbName).Info("running psql restore")
	if err := cmd.Run(); err != nil {
		return &backuperr.ExtractionError{
			Target:  t.dbName,
			Message: "psql restore failed",
			Output:  stderr.String(),
			Err:     err,
		}
	}

	if lines := restoreErrorLines(stderr.String()); len(lines) > 0 {
		logrus.WithFields(logrus.Fields{
			"database": t.dbName,
			"errors":   len(lines),
		}).Warnf("psql reported problems during restore: %s", strings.Join(lines, "; "))
	}
	return nil
}

// restoreErrorLines filters psql stderr down to the lines that indicate real
// problems. Restoring into a non-empty database produces chatter that is not
// worth surfacing.
func restoreErrorLines(stderr string) []string {
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || benignRestoreWarning(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// benignRestoreWarning reports stderr lines psql emits on a normal restore
// into a non-empty database.
func benignRestoreWarning(line string) bool {
	return strings.Contains(line, "already exists") ||
		strings.Contains(line, "does not exist, skipping") ||
		strings.HasPrefix(line, "NOTICE:") ||
		strings.HasPrefix(line, "SET")
}
