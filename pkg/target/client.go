package target

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func init() {
	Register(config.KindClientFile, func(cfg config.TargetConfig, _ Options) (Target, error) {
		host, remotePath, err := splitClientSource(cfg.Source)
		if err != nil {
			return nil, err
		}
		return &clientFileTarget{source: cfg.Source, host: host, remotePath: remotePath}, nil
	})
	Register(config.KindClientDirectory, func(cfg config.TargetConfig, _ Options) (Target, error) {
		host, remotePath, err := splitClientSource(cfg.Source)
		if err != nil {
			return nil, err
		}
		return &clientDirTarget{source: cfg.Source, host: host, remotePath: remotePath}, nil
	})
}

// splitClientSource parses "host:/absolute/path". The colon split happens
// once so Windows-style paths are rejected rather than misparsed.
func splitClientSource(source string) (host, remotePath string, err error) {
	idx := strings.Index(source, ":")
	if idx <= 0 || idx == len(source)-1 {
		return "", "", &backuperr.ConfigurationError{
			Field:   "source",
			Message: fmt.Sprintf("client source must be host:path, got %q", source),
		}
	}
	return source[:idx], source[idx+1:], nil
}

func requireScp(target string) error {
	if _, err := exec.LookPath("scp"); err != nil {
		return &backuperr.ExtractionError{Target: target, Message: "scp is not installed", Err: err}
	}
	return nil
}

func runScp(ctx context.Context, target string, args ...string) error {
	cmd := exec.CommandContext(ctx, "scp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logrus.WithField("target", target).Debugf("scp %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return &backuperr.ExtractionError{
			Target:  target,
			Message: "scp failed",
			Output:  stderr.String(),
			Err:     err,
		}
	}
	return nil
}

// clientFileTarget copies one file from a remote host over scp. The artifact
// name is prefixed with the host so backups of the same path on different
// hosts stay distinguishable.
type clientFileTarget struct {
	source     string
	host       string
	remotePath string
}

func (t *clientFileTarget) Kind() string   { return config.KindClientFile }
func (t *clientFileTarget) Source() string { return t.source }

func (t *clientFileTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	if err := requireScp(t.source); err != nil {
		return nil, err
	}

	filename := t.host + "_" + path.Base(t.remotePath)
	local := filepath.Join(stagingDir, filename)
	if err := runScp(ctx, t.source, t.source, local); err != nil {
		return nil, err
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, &backuperr.ExtractionError{
			Target:  t.source,
			Message: "scp reported success but produced no file",
			Err:     err,
		}
	}
	return &Artifact{Filename: filename, LocalPath: local, SizeBytes: info.Size()}, nil
}

func (t *clientFileTarget) Restore(ctx context.Context, artifactPath string) error {
	if err := requireScp(t.source); err != nil {
		return err
	}
	return runScp(ctx, t.source, artifactPath, t.source)
}

// clientDirTarget pulls a remote directory with scp -r and stages it as a
// tar.gz archive.
type clientDirTarget struct {
	source     string
	host       string
	remotePath string
}

func (t *clientDirTarget) Kind() string   { return config.KindClientDirectory }
func (t *clientDirTarget) Source() string { return t.source }

func (t *clientDirTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	if err := requireScp(t.source); err != nil {
		return nil, err
	}

	pulled, err := os.MkdirTemp(stagingDir, "client-pull-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pull directory")
	}
	defer os.RemoveAll(pulled)

	if err := runScp(ctx, t.source, "-r", t.source, pulled); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(pulled)
	if err != nil || len(entries) == 0 {
		return nil, &backuperr.ExtractionError{
			Target:  t.source,
			Message: "scp reported success but produced no files",
			Err:     err,
		}
	}

	filename := t.host + "_" + path.Base(t.remotePath) + ".tar.gz"
	local := filepath.Join(stagingDir, filename)
	if err := archiveDirectory(filepath.Join(pulled, entries[0].Name()), local); err != nil {
		return nil, &backuperr.ExtractionError{Target: t.source, Message: "failed to archive directory", Err: err}
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, err
	}
	return &Artifact{Filename: filename, LocalPath: local, SizeBytes: info.Size()}, nil
}

func (t *clientDirTarget) Restore(ctx context.Context, artifactPath string) error {
	if err := requireScp(t.source); err != nil {
		return err
	}

	unpacked, err := os.MkdirTemp("", "client-restore-")
	if err != nil {
		return errors.Wrap(err, "failed to create restore directory")
	}
	defer os.RemoveAll(unpacked)

	if err := extractArchive(artifactPath, unpacked); err != nil {
		return &backuperr.ExtractionError{Target: t.source, Message: "failed to unpack archive", Err: err}
	}

	entries, err := os.ReadDir(unpacked)
	if err != nil || len(entries) == 0 {
		return &backuperr.ExtractionError{Target: t.source, Message: "archive contained no entries", Err: err}
	}
	return runScp(ctx, t.source, "-r", filepath.Join(unpacked, entries[0].Name()), t.source)
}
