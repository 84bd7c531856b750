package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func init() {
	Register(config.KindFile, func(cfg config.TargetConfig, _ Options) (Target, error) {
		if cfg.Source == "" {
			return nil, &backuperr.ConfigurationError{Field: "source", Message: "file target needs a path"}
		}
		return &fileTarget{source: cfg.Source}, nil
	})
}

// fileTarget stages a single local file as-is.
type fileTarget struct {
	source string
}

func (t *fileTarget) Kind() string   { return config.KindFile }
func (t *fileTarget) Source() string { return t.source }

func (t *fileTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	info, err := os.Stat(t.source)
	if err != nil {
		return nil, &backuperr.ExtractionError{Target: t.source, Message: "source file not readable", Err: err}
	}
	if info.IsDir() {
		return nil, &backuperr.ConfigurationError{
			Field:   "source",
			Message: fmt.Sprintf("%s is a directory, use a directory target", t.source),
		}
	}

	filename := filepath.Base(t.source)
	path := filepath.Join(stagingDir, filename)
	size, err := copyFile(t.source, path)
	if err != nil {
		return nil, &backuperr.ExtractionError{Target: t.source, Message: "failed to stage file", Err: err}
	}
	return &Artifact{Filename: filename, LocalPath: path, SizeBytes: size}, nil
}

func (t *fileTarget) Restore(ctx context.Context, artifactPath string) error {
	if err := os.MkdirAll(filepath.Dir(t.source), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if _, err := copyFile(artifactPath, t.source); err != nil {
		return &backuperr.ExtractionError{Target: t.source, Message: "failed to restore file", Err: err}
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Sync()
}
