package target

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func init() {
	Register(config.KindCsv, func(cfg config.TargetConfig, opts Options) (Target, error) {
		if cfg.Source == "" {
			return nil, &backuperr.ConfigurationError{Field: "source", Message: "csv target needs a dataset name"}
		}
		if opts.ExportCSV == nil {
			return nil, &backuperr.ConfigurationError{
				Field:   "targets",
				Message: "csv targets need an exporter wired by the host process",
			}
		}
		return &csvTarget{dataset: cfg.Source, export: opts.ExportCSV}, nil
	})
}

// csvTarget exports one named dataset through the host-provided exporter.
type csvTarget struct {
	dataset string
	export  func(ctx context.Context, dataset string, w io.Writer) error
}

func (t *csvTarget) Kind() string   { return config.KindCsv }
func (t *csvTarget) Source() string { return t.dataset }

func (t *csvTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	filename := t.dataset + ".csv"
	path := filepath.Join(stagingDir, filename)

	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	if err := t.export(ctx, t.dataset, out); err != nil {
		out.Close()
		os.Remove(path)
		return nil, &backuperr.ExtractionError{Target: t.dataset, Message: "csv export failed", Err: err}
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, &backuperr.ExtractionError{Target: t.dataset, Message: "csv export produced no rows"}
	}
	return &Artifact{Filename: filename, LocalPath: path, SizeBytes: info.Size()}, nil
}
