package target

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func init() {
	factory := func(kind string) Factory {
		return func(cfg config.TargetConfig, _ Options) (Target, error) {
			if cfg.Source == "" {
				return nil, &backuperr.ConfigurationError{Field: "source", Message: kind + " target needs a path"}
			}
			return &directoryTarget{kind: kind, source: cfg.Source}, nil
		}
	}
	Register(config.KindDirectory, factory(config.KindDirectory))
	// Image collections back up exactly like directories; the kind only
	// drives scheduling, retention, and ledger grouping.
	Register(config.KindImage, factory(config.KindImage))
}

// directoryTarget stages a local directory tree as a tar.gz archive.
type directoryTarget struct {
	kind   string
	source string
}

func (t *directoryTarget) Kind() string   { return t.kind }
func (t *directoryTarget) Source() string { return t.source }

func (t *directoryTarget) CreateBackup(ctx context.Context, stagingDir string) (*Artifact, error) {
	info, err := os.Stat(t.source)
	if err != nil {
		return nil, &backuperr.ExtractionError{Target: t.source, Message: "source directory not readable", Err: err}
	}
	if !info.IsDir() {
		return nil, &backuperr.ConfigurationError{
			Field:   "source",
			Message: fmt.Sprintf("%s is not a directory", t.source),
		}
	}

	filename := filepath.Base(filepath.Clean(t.source)) + ".tar.gz"
	local := filepath.Join(stagingDir, filename)
	if err := archiveDirectory(t.source, local); err != nil {
		return nil, &backuperr.ExtractionError{Target: t.source, Message: "failed to archive directory", Err: err}
	}

	fi, err := os.Stat(local)
	if err != nil {
		return nil, err
	}
	return &Artifact{Filename: filename, LocalPath: local, SizeBytes: fi.Size()}, nil
}

func (t *directoryTarget) Restore(ctx context.Context, artifactPath string) error {
	if err := os.MkdirAll(t.source, 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	if err := extractArchive(artifactPath, t.source); err != nil {
		return &backuperr.ExtractionError{Target: t.source, Message: "failed to unpack archive", Err: err}
	}
	return nil
}

// archiveDirectory writes root's contents into a tar.gz file at dst.
// Entry names are relative to root so restores land where they are pointed.
func archiveDirectory(root, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// extractArchive unpacks a tar.gz file into dir, refusing entries that would
// escape it.
func extractArchive(src, dir string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		dest := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
