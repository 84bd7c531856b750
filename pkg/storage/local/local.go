// Package local handles local filesystem storage of backup artifacts.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func init() {
	storage.Register(config.ProviderLocal, func(cfg *config.StorageSettings, _ storage.Deps) (storage.Provider, error) {
		return NewClient(cfg.Local.BaseDirectory)
	})
}

// Client stores artifacts under a base directory.
type Client struct {
	baseDir string
}

// NewClient creates a local storage client rooted at baseDir.
func NewClient(baseDir string) (*Client, error) {
	if baseDir == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.local.baseDirectory",
			Message: "local storage needs a base directory",
		}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
	}
	return &Client{baseDir: baseDir}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return config.ProviderLocal }

func (c *Client) absPath(remotePath string) (string, error) {
	abs := filepath.Join(c.baseDir, filepath.FromSlash(remotePath))
	if !strings.HasPrefix(abs, filepath.Clean(c.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("remote path %q escapes the storage base directory", remotePath)
	}
	return abs, nil
}

// Upload copies the local file into the base directory tree.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	dst, err := c.absPath(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	return out.Sync()
}

// Download reads a stored object.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	abs, err := c.absPath(remotePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, &backuperr.NoMatchError{Provider: config.ProviderLocal, Pattern: remotePath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	return data, nil
}

// Delete removes a stored object and prunes directories it leaves empty.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	abs, err := c.absPath(remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("failed to delete backup file: %w", err)
	}

	dir := filepath.Dir(abs)
	for dir != filepath.Clean(c.baseDir) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// List walks the base directory and returns objects under prefix, oldest
// first.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	err := filepath.Walk(c.baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.baseDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}
		objects = append(objects, storage.ObjectInfo{
			Path:       rel,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ModifiedAt.Before(objects[j].ModifiedAt)
	})
	return objects, nil
}
