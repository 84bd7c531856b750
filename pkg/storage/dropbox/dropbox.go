// Package dropbox stores backup artifacts in Dropbox over its HTTP API.
// The API calls ride on the certificate-pinned client, which is why this
// package speaks HTTP directly instead of going through an SDK transport it
// cannot control.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

// Overridden in tests.
var (
	apiBase     = "https://api.dropboxapi.com/2"
	contentBase = "https://content.dropboxapi.com/2"
)

func init() {
	storage.Register(config.ProviderDropbox, func(cfg *config.StorageSettings, deps storage.Deps) (storage.Provider, error) {
		return NewClient(cfg.Dropbox, deps)
	})
}

// Client talks to the Dropbox HTTP API.
type Client struct {
	basePath string
	deps     storage.Deps

	mu          sync.Mutex
	accessToken string
}

// NewClient creates a Dropbox storage client.
func NewClient(opts config.DropboxOptions, deps storage.Deps) (*Client, error) {
	if opts.AccessToken == "" && opts.RefreshToken == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.dropbox",
			Message: "dropbox storage needs an access or refresh token",
		}
	}
	if deps.HTTPClient == nil {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.dropbox",
			Message: "dropbox storage needs an HTTP client",
		}
	}
	return &Client{
		basePath:    opts.BasePath,
		deps:        deps,
		accessToken: opts.AccessToken,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return config.ProviderDropbox }

func (c *Client) remote(remotePath string) string {
	return path.Join(c.basePath, remotePath)
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// do sends the request, refreshing the access token and retrying exactly
// once on 401. Callers own the response body on success.
func (c *Client) do(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	req, err := build(c.token())
	if err != nil {
		return nil, err
	}
	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if c.deps.RefreshToken == nil {
		return nil, &backuperr.TransportError{
			Provider: config.ProviderDropbox, Op: "auth", StatusCode: http.StatusUnauthorized,
			Err: fmt.Errorf("access token rejected and no refresh is configured"),
		}
	}

	logrus.Info("dropbox access token rejected, refreshing")
	token, err := c.deps.RefreshToken(ctx, config.ProviderDropbox)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh dropbox token: %w", err)
	}
	c.setToken(token)

	req, err = build(token)
	if err != nil {
		return nil, err
	}
	return c.deps.HTTPClient.Do(req)
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &backuperr.TransportError{
		Provider:   config.ProviderDropbox,
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
}

// notFound reports a 409 response whose error summary is a path lookup miss.
func notFound(resp *http.Response, body []byte) bool {
	if resp.StatusCode != http.StatusConflict {
		return false
	}
	return bytes.Contains(body, []byte("not_found"))
}

// Upload stores the local file, overwriting any object already at the path.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	arg, err := json.Marshal(map[string]interface{}{
		"path": c.remote(remotePath),
		"mode": "overwrite",
		"mute": true,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, func(token string) (*http.Request, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentBase+"/files/upload", f)
		if err != nil {
			f.Close()
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Dropbox-API-Arg", string(arg))
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError("upload", resp)
	}
	logrus.WithField("path", c.remote(remotePath)).Info("uploaded backup to Dropbox")
	return nil
}

// Download fetches an object by exact path.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	arg, err := json.Marshal(map[string]string{"path": c.remote(remotePath)})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentBase+"/files/download", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Dropbox-API-Arg", string(arg))
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if notFound(resp, body) {
			return nil, &backuperr.NoMatchError{Provider: config.ProviderDropbox, Pattern: remotePath}
		}
		return nil, &backuperr.TransportError{
			Provider: config.ProviderDropbox, Op: "download", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return io.ReadAll(resp.Body)
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	payload, err := json.Marshal(map[string]string{"path": c.remote(remotePath)})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files/delete_v2", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if notFound(resp, body) {
			return &backuperr.NoMatchError{Provider: config.ProviderDropbox, Pattern: remotePath}
		}
		return &backuperr.TransportError{
			Provider: config.ProviderDropbox, Op: "delete", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return nil
}

type listEntry struct {
	Tag            string    `json:".tag"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

type listResponse struct {
	Entries []listEntry `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

// List returns objects under prefix, oldest first. Dropbox paginates with a
// cursor, so the folder listing may take several calls.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo

	url := apiBase + "/files/list_folder"
	payload, err := json.Marshal(map[string]interface{}{
		"path":      c.basePath,
		"recursive": true,
	})
	if err != nil {
		return nil, err
	}

	for {
		body := payload
		resp, err := c.do(ctx, func(token string) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if notFound(resp, raw) {
				return nil, nil
			}
			return nil, &backuperr.TransportError{
				Provider: config.ProviderDropbox, Op: "list", StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%s", strings.TrimSpace(string(raw))),
			}
		}

		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode list response: %w", err)
		}

		for _, entry := range page.Entries {
			if entry.Tag != "file" {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(entry.PathDisplay, c.basePath), "/")
			if prefix != "" && !strings.HasPrefix(rel, prefix) {
				continue
			}
			objects = append(objects, storage.ObjectInfo{
				Path:       rel,
				SizeBytes:  entry.Size,
				ModifiedAt: entry.ServerModified,
			})
		}

		if !page.HasMore {
			break
		}
		url = apiBase + "/files/list_folder/continue"
		payload, err = json.Marshal(map[string]string{"cursor": page.Cursor})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ModifiedAt.Before(objects[j].ModifiedAt)
	})
	return objects, nil
}
