package dropbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func newTestClient(t *testing.T, handler http.Handler, deps storage.Deps) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	origAPI, origContent := apiBase, contentBase
	apiBase = server.URL
	contentBase = server.URL
	t.Cleanup(func() { apiBase, contentBase = origAPI, origContent })

	if deps.HTTPClient == nil {
		deps.HTTPClient = server.Client()
	}
	client, err := NewClient(config.DropboxOptions{
		AccessToken: "token-1",
		BasePath:    "/backups",
	}, deps)
	require.NoError(t, err)
	return client
}

func stageFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUploadSendsAPIArg(t *testing.T) {
	var gotArg, gotBody, gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/upload", r.URL.Path)
		gotArg = r.Header.Get("Dropbox-API-Arg")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{}`))
	})

	client := newTestClient(t, handler, storage.Deps{})
	err := client.Upload(context.Background(), stageFile(t, "dump-bytes"), "database/run1/app.sql.gz")
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "dump-bytes", gotBody)

	var arg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(gotArg), &arg))
	assert.Equal(t, "/backups/database/run1/app.sql.gz", arg["path"])
	assert.Equal(t, "overwrite", arg["mode"])
}

func TestDownloadNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error_summary": "path/not_found/..."}`))
	})

	client := newTestClient(t, handler, storage.Deps{})
	_, err := client.Download(context.Background(), "database/missing/app.sql.gz")
	assert.True(t, backuperr.IsNoMatch(err))
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("fresh-bytes"))
	})

	var refreshed int32
	deps := storage.Deps{
		RefreshToken: func(_ context.Context, provider string) (string, error) {
			atomic.AddInt32(&refreshed, 1)
			assert.Equal(t, config.ProviderDropbox, provider)
			return "token-2", nil
		},
	}

	client := newTestClient(t, handler, deps)
	data, err := client.Download(context.Background(), "database/run1/app.sql.gz")
	require.NoError(t, err)
	assert.Equal(t, "fresh-bytes", string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUnauthorizedWithoutRefreshFails(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := newTestClient(t, handler, storage.Deps{})
	_, err := client.Download(context.Background(), "database/run1/app.sql.gz")
	var trErr *backuperr.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, http.StatusUnauthorized, trErr.StatusCode)
}

func TestDeleteSendsPath(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/delete_v2", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotPath = payload["path"]
		w.Write([]byte(`{}`))
	})

	client := newTestClient(t, handler, storage.Deps{})
	require.NoError(t, client.Delete(context.Background(), "database/run1/app.sql.gz"))
	assert.Equal(t, "/backups/database/run1/app.sql.gz", gotPath)
}

func TestListPaginatesWithCursor(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/list_folder":
			w.Write([]byte(`{
				"entries": [
					{".tag": "folder", "path_display": "/backups/database"},
					{".tag": "file", "path_display": "/backups/database/run1/app.sql.gz",
					 "size": 10, "server_modified": "2026-08-27T03:15:00Z"}
				],
				"cursor": "c1",
				"has_more": true
			}`))
		case "/files/list_folder/continue":
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Equal(t, "c1", payload["cursor"])
			w.Write([]byte(`{
				"entries": [
					{".tag": "file", "path_display": "/backups/database/run2/app.sql.gz",
					 "size": 12, "server_modified": "2026-08-28T03:15:00Z"}
				],
				"has_more": false
			}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	client := newTestClient(t, handler, storage.Deps{})
	objects, err := client.List(context.Background(), "database/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "database/run1/app.sql.gz", objects[0].Path)
	assert.Equal(t, "database/run2/app.sql.gz", objects[1].Path)
	assert.True(t, strings.HasPrefix(objects[0].Path, "database/"))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.DropboxOptions{}, storage.Deps{HTTPClient: http.DefaultClient})
	var cfgErr *backuperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
