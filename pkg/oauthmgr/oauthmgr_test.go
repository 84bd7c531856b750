package oauthmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

func newTestStore(t *testing.T, cfg *config.BackupConfiguration) *config.Store {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, store.Save(cfg))
	return store
}

func dropboxConfig() *config.BackupConfiguration {
	cfg := &config.BackupConfiguration{}
	cfg.Storage.Dropbox = config.DropboxOptions{
		AppKey:       "app-key",
		AppSecret:    "app-secret",
		RefreshToken: "refresh-1",
		RedirectURI:  "https://backup.example.com/oauth/callback",
	}
	return cfg
}

func TestAuthorizationURLDropbox(t *testing.T) {
	m := NewManager(newTestStore(t, dropboxConfig()), nil)

	raw, err := m.AuthorizationURL(config.ProviderDropbox, "state-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "app-key", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("token_access_type"))
	assert.Equal(t, "https://backup.example.com/oauth/callback", q.Get("redirect_uri"))
}

func TestAuthorizationURLRequiresRedirect(t *testing.T) {
	cfg := dropboxConfig()
	cfg.Storage.Dropbox.RedirectURI = ""
	m := NewManager(newTestStore(t, cfg), nil)

	_, err := m.AuthorizationURL(config.ProviderDropbox, "s")
	var cfgErr *backuperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Field, "redirectUri")
}

func TestRefreshPersistsNewAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "access-2", "token_type": "bearer", "expires_in": 14400}`))
	}))
	defer server.Close()

	orig := dropboxTokenURL
	dropboxTokenURL = server.URL
	t.Cleanup(func() { dropboxTokenURL = orig })

	store := newTestStore(t, dropboxConfig())
	m := NewManager(store, server.Client())

	access, err := m.Refresh(context.Background(), config.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, "access-2", access)

	// Persisted, and the stored refresh token survives a response without one.
	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-2", cfg.Storage.Dropbox.AccessToken)
	assert.Equal(t, "refresh-1", cfg.Storage.Dropbox.RefreshToken)
}

func TestRefreshSurfacesUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer server.Close()

	orig := dropboxTokenURL
	dropboxTokenURL = server.URL
	t.Cleanup(func() { dropboxTokenURL = orig })

	m := NewManager(newTestStore(t, dropboxConfig()), server.Client())

	_, err := m.Refresh(context.Background(), config.ProviderDropbox)
	var trErr *backuperr.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, http.StatusBadRequest, trErr.StatusCode)
	assert.Contains(t, trErr.Err.Error(), "invalid_grant")
}

func TestRefreshWithoutStoredToken(t *testing.T) {
	cfg := dropboxConfig()
	cfg.Storage.Dropbox.RefreshToken = ""
	m := NewManager(newTestStore(t, cfg), nil)

	_, err := m.Refresh(context.Background(), config.ProviderDropbox)
	var cfgErr *backuperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExchangePersistsBothTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "code-1", r.Form.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "access-1", "refresh_token": "refresh-new", "token_type": "bearer"}`))
	}))
	defer server.Close()

	orig := dropboxTokenURL
	dropboxTokenURL = server.URL
	t.Cleanup(func() { dropboxTokenURL = orig })

	store := newTestStore(t, dropboxConfig())
	m := NewManager(store, server.Client())

	require.NoError(t, m.Exchange(context.Background(), config.ProviderDropbox, "code-1"))

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-1", cfg.Storage.Dropbox.AccessToken)
	assert.Equal(t, "refresh-new", cfg.Storage.Dropbox.RefreshToken)
}

func TestNonOAuthProvider(t *testing.T) {
	m := NewManager(newTestStore(t, dropboxConfig()), nil)
	_, err := m.AuthorizationURL(config.ProviderLocal, "s")
	assert.ErrorContains(t, err, "does not use OAuth")
}
