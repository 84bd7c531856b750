// Package oauthmgr manages the OAuth token lifecycle for the cloud storage
// providers: building authorization URLs, exchanging codes, and refreshing
// access tokens. Every token change is persisted through the configuration
// store's fresh-load mutation so concurrent updates never clobber sibling
// provider blocks.
package oauthmgr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
)

// Overridden in tests.
var (
	dropboxAuthURL  = "https://www.dropbox.com/oauth2/authorize"
	dropboxTokenURL = "https://api.dropboxapi.com/oauth2/token"
	googleAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
)

const gmailScope = "https://www.googleapis.com/auth/gmail.modify"

// Manager drives the OAuth flows against the pinned HTTP client.
type Manager struct {
	store  *config.Store
	client *http.Client
}

// NewManager creates an OAuth manager. The client performs all token
// endpoint calls; pass the certificate-pinned one.
func NewManager(store *config.Store, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{store: store, client: client}
}

func (m *Manager) oauthConfig(cfg *config.BackupConfiguration, provider string) (*oauth2.Config, error) {
	switch provider {
	case config.ProviderDropbox:
		opts := cfg.Storage.Dropbox
		if opts.AppKey == "" || opts.AppSecret == "" {
			return nil, &backuperr.ConfigurationError{
				Field:   "storage.dropbox",
				Message: "dropbox OAuth needs appKey and appSecret",
			}
		}
		return &oauth2.Config{
			ClientID:     opts.AppKey,
			ClientSecret: opts.AppSecret,
			RedirectURL:  opts.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  dropboxAuthURL,
				TokenURL: dropboxTokenURL,
			},
		}, nil
	case config.ProviderGmail:
		opts := cfg.Storage.Gmail
		if opts.ClientID == "" || opts.ClientSecret == "" {
			return nil, &backuperr.ConfigurationError{
				Field:   "storage.gmail",
				Message: "gmail OAuth needs clientId and clientSecret",
			}
		}
		return &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       []string{gmailScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthURL,
				TokenURL: googleTokenURL,
			},
		}, nil
	default:
		return nil, fmt.Errorf("provider %q does not use OAuth", provider)
	}
}

// AuthorizationURL builds the URL the operator visits to grant access.
func (m *Manager) AuthorizationURL(provider, state string) (string, error) {
	cfg, err := m.store.Load()
	if err != nil {
		return "", err
	}

	oc, err := m.oauthConfig(cfg, provider)
	if err != nil {
		return "", err
	}
	if oc.RedirectURL == "" {
		return "", &backuperr.ConfigurationError{
			Field:   "storage." + provider + ".redirectUri",
			Message: "authorization flow needs a redirect URI",
		}
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if provider == config.ProviderDropbox {
		// Dropbox spells offline access its own way.
		opts = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("token_access_type", "offline")}
	} else {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return oc.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens and persists them.
func (m *Manager) Exchange(ctx context.Context, provider, code string) error {
	cfg, err := m.store.Load()
	if err != nil {
		return err
	}
	oc, err := m.oauthConfig(cfg, provider)
	if err != nil {
		return err
	}

	token, err := oc.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return describeTokenError(provider, "exchange", err)
	}

	logrus.WithField("provider", provider).Info("exchanged authorization code for tokens")
	return m.persist(provider, token.AccessToken, token.RefreshToken)
}

// Refresh trades the stored refresh token for a new access token, persists
// it, and returns it. A refresh token in the response replaces the stored
// one; an absent one is kept.
func (m *Manager) Refresh(ctx context.Context, provider string) (string, error) {
	cfg, err := m.store.Load()
	if err != nil {
		return "", err
	}
	oc, err := m.oauthConfig(cfg, provider)
	if err != nil {
		return "", err
	}

	refreshToken := storedRefreshToken(cfg, provider)
	if refreshToken == "" {
		return "", &backuperr.ConfigurationError{
			Field:   "storage." + provider + ".refreshToken",
			Message: "no refresh token stored, re-run the authorization flow",
		}
	}

	source := oc.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return "", describeTokenError(provider, "refresh", err)
	}

	logrus.WithField("provider", provider).Info("refreshed access token")
	if err := m.persist(provider, token.AccessToken, token.RefreshToken); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// httpContext routes oauth2's internal HTTP through our client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func storedRefreshToken(cfg *config.BackupConfiguration, provider string) string {
	switch provider {
	case config.ProviderDropbox:
		return cfg.Storage.Dropbox.RefreshToken
	case config.ProviderGmail:
		return cfg.Storage.Gmail.RefreshToken
	}
	return ""
}

// persist writes the new tokens into the provider's own block only. The
// mutation runs on a freshly loaded configuration so an update racing with
// another provider's cannot clobber it.
func (m *Manager) persist(provider, accessToken, refreshToken string) error {
	return m.store.WithConfig(func(cfg *config.BackupConfiguration) error {
		switch provider {
		case config.ProviderDropbox:
			cfg.Storage.Dropbox.AccessToken = accessToken
			if refreshToken != "" {
				cfg.Storage.Dropbox.RefreshToken = refreshToken
			}
		case config.ProviderGmail:
			cfg.Storage.Gmail.AccessToken = accessToken
			if refreshToken != "" {
				cfg.Storage.Gmail.RefreshToken = refreshToken
			}
		default:
			return fmt.Errorf("provider %q does not use OAuth", provider)
		}
		return nil
	})
}

// describeTokenError surfaces the upstream status and body when the token
// endpoint said no, instead of oauth2's generic wrapper text.
func describeTokenError(provider, op string, err error) error {
	if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
		return &backuperr.TransportError{
			Provider:   provider,
			Op:         op,
			StatusCode: retrieveErr.Response.StatusCode,
			Err:        fmt.Errorf("%s", string(retrieveErr.Body)),
		}
	}
	return fmt.Errorf("%s %s failed: %w", provider, op, err)
}
