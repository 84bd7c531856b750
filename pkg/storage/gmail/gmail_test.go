package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func testOptions() config.GmailOptions {
	return config.GmailOptions{AccessToken: "tok", SubjectPattern: "backup .*"}
}

func TestNewClientRequiresTokens(t *testing.T) {
	_, err := NewClient(config.GmailOptions{SubjectPattern: "backup .*"}, storage.Deps{})
	var cfgErr *backuperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage.gmail", cfgErr.Field)
}

func TestNewClientRequiresSubjectPattern(t *testing.T) {
	_, err := NewClient(config.GmailOptions{AccessToken: "tok"}, storage.Deps{})
	var cfgErr *backuperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage.gmail.subjectPattern", cfgErr.Field)
}

func TestUploadUnsupported(t *testing.T) {
	client, err := NewClient(testOptions(), storage.Deps{})
	require.NoError(t, err)

	err = client.Upload(context.Background(), "/tmp/x", "y")
	var trErr *backuperr.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "upload", trErr.Op)
}

func TestDownloadRejectsBadPattern(t *testing.T) {
	client, err := NewClient(testOptions(), storage.Deps{})
	require.NoError(t, err)

	_, err = client.Download(context.Background(), "backup[")
	var cfgErr *backuperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDownloadEmptyMailboxIsNoMatch(t *testing.T) {
	// An empty search result must surface as a no-match, not a transport
	// failure, so the engine can fall back to the alternate pattern.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&gmailapi.ListMessagesResponse{})
	}))
	defer srv.Close()

	prev := apiEndpoint
	apiEndpoint = srv.URL
	defer func() { apiEndpoint = prev }()

	client, err := NewClient(testOptions(), storage.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)

	_, err = client.Download(context.Background(), "backup pi-client1 .*")
	require.Error(t, err)
	assert.True(t, backuperr.IsNoMatch(err))
}

func TestMessageSubject(t *testing.T) {
	msg := &gmailapi.Message{
		Payload: &gmailapi.MessagePart{
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: "device@example.com"},
				{Name: "Subject", Value: "backup pi-client1 2026-08-28"},
			},
		},
	}
	assert.Equal(t, "backup pi-client1 2026-08-28", messageSubject(msg))
	assert.Equal(t, "", messageSubject(&gmailapi.Message{}))
}

func TestFirstAttachmentRecursesIntoParts(t *testing.T) {
	payload := &gmailapi.MessagePart{
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: "aGk"}},
			{
				MimeType: "multipart/mixed",
				Parts: []*gmailapi.MessagePart{
					{
						Filename: "config.toml",
						Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1"},
					},
				},
			},
		},
	}

	found := firstAttachment(payload)
	require.NotNil(t, found)
	assert.Equal(t, "config.toml", found.Filename)
	assert.Nil(t, firstAttachment(&gmailapi.MessagePart{}))
}
