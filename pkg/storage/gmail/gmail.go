// Package gmail retrieves backup artifacts that arrive as email attachments.
// Gmail is a download-only source: devices mail their backups in, and this
// provider finds them by subject pattern and pulls the attachment.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/storage"
)

func init() {
	storage.Register(config.ProviderGmail, func(cfg *config.StorageSettings, deps storage.Deps) (storage.Provider, error) {
		return NewClient(cfg.Gmail, deps)
	})
}

// Client searches a Gmail mailbox for backup attachments.
type Client struct {
	opts config.GmailOptions
	deps storage.Deps

	mu          sync.Mutex
	accessToken string
}

// NewClient creates a Gmail provider.
func NewClient(opts config.GmailOptions, deps storage.Deps) (*Client, error) {
	if opts.AccessToken == "" && opts.RefreshToken == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.gmail",
			Message: "gmail needs an access or refresh token",
		}
	}
	if opts.SubjectPattern == "" {
		return nil, &backuperr.ConfigurationError{
			Field:   "storage.gmail.subjectPattern",
			Message: "gmail needs a subject pattern to find backup mails",
		}
	}
	return &Client{opts: opts, deps: deps, accessToken: opts.AccessToken}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return config.ProviderGmail }

// apiEndpoint replaces the Gmail API base URL. Overridden in tests.
var apiEndpoint = ""

// service builds a Gmail API client over the pinned HTTP client.
func (c *Client) service(ctx context.Context, token string) (*gmailapi.Service, error) {
	if c.deps.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.deps.HTTPClient)
	}
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	opts := []option.ClientOption{option.WithHTTPClient(authed)}
	if apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(apiEndpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// withService runs fn, refreshing the access token and retrying exactly once
// when the API rejects it.
func (c *Client) withService(ctx context.Context, fn func(*gmailapi.Service) error) error {
	svc, err := c.service(ctx, c.token())
	if err != nil {
		return err
	}

	err = fn(svc)
	if !isUnauthorized(err) || c.deps.RefreshToken == nil {
		return err
	}

	logrus.Info("gmail access token rejected, refreshing")
	token, err := c.deps.RefreshToken(ctx, config.ProviderGmail)
	if err != nil {
		return fmt.Errorf("failed to refresh gmail token: %w", err)
	}
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()

	svc, err = c.service(ctx, token)
	if err != nil {
		return err
	}
	return fn(svc)
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 401
	}
	return false
}

// Upload is not supported: mail arrives from the devices, not from us.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	return &backuperr.TransportError{
		Provider: config.ProviderGmail,
		Op:       "upload",
		Err:      fmt.Errorf("gmail is a download-only source"),
	}
}

// searchMessages lists mailbox messages with attachments, newest first.
func (c *Client) searchMessages(svc *gmailapi.Service) ([]*gmailapi.Message, error) {
	query := "has:attachment"
	if c.opts.LabelName != "" {
		query += " label:" + c.opts.LabelName
	}

	list, err := svc.Users.Messages.List("me").Q(query).MaxResults(100).Do()
	if err != nil {
		return nil, err
	}
	return list.Messages, nil
}

func messageSubject(msg *gmailapi.Message) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if h.Name == "Subject" {
			return h.Value
		}
	}
	return ""
}

func firstAttachment(part *gmailapi.MessagePart) *gmailapi.MessagePart {
	if part == nil {
		return nil
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		return part
	}
	for _, child := range part.Parts {
		if found := firstAttachment(child); found != nil {
			return found
		}
	}
	return nil
}

// Download finds the newest message whose subject matches the pattern and
// returns its first attachment. The remote path is a regular expression, not
// an object key.
func (c *Client) Download(ctx context.Context, pattern string) ([]byte, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &backuperr.ConfigurationError{
			Field:   "subjectPattern",
			Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
		}
	}

	var data []byte
	err = c.withService(ctx, func(svc *gmailapi.Service) error {
		messages, err := c.searchMessages(svc)
		if err != nil {
			return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "search", Err: err}
		}

		for _, stub := range messages {
			msg, err := svc.Users.Messages.Get("me", stub.Id).Format("full").Do()
			if err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "get", Err: err}
			}
			if !re.MatchString(messageSubject(msg)) {
				continue
			}

			attachment := firstAttachment(msg.Payload)
			if attachment == nil {
				continue
			}

			body, err := svc.Users.Messages.Attachments.Get("me", msg.Id, attachment.Body.AttachmentId).Do()
			if err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "attachment", Err: err}
			}
			data, err = base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(body.Data)
			if err != nil {
				return fmt.Errorf("failed to decode attachment: %w", err)
			}

			logrus.WithFields(logrus.Fields{
				"subject":  messageSubject(msg),
				"filename": attachment.Filename,
			}).Info("downloaded backup attachment from Gmail")
			return nil
		}
		return &backuperr.NoMatchError{Provider: config.ProviderGmail, Pattern: pattern}
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete trashes the newest message matching the subject pattern. Used to
// acknowledge a consumed backup mail.
func (c *Client) Delete(ctx context.Context, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &backuperr.ConfigurationError{
			Field:   "subjectPattern",
			Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
		}
	}

	return c.withService(ctx, func(svc *gmailapi.Service) error {
		messages, err := c.searchMessages(svc)
		if err != nil {
			return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "search", Err: err}
		}
		for _, stub := range messages {
			msg, err := svc.Users.Messages.Get("me", stub.Id).Format("metadata").MetadataHeaders("Subject").Do()
			if err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "get", Err: err}
			}
			if !re.MatchString(messageSubject(msg)) {
				continue
			}
			if _, err := svc.Users.Messages.Trash("me", msg.Id).Do(); err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "trash", Err: err}
			}
			return nil
		}
		return &backuperr.NoMatchError{Provider: config.ProviderGmail, Pattern: pattern}
	})
}

// Acknowledge marks the newest matching message read without removing it.
func (c *Client) Acknowledge(ctx context.Context, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &backuperr.ConfigurationError{
			Field:   "subjectPattern",
			Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
		}
	}

	return c.withService(ctx, func(svc *gmailapi.Service) error {
		messages, err := c.searchMessages(svc)
		if err != nil {
			return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "search", Err: err}
		}
		for _, stub := range messages {
			msg, err := svc.Users.Messages.Get("me", stub.Id).Format("metadata").MetadataHeaders("Subject").Do()
			if err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "get", Err: err}
			}
			if !re.MatchString(messageSubject(msg)) {
				continue
			}
			mod := &gmailapi.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
			if _, err := svc.Users.Messages.Modify("me", msg.Id, mod).Do(); err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "modify", Err: err}
			}
			return nil
		}
		return &backuperr.NoMatchError{Provider: config.ProviderGmail, Pattern: pattern}
	})
}

// List reports matching backup mails as pseudo-objects: the path is the
// message subject.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	err := c.withService(ctx, func(svc *gmailapi.Service) error {
		messages, err := c.searchMessages(svc)
		if err != nil {
			return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "search", Err: err}
		}
		for _, stub := range messages {
			msg, err := svc.Users.Messages.Get("me", stub.Id).Format("metadata").MetadataHeaders("Subject").Do()
			if err != nil {
				return &backuperr.TransportError{Provider: config.ProviderGmail, Op: "get", Err: err}
			}
			subject := messageSubject(msg)
			if prefix != "" && !strings.Contains(subject, prefix) {
				continue
			}
			objects = append(objects, storage.ObjectInfo{
				Path:       subject,
				SizeBytes:  msg.SizeEstimate,
				ModifiedAt: milliToTime(msg.InternalDate),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

func milliToTime(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}
