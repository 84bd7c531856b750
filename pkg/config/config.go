// Package config provides the backup configuration document and its
// versioned file store.
package config

import (
	"fmt"
	"strings"
	"time"
)

// CurrentVersion is the configuration document version written by Save.
const CurrentVersion = 2

// Target kinds understood by the engine.
const (
	KindDatabase        = "database"
	KindFile            = "file"
	KindDirectory       = "directory"
	KindCsv             = "csv"
	KindImage           = "image"
	KindClientFile      = "clientfile"
	KindClientDirectory = "clientdirectory"
)

// Storage provider names understood by the factory.
const (
	ProviderLocal   = "local"
	ProviderS3      = "s3"
	ProviderDropbox = "dropbox"
	ProviderGmail   = "gmail"
)

// LocalOptions defines local filesystem storage settings.
type LocalOptions struct {
	BaseDirectory string `yaml:"baseDirectory"`
}

// S3Options defines S3 storage settings.
type S3Options struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Prefix    string `yaml:"prefix"`
}

// DropboxOptions defines Dropbox storage and OAuth settings.
type DropboxOptions struct {
	AccessToken  string `yaml:"accessToken"`
	RefreshToken string `yaml:"refreshToken"`
	AppKey       string `yaml:"appKey"`
	AppSecret    string `yaml:"appSecret"`
	BasePath     string `yaml:"basePath"`
	RedirectURI  string `yaml:"redirectUri,omitempty"`
}

// GmailOptions defines Gmail transport and OAuth settings. Gmail acts as a
// download/search source, not true storage.
type GmailOptions struct {
	AccessToken    string `yaml:"accessToken"`
	RefreshToken   string `yaml:"refreshToken"`
	ClientID       string `yaml:"clientId"`
	ClientSecret   string `yaml:"clientSecret"`
	SubjectPattern string `yaml:"subjectPattern"`
	LabelName      string `yaml:"labelName,omitempty"`
	RedirectURI    string `yaml:"redirectUri,omitempty"`
}

// StorageSettings groups the default provider choice and per-provider option
// blocks. The blocks are additive: updating one provider's credentials must
// never clear a sibling block, which is why mutation always goes through
// Store.WithConfig.
type StorageSettings struct {
	Default    string         `yaml:"default"`
	RequireAll bool           `yaml:"requireAll"`
	Local      LocalOptions   `yaml:"local"`
	S3         S3Options      `yaml:"s3,omitempty"`
	Dropbox    DropboxOptions `yaml:"dropbox,omitempty"`
	Gmail      GmailOptions   `yaml:"gmail,omitempty"`
}

// RetentionPolicy controls cleanup by age and/or count. Zero values disable
// the corresponding dimension.
type RetentionPolicy struct {
	Days       int `yaml:"days"`
	MaxBackups int `yaml:"maxBackups"`
}

// Enabled reports whether either retention dimension is configured.
func (p RetentionPolicy) Enabled() bool {
	return p.Days > 0 || p.MaxBackups > 0
}

// TargetConfig describes one backup target: what to back up, when, and where.
type TargetConfig struct {
	Kind      string           `yaml:"kind"`
	Source    string           `yaml:"source"`
	Schedule  string           `yaml:"schedule,omitempty"`
	Enabled   bool             `yaml:"enabled"`
	Provider  string           `yaml:"provider,omitempty"`  // single-provider override
	Providers []string         `yaml:"providers,omitempty"` // ordered multi-provider override
	Retention *RetentionPolicy `yaml:"retention,omitempty"`
}

// PathMapping remaps a host path to the execution environment's view of it.
type PathMapping struct {
	HostPath  string `yaml:"hostPath"`
	LocalPath string `yaml:"localPath"`
}

// BackupConfiguration is the process-wide configuration document.
type BackupConfiguration struct {
	Version      int             `yaml:"version"`
	UpdatedAt    time.Time       `yaml:"updatedAt,omitempty"`
	Storage      StorageSettings `yaml:"storage"`
	Targets      []TargetConfig  `yaml:"targets"`
	Retention    RetentionPolicy `yaml:"retention"`
	PathMappings []PathMapping   `yaml:"pathMappings,omitempty"`
	Debug        bool            `yaml:"debug"`
}

// TargetFor returns the configuration entry for the given kind+source, if any.
func (c *BackupConfiguration) TargetFor(kind, source string) *TargetConfig {
	for i := range c.Targets {
		if c.Targets[i].Kind == kind && c.Targets[i].Source == source {
			return &c.Targets[i]
		}
	}
	return nil
}

// RetentionFor resolves the retention policy for a target, falling back to
// the global default.
func (c *BackupConfiguration) RetentionFor(kind, source string) RetentionPolicy {
	if t := c.TargetFor(kind, source); t != nil && t.Retention != nil {
		return *t.Retention
	}
	return c.Retention
}

// RemapPath applies the configured path mappings to a host path. The longest
// matching prefix wins; unmapped paths pass through unchanged.
func (c *BackupConfiguration) RemapPath(hostPath string) string {
	best := ""
	mapped := hostPath
	for _, m := range c.PathMappings {
		if m.HostPath == "" {
			continue
		}
		if strings.HasPrefix(hostPath, m.HostPath) && len(m.HostPath) > len(best) {
			best = m.HostPath
			mapped = m.LocalPath + strings.TrimPrefix(hostPath, m.HostPath)
		}
	}
	return mapped
}

// setDefaults ensures all config fields have reasonable values.
func setDefaults(cfg *BackupConfiguration) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Storage.Default == "" {
		cfg.Storage.Default = ProviderLocal
	}
	if cfg.Storage.Local.BaseDirectory == "" {
		cfg.Storage.Local.BaseDirectory = "/backups"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.Dropbox.BasePath == "" {
		cfg.Storage.Dropbox.BasePath = "/backups"
	}
	if cfg.Retention.Days == 0 && cfg.Retention.MaxBackups == 0 {
		cfg.Retention = RetentionPolicy{Days: 30, MaxBackups: 10}
	}
}

// Validate checks the configuration document for operator mistakes.
func Validate(cfg *BackupConfiguration) error {
	switch cfg.Storage.Default {
	case ProviderLocal, ProviderS3, ProviderDropbox, ProviderGmail:
	default:
		return fmt.Errorf("unknown default storage provider: %s", cfg.Storage.Default)
	}

	if cfg.Storage.Local.BaseDirectory == "" {
		return fmt.Errorf("local base directory must be set; local is the last-resort fallback provider")
	}

	seen := make(map[string]bool)
	for _, t := range cfg.Targets {
		switch t.Kind {
		case KindDatabase, KindFile, KindDirectory, KindCsv, KindImage, KindClientFile, KindClientDirectory:
		default:
			return fmt.Errorf("target %q has unknown kind %q", t.Source, t.Kind)
		}
		if t.Source == "" {
			return fmt.Errorf("target of kind %s has no source identifier", t.Kind)
		}
		key := t.Kind + "|" + t.Source
		if seen[key] {
			return fmt.Errorf("duplicate target %s %s", t.Kind, t.Source)
		}
		seen[key] = true
		if t.Retention != nil && (t.Retention.Days < 0 || t.Retention.MaxBackups < 0) {
			return fmt.Errorf("target %s %s has negative retention values", t.Kind, t.Source)
		}
	}

	if cfg.Retention.Days < 0 || cfg.Retention.MaxBackups < 0 {
		return fmt.Errorf("global retention values must not be negative")
	}

	return nil
}

// MaskSensitive masks credential material for display and logging.
func MaskSensitive(value string) string {
	if value == "" {
		return "[not set]"
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
