package config

import (
	"github.com/sirupsen/logrus"
)

// DisplayConfiguration logs the current configuration in a readable format
// while masking credential material.
func DisplayConfiguration(cfg *BackupConfiguration) {
	logrus.Info("========== BackupGuard Configuration ==========")
	logrus.Infof("Version: %d", cfg.Version)
	logrus.Infof("Debug Mode: %t", cfg.Debug)

	logrus.Info("----- Storage -----")
	logrus.Infof("Default Provider: %s", cfg.Storage.Default)
	logrus.Infof("Require All Providers: %t", cfg.Storage.RequireAll)
	logrus.Infof("Local Base Directory: %s", cfg.Storage.Local.BaseDirectory)

	if cfg.Storage.S3.Bucket != "" {
		logrus.Infof("S3 Bucket: %s (region %s)", cfg.Storage.S3.Bucket, cfg.Storage.S3.Region)
		logrus.Infof("S3 Access Key: %s", MaskSensitive(cfg.Storage.S3.AccessKey))
		logrus.Infof("S3 Secret Key: %s", MaskSensitive(cfg.Storage.S3.SecretKey))
		logrus.Infof("S3 Prefix: %s", cfg.Storage.S3.Prefix)
	}

	if cfg.Storage.Dropbox.AppKey != "" || cfg.Storage.Dropbox.AccessToken != "" {
		logrus.Infof("Dropbox App Key: %s", MaskSensitive(cfg.Storage.Dropbox.AppKey))
		logrus.Infof("Dropbox Access Token: %s", MaskSensitive(cfg.Storage.Dropbox.AccessToken))
		logrus.Infof("Dropbox Refresh Token: %s", MaskSensitive(cfg.Storage.Dropbox.RefreshToken))
		logrus.Infof("Dropbox Base Path: %s", cfg.Storage.Dropbox.BasePath)
	}

	if cfg.Storage.Gmail.ClientID != "" || cfg.Storage.Gmail.AccessToken != "" {
		logrus.Infof("Gmail Client ID: %s", MaskSensitive(cfg.Storage.Gmail.ClientID))
		logrus.Infof("Gmail Access Token: %s", MaskSensitive(cfg.Storage.Gmail.AccessToken))
		logrus.Infof("Gmail Subject Pattern: %s", cfg.Storage.Gmail.SubjectPattern)
		logrus.Infof("Gmail Label: %s", cfg.Storage.Gmail.LabelName)
	}

	logrus.Info("----- Retention -----")
	logrus.Infof("Days: %d, Max Backups: %d", cfg.Retention.Days, cfg.Retention.MaxBackups)

	logrus.Info("----- Targets -----")
	if len(cfg.Targets) == 0 {
		logrus.Info("No targets configured.")
	}
	for _, t := range cfg.Targets {
		logrus.Infof("Target: kind=%s source=%s enabled=%t schedule=%q", t.Kind, t.Source, t.Enabled, t.Schedule)
		if t.Provider != "" {
			logrus.Infof("  Provider Override: %s", t.Provider)
		}
		if len(t.Providers) > 0 {
			logrus.Infof("  Provider List Override: %v", t.Providers)
		}
		if t.Retention != nil {
			logrus.Infof("  Retention Override: days=%d maxBackups=%d", t.Retention.Days, t.Retention.MaxBackups)
		}
	}

	if len(cfg.PathMappings) > 0 {
		logrus.Info("----- Path Mappings -----")
		for _, m := range cfg.PathMappings {
			logrus.Infof("%s -> %s", m.HostPath, m.LocalPath)
		}
	}

	logrus.Info("==============================================")
}
