// Package api exposes the engine over a JSON HTTP interface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denkoushi/backupguard/pkg/backuperr"
	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/engine"
	"github.com/denkoushi/backupguard/pkg/history"
	"github.com/denkoushi/backupguard/pkg/oauthmgr"
	"github.com/denkoushi/backupguard/pkg/scheduler"
)

// Server serves the management API.
type Server struct {
	eng    *engine.Engine
	ledger history.Store
	oauth  *oauthmgr.Manager
	sched  *scheduler.Scheduler
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, ledger history.Store, oauth *oauthmgr.Manager, sched *scheduler.Scheduler) *Server {
	return &Server{eng: eng, ledger: ledger, oauth: oauth, sched: sched}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/backups/run", s.handleRunBackup)
	mux.HandleFunc("/api/backups/get", s.handleGetBackup)
	mux.HandleFunc("/api/backups", s.handleListBackups)
	mux.HandleFunc("/api/backups/download", s.handleDownloadURL)
	mux.HandleFunc("/api/restore", s.handleRestore)
	mux.HandleFunc("/api/schedules/reload", s.handleReloadSchedules)
	mux.HandleFunc("/api/schedules", s.handleListSchedules)
	mux.HandleFunc("/api/cleanup", s.handleCleanup)
	mux.HandleFunc("/api/purge", s.handlePurge)
	mux.HandleFunc("/api/oauth/url", s.handleOAuthURL)
	mux.HandleFunc("/api/oauth/exchange", s.handleOAuthExchange)
	mux.HandleFunc("/api/oauth/refresh", s.handleOAuthRefresh)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("failed to encode API response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var cfgErr *backuperr.ConfigurationError
	var intErr *backuperr.IntegrityError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case backuperr.IsNoMatch(err):
		status = http.StatusNotFound
	case errors.As(err, &intErr):
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

type runBackupRequest struct {
	Kind     string            `json:"kind"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if req.Kind == "" || req.Source == "" {
		writeError(w, &backuperr.ConfigurationError{Field: "kind/source", Message: "both are required"})
		return
	}

	result, err := s.sched.RunOnce(r.Context(), req.Kind, req.Source, req.Metadata)
	if err != nil {
		// Partial results still go out so the caller sees per-provider
		// outcomes alongside the aggregate failure.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"providers": providersOf(result),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func providersOf(result *engine.Result) []engine.ProviderResult {
	if result == nil {
		return nil
	}
	return result.Providers
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	opts := history.QueryOptions{
		Status:       history.Status(query.Get("status")),
		Operation:    history.OperationType(query.Get("operation")),
		TargetKind:   query.Get("kind"),
		TargetSource: query.Get("source"),
		Provider:     query.Get("provider"),
		Offset:       parseInt(query.Get("offset"), 0),
		Limit:        parseInt(query.Get("limit"), 50),
	}
	if startDate := query.Get("startDate"); startDate != "" {
		if t, err := time.Parse("2006-01-02", startDate); err == nil {
			opts.StartDate = &t
		}
	}
	if endDate := query.Get("endDate"); endDate != "" {
		if t, err := time.Parse("2006-01-02", endDate); err == nil {
			opts.EndDate = &t
		}
	}

	records, total, err := s.ledger.Query(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": records,
		"total":   total,
	})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, &backuperr.ConfigurationError{Field: "id", Message: "id is required"})
		return
	}

	rec, found, err := s.ledger.GetByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "no backup with id " + id,
		})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDownloadURL hands out a presigned direct download URL for providers
// that support it.
func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	provider := query.Get("provider")
	path := query.Get("path")
	if provider == "" || path == "" {
		writeError(w, &backuperr.ConfigurationError{Field: "provider/path", Message: "both are required"})
		return
	}
	expiry := time.Duration(parseInt(query.Get("expirySeconds"), 900)) * time.Second

	url, err := s.eng.PresignDownload(r.Context(), provider, path, expiry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.sched.ScheduledJobs()})
}

// handleReloadSchedules re-reads the configuration and rebuilds the cron
// jobs, so target edits take effect without a restart.
func (s *Server) handleReloadSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sched.ReloadSchedules(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    s.sched.ScheduledJobs(),
	})
}

type restoreRequest struct {
	Kind       string `json:"kind"`
	Source     string `json:"source"`
	BackupPath string `json:"backupPath"`
	Verify     bool   `json:"verify"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if req.Kind == "" || req.Source == "" || req.BackupPath == "" {
		writeError(w, &backuperr.ConfigurationError{
			Field:   "kind/source/backupPath",
			Message: "all are required",
		})
		return
	}

	result, err := s.eng.Restore(r.Context(), req.Kind, req.Source, req.BackupPath, req.Verify)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cleanupRequest struct {
	Kind      string                  `json:"kind"`
	Source    string                  `json:"source"`
	Retention *config.RetentionPolicy `json:"retention,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if req.Kind == "" || req.Source == "" {
		writeError(w, &backuperr.ConfigurationError{Field: "kind/source", Message: "both are required"})
		return
	}

	deleted, err := s.eng.RunRetention(r.Context(), req.Kind, req.Source, req.Retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}

type purgeRequest struct {
	Provider     string                 `json:"provider"`
	AnchorPrefix string                 `json:"anchorPrefix"`
	Retention    config.RetentionPolicy `json:"retention"`
}

// handlePurge runs the anchored cross-kind purge on one provider. The purge
// refuses to act when no object carries the anchor prefix, and the response
// reports why.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if req.Provider == "" || req.AnchorPrefix == "" {
		writeError(w, &backuperr.ConfigurationError{Field: "provider/anchorPrefix", Message: "both are required"})
		return
	}

	plan, deleted, err := s.eng.SelectivePurge(r.Context(), req.Provider, req.AnchorPrefix, req.Retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": plan.Reason == "",
		"reason":  plan.Reason,
		"kept":    len(plan.Keep),
		"deleted": deleted,
	})
}

func (s *Server) handleOAuthURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider := r.URL.Query().Get("provider")
	state := r.URL.Query().Get("state")
	url, err := s.oauth.AuthorizationURL(provider, state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type oauthExchangeRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
}

func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req oauthExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if err := s.oauth.Exchange(r.Context(), req.Provider, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &backuperr.ConfigurationError{Field: "body", Message: "invalid JSON payload"})
		return
	}
	if _, err := s.oauth.Refresh(r.Context(), req.Provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
