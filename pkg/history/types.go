// Package history manages the durable ledger of backup and restore attempts.
package history

import (
	"fmt"
	"time"
)

// OperationType distinguishes backup attempts from restore attempts.
type OperationType string

const (
	// OpBackup marks a backup attempt.
	OpBackup OperationType = "BACKUP"
	// OpRestore marks a restore attempt.
	OpRestore OperationType = "RESTORE"
)

// Status is the per-attempt state machine. PROCESSING transitions to exactly
// one terminal state and never back.
type Status string

const (
	// StatusProcessing is the initial state set when the attempt starts.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is the terminal failure state.
	StatusFailed Status = "FAILED"
)

// FileStatus tracks whether the remote artifact still physically exists,
// independent of the operation's own status.
type FileStatus string

const (
	// FileExists means the artifact is present in its storage.
	FileExists FileStatus = "EXISTS"
	// FileDeleted means the artifact was removed by cleanup or retention.
	FileDeleted FileStatus = "DELETED"
)

// Summary captures per-attempt execution details, serialized as JSON in the
// ledger row.
type Summary struct {
	DurationMS int64  `json:"durationMs"`
	Provider   string `json:"provider"`
	Path       string `json:"path,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
}

// Record is one ledger row: exactly one per (target, provider) attempt.
type Record struct {
	ID            string            `json:"id"`
	OperationType OperationType     `json:"operationType"`
	TargetKind    string            `json:"targetKind"`
	TargetSource  string            `json:"targetSource"`
	BackupPath    string            `json:"backupPath,omitempty"`
	Provider      string            `json:"storageProvider"`
	Status        Status            `json:"status"`
	SizeBytes     int64             `json:"sizeBytes,omitempty"`
	Hash          string            `json:"hash,omitempty"`
	Summary       *Summary          `json:"summary,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	FileStatus    FileStatus        `json:"fileStatus"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// QueryOptions filters and paginates ledger queries. Zero values mean "no
// filter"; Limit == 0 means no page bound.
type QueryOptions struct {
	Status       Status
	Operation    OperationType
	TargetKind   string
	TargetSource string
	Provider     string
	StartDate    *time.Time
	EndDate      *time.Time
	Offset       int
	Limit        int
}

// Store is the ledger persistence contract. Both the file-backed and the
// MySQL-backed store implement it.
type Store interface {
	// Create inserts a new PROCESSING row. Missing ID/StartedAt/FileStatus
	// fields are filled in.
	Create(rec *Record) error

	// Complete transitions a PROCESSING row to COMPLETED with its artifact
	// details. A second transition is rejected.
	Complete(id, path string, sizeBytes int64, hash string, summary Summary) error

	// Fail transitions a PROCESSING row to FAILED with the error message.
	// A second transition is rejected.
	Fail(id, message string) error

	// MarkFileDeleted sets FileStatus=DELETED on a row. Callers invoke it only
	// after the physical delete succeeded.
	MarkFileDeleted(id string) error

	// MarkFileDeletedByPath marks the newest EXISTS row recorded under the
	// given provider and backup path.
	MarkFileDeletedByPath(provider, path string) error

	// MarkExcessDeleted marks the oldest completed backup rows of a target
	// beyond the keep count as DELETED, without touching their Status.
	// It returns the number of rows updated.
	MarkExcessDeleted(kind, source string, keep int) (int, error)

	// Query returns matching rows newest-first plus the unpaginated total.
	Query(opts QueryOptions) ([]Record, int64, error)

	// GetByID returns a row by ID; found is false when it does not exist.
	GetByID(id string) (Record, bool, error)
}

// errTerminal is returned when a caller tries to re-transition a finished row.
func errTerminal(id string, current Status) error {
	return fmt.Errorf("history record %s is already terminal (%s)", id, current)
}

func matches(rec Record, opts QueryOptions) bool {
	if opts.Status != "" && rec.Status != opts.Status {
		return false
	}
	if opts.Operation != "" && rec.OperationType != opts.Operation {
		return false
	}
	if opts.TargetKind != "" && rec.TargetKind != opts.TargetKind {
		return false
	}
	if opts.TargetSource != "" && rec.TargetSource != opts.TargetSource {
		return false
	}
	if opts.Provider != "" && rec.Provider != opts.Provider {
		return false
	}
	if opts.StartDate != nil && rec.StartedAt.Before(*opts.StartDate) {
		return false
	}
	if opts.EndDate != nil && !rec.StartedAt.Before(*opts.EndDate) {
		return false
	}
	return true
}
