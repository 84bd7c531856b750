package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ledgerDocument is the on-disk shape of the file-backed ledger.
type ledgerDocument struct {
	Records     []Record  `json:"records"`
	LastUpdated time.Time `json:"lastUpdated"`
	Version     string    `json:"version"`
}

// FileStore is the JSON-file ledger used when no metadata database is
// configured.
type FileStore struct {
	doc      ledgerDocument
	mu       sync.RWMutex
	filepath string
}

// NewFileStore creates a file-backed ledger and loads any existing document.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		doc: ledgerDocument{
			Records: make([]Record, 0),
			Version: "1.0",
		},
		filepath: path,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.Infof("history ledger does not exist at %s, starting fresh", path)
		return s, s.Save()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history ledger: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history ledger: %w", err)
	}

	logrus.Infof("loaded history ledger with %d records", len(s.doc.Records))
	return s, nil
}

// Save persists the ledger document.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *FileStore) save() error {
	s.doc.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filepath), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if err := os.WriteFile(s.filepath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history ledger: %w", err)
	}
	return nil
}

// Create inserts a new PROCESSING row.
func (s *FileStore) Create(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusProcessing
	}
	if rec.FileStatus == "" {
		rec.FileStatus = FileExists
	}

	s.doc.Records = append(s.doc.Records, *rec)
	return s.save()
}

// Complete transitions a PROCESSING row to COMPLETED.
func (s *FileStore) Complete(id, path string, sizeBytes int64, hash string, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Records {
		if s.doc.Records[i].ID != id {
			continue
		}
		if s.doc.Records[i].Status != StatusProcessing {
			return errTerminal(id, s.doc.Records[i].Status)
		}
		now := time.Now()
		s.doc.Records[i].Status = StatusCompleted
		s.doc.Records[i].BackupPath = path
		s.doc.Records[i].SizeBytes = sizeBytes
		s.doc.Records[i].Hash = hash
		s.doc.Records[i].Summary = &summary
		s.doc.Records[i].CompletedAt = &now
		return s.save()
	}
	return fmt.Errorf("history record %s not found", id)
}

// Fail transitions a PROCESSING row to FAILED.
func (s *FileStore) Fail(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Records {
		if s.doc.Records[i].ID != id {
			continue
		}
		if s.doc.Records[i].Status != StatusProcessing {
			return errTerminal(id, s.doc.Records[i].Status)
		}
		now := time.Now()
		s.doc.Records[i].Status = StatusFailed
		s.doc.Records[i].ErrorMessage = message
		s.doc.Records[i].CompletedAt = &now
		return s.save()
	}
	return fmt.Errorf("history record %s not found", id)
}

// MarkFileDeleted sets FileStatus=DELETED on a row.
func (s *FileStore) MarkFileDeleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Records {
		if s.doc.Records[i].ID == id {
			s.doc.Records[i].FileStatus = FileDeleted
			return s.save()
		}
	}
	return fmt.Errorf("history record %s not found", id)
}

// MarkFileDeletedByPath marks the newest EXISTS row under provider+path.
func (s *FileStore) MarkFileDeletedByPath(provider, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	for i := range s.doc.Records {
		rec := &s.doc.Records[i]
		if rec.Provider != provider || rec.BackupPath != path || rec.FileStatus != FileExists {
			continue
		}
		if best == -1 || rec.StartedAt.After(s.doc.Records[best].StartedAt) {
			best = i
		}
	}
	if best == -1 {
		return fmt.Errorf("no history record with path %s on provider %s", path, provider)
	}
	s.doc.Records[best].FileStatus = FileDeleted
	return s.save()
}

// MarkExcessDeleted marks the oldest completed backups of a target beyond the
// keep count as DELETED.
func (s *FileStore) MarkExcessDeleted(kind, source string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idxs []int
	for i := range s.doc.Records {
		rec := &s.doc.Records[i]
		if rec.OperationType != OpBackup || rec.Status != StatusCompleted || rec.FileStatus != FileExists {
			continue
		}
		if rec.TargetKind != kind || rec.TargetSource != source {
			continue
		}
		idxs = append(idxs, i)
	}

	if keep < 0 {
		keep = 0
	}
	if len(idxs) <= keep {
		return 0, nil
	}

	// Oldest first; everything beyond the newest `keep` gets marked.
	sort.Slice(idxs, func(a, b int) bool {
		return s.doc.Records[idxs[a]].StartedAt.Before(s.doc.Records[idxs[b]].StartedAt)
	})

	excess := idxs[:len(idxs)-keep]
	for _, i := range excess {
		s.doc.Records[i].FileStatus = FileDeleted
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return len(excess), nil
}

// Query returns matching rows newest-first plus the unpaginated total.
func (s *FileStore) Query(opts QueryOptions) ([]Record, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for _, rec := range s.doc.Records {
		if matches(rec, opts) {
			result = append(result, rec)
		}
	}

	sort.Slice(result, func(a, b int) bool {
		return result[a].StartedAt.After(result[b].StartedAt)
	})

	total := int64(len(result))
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, total, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, total, nil
}

// GetByID returns a row by ID.
func (s *FileStore) GetByID(id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.doc.Records {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}
