package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// historyRow is the GORM model backing the MySQL ledger.
type historyRow struct {
	ID            string `gorm:"primaryKey;type:varchar(64)"`
	OperationType string `gorm:"type:varchar(16);not null;index"`
	TargetKind    string `gorm:"type:varchar(32);not null;index"`
	TargetSource  string `gorm:"type:varchar(512);not null"`
	BackupPath    string `gorm:"type:varchar(1024)"`
	Provider      string `gorm:"column:storage_provider;type:varchar(32);not null"`
	Status        string `gorm:"type:varchar(16);not null;index"`
	SizeBytes     int64
	Hash          string `gorm:"type:varchar(64)"`
	Summary       string `gorm:"type:text"`
	Metadata      string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`
	FileStatus    string `gorm:"type:varchar(16);not null;index"`
	StartedAt     time.Time `gorm:"not null;index"`
	CompletedAt   *time.Time
}

// TableName specifies the table name for the ledger model.
func (historyRow) TableName() string {
	return "backup_history"
}

func toRow(rec *Record) (*historyRow, error) {
	row := &historyRow{
		ID:            rec.ID,
		OperationType: string(rec.OperationType),
		TargetKind:    rec.TargetKind,
		TargetSource:  rec.TargetSource,
		BackupPath:    rec.BackupPath,
		Provider:      rec.Provider,
		Status:        string(rec.Status),
		SizeBytes:     rec.SizeBytes,
		Hash:          rec.Hash,
		ErrorMessage:  rec.ErrorMessage,
		FileStatus:    string(rec.FileStatus),
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
	}
	if rec.Summary != nil {
		data, err := json.Marshal(rec.Summary)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
		}
		row.Summary = string(data)
	}
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.Metadata = string(data)
	}
	return row, nil
}

func fromRow(row *historyRow) Record {
	rec := Record{
		ID:            row.ID,
		OperationType: OperationType(row.OperationType),
		TargetKind:    row.TargetKind,
		TargetSource:  row.TargetSource,
		BackupPath:    row.BackupPath,
		Provider:      row.Provider,
		Status:        Status(row.Status),
		SizeBytes:     row.SizeBytes,
		Hash:          row.Hash,
		ErrorMessage:  row.ErrorMessage,
		FileStatus:    FileStatus(row.FileStatus),
		StartedAt:     row.StartedAt,
		CompletedAt:   row.CompletedAt,
	}
	if row.Summary != "" {
		var summary Summary
		if err := json.Unmarshal([]byte(row.Summary), &summary); err == nil {
			rec.Summary = &summary
		}
	}
	if row.Metadata != "" {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err == nil {
			rec.Metadata = metadata
		}
	}
	return rec
}

// DBStore is the MySQL-backed ledger.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore connects to the metadata database and runs migrations.
func NewDBStore(dsn string) (*DBStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	if err := db.AutoMigrate(&historyRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history table: %w", err)
	}

	logrus.Info("history ledger using MySQL-backed store")
	return &DBStore{db: db}, nil
}

// NewDBStoreWithDB wraps an existing GORM handle. Used by tests.
func NewDBStoreWithDB(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

// Create inserts a new PROCESSING row.
func (s *DBStore) Create(rec *Record) error {
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

	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return s.db.Create(row).Error
}

// Complete transitions a PROCESSING row to COMPLETED. The WHERE clause on
// status makes the transition guard atomic.
func (s *DBStore) Complete(id, path string, sizeBytes int64, hash string, summary Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	now := time.Now()
	result := s.db.Model(&historyRow{}).
		Where("id = ? AND status = ?", id, string(StatusProcessing)).
		Updates(map[string]interface{}{
			"status":       string(StatusCompleted),
			"backup_path":  path,
			"size_bytes":   sizeBytes,
			"hash":         hash,
			"summary":      string(data),
			"completed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("history record %s not found or already terminal", id)
	}
	return nil
}

// Fail transitions a PROCESSING row to FAILED.
func (s *DBStore) Fail(id, message string) error {
	now := time.Now()
	result := s.db.Model(&historyRow{}).
		Where("id = ? AND status = ?", id, string(StatusProcessing)).
		Updates(map[string]interface{}{
			"status":        string(StatusFailed),
			"error_message": message,
			"completed_at":  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("history record %s not found or already terminal", id)
	}
	return nil
}

// MarkFileDeleted sets FileStatus=DELETED on a row.
func (s *DBStore) MarkFileDeleted(id string) error {
	result := s.db.Model(&historyRow{}).
		Where("id = ?", id).
		Update("file_status", string(FileDeleted))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("history record %s not found", id)
	}
	return nil
}

// MarkFileDeletedByPath marks the newest EXISTS row under provider+path.
func (s *DBStore) MarkFileDeletedByPath(provider, path string) error {
	var row historyRow
	err := s.db.
		Where("storage_provider = ? AND backup_path = ? AND file_status = ?",
			provider, path, string(FileExists)).
		Order("started_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return fmt.Errorf("no history record with path %s on provider %s", path, provider)
	}
	if err != nil {
		return err
	}
	return s.MarkFileDeleted(row.ID)
}

// MarkExcessDeleted marks the oldest completed backups of a target beyond the
// keep count as DELETED. Two steps (select IDs, then update) because MySQL
// cannot update a table it is selecting from in a subquery.
func (s *DBStore) MarkExcessDeleted(kind, source string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var ids []string
	err := s.db.Model(&historyRow{}).
		Where("operation_type = ? AND status = ? AND file_status = ? AND target_kind = ? AND target_source = ?",
			string(OpBackup), string(StatusCompleted), string(FileExists), kind, source).
		Order("started_at DESC").
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.Model(&historyRow{}).
		Where("id IN ?", ids).
		Update("file_status", string(FileDeleted))
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// Query returns matching rows newest-first plus the unpaginated total.
func (s *DBStore) Query(opts QueryOptions) ([]Record, int64, error) {
	query := s.db.Model(&historyRow{})

	if opts.Status != "" {
		query = query.Where("status = ?", string(opts.Status))
	}
	if opts.Operation != "" {
		query = query.Where("operation_type = ?", string(opts.Operation))
	}
	if opts.TargetKind != "" {
		query = query.Where("target_kind = ?", opts.TargetKind)
	}
	if opts.TargetSource != "" {
		query = query.Where("target_source = ?", opts.TargetSource)
	}
	if opts.Provider != "" {
		query = query.Where("storage_provider = ?", opts.Provider)
	}
	if opts.StartDate != nil {
		query = query.Where("started_at >= ?", *opts.StartDate)
	}
	if opts.EndDate != nil {
		query = query.Where("started_at < ?", *opts.EndDate)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order("started_at DESC")
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var rows []historyRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	records := make([]Record, 0, len(rows))
	for i := range rows {
		records = append(records, fromRow(&rows[i]))
	}
	return records, total, nil
}

// GetByID returns a row by ID.
func (s *DBStore) GetByID(id string) (Record, bool, error) {
	var row historyRow
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return fromRow(&row), true, nil
}
