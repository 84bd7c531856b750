package history

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDBStore(t *testing.T) (*DBStore, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return NewDBStoreWithDB(db), mock
}

func TestDBStoreCreate(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `backup_history`")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &Record{
		OperationType: OpBackup,
		TargetKind:    "database",
		TargetSource:  "postgres://localhost/app",
		Provider:      "local",
	}
	require.NoError(t, store.Create(rec))

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, FileExists, rec.FileStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreCompleteGuardsTerminal(t *testing.T) {
	store, mock := newMockDBStore(t)

	// Zero affected rows means the row was missing or already terminal.
	mock.ExpectExec("UPDATE `backup_history` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Complete("rec-1", "database/x/app.sql.gz", 10, "hash", Summary{Provider: "local"})
	assert.ErrorContains(t, err, "already terminal")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreFail(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectExec("UPDATE `backup_history` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Fail("rec-1", "upload timed out"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreQuery(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `backup_history`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	started := time.Now().Add(-time.Hour)
	completed := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "operation_type", "target_kind", "target_source", "backup_path",
		"storage_provider", "status", "size_bytes", "hash", "summary", "metadata",
		"error_message", "file_status", "started_at", "completed_at",
	}).AddRow(
		"rec-1", "BACKUP", "database", "db", "database/x/app.sql.gz",
		"local", "COMPLETED", int64(2048), "abc",
		`{"durationMs":1200,"provider":"local"}`,
		`{"trigger":"api"}`,
		"", "EXISTS", started, completed,
	)
	mock.ExpectQuery("SELECT \\* FROM `backup_history`").WillReturnRows(rows)

	records, total, err := store.Query(QueryOptions{Status: StatusCompleted, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-1", records[0].ID)
	assert.Equal(t, StatusCompleted, records[0].Status)
	require.NotNil(t, records[0].Summary)
	assert.Equal(t, int64(1200), records[0].Summary.DurationMS)
	assert.Equal(t, map[string]string{"trigger": "api"}, records[0].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowMappingCarriesMetadata(t *testing.T) {
	rec := &Record{
		ID:            "rec-1",
		OperationType: OpBackup,
		Metadata:      map[string]string{"trigger": "scheduler", "operator": "cron"},
	}

	row, err := toRow(rec)
	require.NoError(t, err)
	assert.Contains(t, row.Metadata, `"trigger":"scheduler"`)

	back := fromRow(row)
	assert.Equal(t, rec.Metadata, back.Metadata)
}

func TestDBStoreGetByIDNotFound(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectQuery("SELECT \\* FROM `backup_history`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, found, err := store.GetByID("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreMarkExcessDeleted(t *testing.T) {
	store, mock := newMockDBStore(t)

	mock.ExpectQuery("SELECT `id` FROM `backup_history`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("old-1").AddRow("old-2"))
	mock.ExpectExec("UPDATE `backup_history` SET `file_status`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.MarkExcessDeleted("database", "db", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
