package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)
	return store
}

func createBackup(t *testing.T, store *FileStore, kind, source, provider string) *Record {
	t.Helper()
	rec := &Record{
		OperationType: OpBackup,
		TargetKind:    kind,
		TargetSource:  source,
		Provider:      provider,
	}
	require.NoError(t, store.Create(rec))
	return rec
}

func TestCreateFillsDefaults(t *testing.T) {
	store := newTestStore(t)
	rec := createBackup(t, store, "database", "postgres://localhost/app", "local")

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.StartedAt.IsZero())
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, FileExists, rec.FileStatus)
}

func TestCompleteIsTerminal(t *testing.T) {
	store := newTestStore(t)
	rec := createBackup(t, store, "database", "postgres://localhost/app", "local")

	summary := Summary{DurationMS: 1200, Provider: "local", Path: "database/x/app.sql.gz"}
	require.NoError(t, store.Complete(rec.ID, "database/x/app.sql.gz", 2048, "abc123", summary))

	got, found, err := store.GetByID(rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(2048), got.SizeBytes)
	require.NotNil(t, got.CompletedAt)

	// Neither terminal transition may be applied twice.
	assert.Error(t, store.Complete(rec.ID, "other", 1, "x", summary))
	assert.Error(t, store.Fail(rec.ID, "late failure"))

	got, _, _ = store.GetByID(rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestFailIsTerminal(t *testing.T) {
	store := newTestStore(t)
	rec := createBackup(t, store, "file", "/etc/app.conf", "dropbox")

	require.NoError(t, store.Fail(rec.ID, "upload timed out"))

	got, _, _ := store.GetByID(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "upload timed out", got.ErrorMessage)
	assert.Error(t, store.Complete(rec.ID, "p", 1, "h", Summary{}))
}

func TestReloadPersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	rec := createBackup(t, store, "csv", "employees", "local")
	require.NoError(t, store.Complete(rec.ID, "csv/x/employees.csv", 99, "h", Summary{Provider: "local"}))

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	got, found, err := reloaded.GetByID(rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "local", got.Summary.Provider)
}

func TestMarkFileDeletedByPathPicksNewest(t *testing.T) {
	store := newTestStore(t)

	older := &Record{
		OperationType: OpBackup, TargetKind: "database", TargetSource: "db",
		Provider: "local", BackupPath: "database/a/app.sql.gz",
		Status: StatusCompleted, StartedAt: time.Now().Add(-2 * time.Hour),
	}
	newer := &Record{
		OperationType: OpBackup, TargetKind: "database", TargetSource: "db",
		Provider: "local", BackupPath: "database/a/app.sql.gz",
		Status: StatusCompleted, StartedAt: time.Now().Add(-1 * time.Hour),
	}
	require.NoError(t, store.Create(older))
	require.NoError(t, store.Create(newer))

	require.NoError(t, store.MarkFileDeletedByPath("local", "database/a/app.sql.gz"))

	got, _, _ := store.GetByID(newer.ID)
	assert.Equal(t, FileDeleted, got.FileStatus)
	got, _, _ = store.GetByID(older.ID)
	assert.Equal(t, FileExists, got.FileStatus)
	// The operation status is untouched by file deletion.
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMarkFileDeletedByPathNoMatch(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.MarkFileDeletedByPath("local", "missing/path"))
}

func TestMarkExcessDeletedKeepsNewest(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-10 * time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := &Record{
			OperationType: OpBackup, TargetKind: "database", TargetSource: "db",
			Provider: "local", Status: StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.Create(rec))
		ids = append(ids, rec.ID)
	}

	n, err := store.MarkExcessDeleted("database", "db", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i, id := range ids {
		got, _, _ := store.GetByID(id)
		if i < 3 {
			assert.Equal(t, FileDeleted, got.FileStatus, "oldest rows marked")
		} else {
			assert.Equal(t, FileExists, got.FileStatus, "newest rows kept")
		}
	}
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-5 * time.Hour)
	for i := 0; i < 4; i++ {
		rec := &Record{
			OperationType: OpBackup, TargetKind: "database", TargetSource: "db",
			Provider: "local", Status: StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.Create(rec))
	}
	failed := createBackup(t, store, "database", "db", "dropbox")
	require.NoError(t, store.Fail(failed.ID, "boom"))

	records, total, err := store.Query(QueryOptions{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, records, 4)
	// Newest first.
	assert.True(t, records[0].StartedAt.After(records[1].StartedAt))

	records, total, err = store.Query(QueryOptions{Status: StatusCompleted, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, records, 2)

	records, _, err = store.Query(QueryOptions{Provider: "dropbox"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusFailed, records[0].Status)
}
