package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogStores(t *testing.T) map[string]LogStore {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewLogStore(&Config{
		Enabled: true,
		Type:    FileLogType,
		Options: map[string]interface{}{"file_path": filepath.Join(dir, "audit", "trail.jsonl")},
	})
	require.NoError(t, err)

	sqlStore, err := NewLogStore(&Config{
		Enabled: true,
		Type:    SQLiteLogType,
		Options: map[string]interface{}{"dsn": filepath.Join(dir, "audit.db")},
	})
	require.NoError(t, err)

	stores := map[string]LogStore{"file": fileStore, "sqlite": sqlStore}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestLogStores(t *testing.T) {
	for name, store := range newTestLogStores(t) {
		t.Run(name, func(t *testing.T) {
			testLogStore(t, store)
		})
	}
}

func testLogStore(t *testing.T, store LogStore) {
	ctx := context.Background()
	rows := []LogEntry{
		{RecordHash: "0xABC1", ActorEmail: "Doc@Example.com", OwnerEmail: "patient@example.com", Action: "VIEW", AccessedAt: "2024-03-01T10:00:00Z"},
		{RecordHash: "abc1", ActorEmail: "nurse@example.com", OwnerEmail: "patient@example.com", Action: "DOWNLOAD", AccessedAt: "2024-03-01T11:00:00Z"},
		{RecordID: "rec-2", ActorEmail: "doc@example.com", Action: "GRANT_ACCESS", Grantee: "nurse@example.com", AccessedAt: "2024-03-01T12:00:00Z"},
		{ID: "fixed-id", RecordID: "rec-3", ActorEmail: "doc@example.com", Action: "VIEW", AccessedAt: "2024-03-01T09:00:00Z"},
	}
	var ids []string
	for _, row := range rows {
		id, err := store.Insert(ctx, row)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	assert.Equal(t, "fixed-id", ids[3])

	t.Run("All", func(t *testing.T) {
		got, err := store.Query(ctx, QueryOptions{})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, ids[2], got[0].ID, "newest first")
		assert.Equal(t, "fixed-id", got[3].ID)
	})

	t.Run("ByRecord", func(t *testing.T) {
		got, err := store.Query(ctx, QueryOptions{RecordRef: "0xabc1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[1], got[0].ID)
		assert.Equal(t, ids[0], got[1].ID)
	})

	t.Run("ByActor", func(t *testing.T) {
		got, err := store.Query(ctx, QueryOptions{ActorRef: "DOC@example.com"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("ByOwnerAndAction", func(t *testing.T) {
		got, err := store.Query(ctx, QueryOptions{OwnerRef: "patient@example.com", Action: "download"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "nurse@example.com", got[0].ActorEmail)
	})

	t.Run("TimeRange", func(t *testing.T) {
		since := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		until := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
		got, err := store.Query(ctx, QueryOptions{Since: &since, Until: &until})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("Pagination", func(t *testing.T) {
		page, err := store.Query(ctx, QueryOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[1], page[0].ID)
		assert.Equal(t, ids[0], page[1].ID)

		rest, err := store.Query(ctx, QueryOptions{Offset: 3})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "fixed-id", rest[0].ID)
	})

	t.Run("RowsNormalize", func(t *testing.T) {
		got, err := store.Query(ctx, QueryOptions{RecordRef: "rec-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)

		e, err := Normalize(got[0])
		require.NoError(t, err)
		assert.Equal(t, ActionGrantAccess, e.Action)
		assert.Equal(t, "nurse@example.com", e.Metadata[MetaGrantee])
		assert.Equal(t, TrustLogOnly, e.Trust)
	})

	t.Run("RejectsInvalidRows", func(t *testing.T) {
		_, err := store.Insert(ctx, LogEntry{ActorEmail: "doc@example.com"})
		assert.Error(t, err)
		_, err = store.Insert(ctx, LogEntry{Action: "VIEW", AccessedAt: "last tuesday"})
		assert.Error(t, err)
	})
}

func TestFileLogStoreCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	store, err := NewFileLogStore(&Config{
		Enabled: true,
		Type:    FileLogType,
		Options: map[string]interface{}{"file_path": path, "cache_size": 2},
	})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		_, err = store.Insert(ctx, LogEntry{Action: "VIEW", ActorEmail: "doc@example.com",
			AccessedAt: start.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano)})
		require.NoError(t, err)
	}
	assert.Len(t, store.entryCache, 2)

	// a range older than the cache is read from the file
	got, err := store.Query(ctx, QueryOptions{Since: &start})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	recent := start.Add(time.Second)
	got, err = store.Query(ctx, QueryOptions{Since: &recent})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileLogStoreSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	content := "not json\n\n" +
		`{"id":"row-1","action":"VIEW","actor_email":"a@example.com","accessed_at":"2024-03-01T10:00:00Z"}` + "\n" +
		`{"id":"row-2","action":"VIEW","actor_email":"a@example.com","accessed_at":"garbage"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	store, err := NewFileLogStore(&Config{Enabled: true, Type: FileLogType, Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Query(context.Background(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, skipped, _ := NormalizeAll([]RawEvent{got[0], got[1]})
	assert.Equal(t, 1, skipped)
}

func TestFileLogStoreReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	store, err := NewFileLogStore(&Config{Enabled: true, Type: FileLogType, Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)

	require.NoError(t, store.Close())
	_, err = store.Insert(context.Background(), LogEntry{Action: "VIEW"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestSQLLogStoreInMemory(t *testing.T) {
	store, err := OpenSQLLogStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Insert(ctx, LogEntry{Action: "VIEW", ActorEmail: "a@example.com", RecordID: "r1"})
	require.NoError(t, err)

	got, err := store.Query(ctx, QueryOptions{RecordRef: "R1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].AccessedAt)
}

func TestNewLogStore(t *testing.T) {
	store, err := NewLogStore(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogStore{}, store)

	store, err = NewLogStore(&Config{Enabled: false, Type: FileLogType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogStore{}, store)

	store, err = NewLogStore(&Config{Enabled: true, Type: NoOp})
	require.NoError(t, err)
	id, err := store.Insert(context.Background(), LogEntry{Action: "VIEW"})
	assert.NoError(t, err)
	assert.Empty(t, id)
	rows, err := store.Query(context.Background(), QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, rows)

	_, err = NewLogStore(&Config{Enabled: true, Type: "postgres"})
	assert.Error(t, err)

	_, err = NewLogStore(&Config{Enabled: true, Type: FileLogType})
	assert.Error(t, err, "file_path is required")

	_, err = NewLogStore(&Config{Enabled: true, Type: SQLiteLogType})
	assert.Error(t, err, "dsn is required")
}
