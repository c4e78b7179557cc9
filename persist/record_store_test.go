package persist

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecordStore(t *testing.T, store RecordStore) {
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	older := RecordRow{ID: uuid.NewString(), Owner: owner, Filename: "a.pdf", CreatedAt: base.Add(-time.Hour)}
	newer := RecordRow{ID: uuid.NewString(), Owner: owner, Filename: "b.pdf", CreatedAt: base}
	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))
	require.NoError(t, store.Save(ctx, RecordRow{ID: uuid.NewString(), Owner: "someone-else", CreatedAt: base}))

	got, err := store.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", got.Filename)

	rows, err := store.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, newer.ID, rows[0].ID)
	assert.Equal(t, older.ID, rows[1].ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Save(ctx, RecordRow{}))
}

func TestMemoryRecordStore(t *testing.T) {
	testRecordStore(t, NewMemoryRecordStore())
}

func TestMongoRecordStore(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := NewMongoRecordStore(ctx, uri, "custody_test", "records")
	require.NoError(t, err)
	defer store.Close(ctx)

	testRecordStore(t, store)
}
