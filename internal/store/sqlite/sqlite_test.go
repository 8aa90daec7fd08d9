package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "audit", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_InsertAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	id, err := db.Insert(ctx, &Invocation{
		Time:        now,
		Model:       "model_final",
		ContentType: "application/x-npy",
		Accept:      "application/json",
		Shape:       "(480, 640, 3)",
		Detections:  2,
		Labels:      []string{"person", "dog"},
		LatencyMS:   12.5,
		Status:      200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = db.Insert(ctx, &Invocation{Time: now, ContentType: "text/csv", Status: 415, Error: "unsupported"})
	require.NoError(t, err)

	got, err := db.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 415, got[0].Status)
	assert.Equal(t, "unsupported", got[0].Error)
	assert.Nil(t, got[0].Labels)

	assert.Equal(t, "model_final", got[1].Model)
	assert.Equal(t, []string{"person", "dog"}, got[1].Labels)
	assert.Equal(t, 12.5, got[1].LatencyMS)
	assert.True(t, now.Equal(got[1].Time))

	got, err = db.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDB_Prune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	_, err := db.Insert(ctx, &Invocation{Time: old, Status: 200})
	require.NoError(t, err)
	_, err = db.Insert(ctx, &Invocation{Time: time.Now(), Status: 200})
	require.NoError(t, err)

	n, err := db.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
