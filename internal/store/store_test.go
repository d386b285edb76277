package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "cutout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetProfile(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutProfile(ctx, Profile{UserID: "u1", Plan: "basic"}))
	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "basic", p.Plan)
	assert.False(t, p.CreatedAt.IsZero())

	assert.Error(t, s.PutProfile(ctx, Profile{}))
}

func TestAPIKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.IssueAPIKey(ctx, "u1")
	require.NoError(t, err)

	user, err := s.LookupAPIKey(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	_, err = s.LookupAPIKey(ctx, "ck_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RevokeAPIKey(ctx, token))
	_, err = s.LookupAPIKey(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecords_CountSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	insert := func(user, op string, at time.Time) string {
		id, err := s.InsertRecord(ctx, Record{UserID: user, OperationType: op, CreatedAt: at})
		require.NoError(t, err)
		return id
	}
	insert("u1", OperationBackgroundRemoval, monthStart.Add(-time.Nanosecond))
	insert("u1", OperationBackgroundRemoval, monthStart)
	insert("u1", "upscale", monthStart.Add(time.Hour))
	last := insert("u1", OperationBackgroundRemoval, monthStart.Add(48*time.Hour))
	insert("u2", OperationBackgroundRemoval, monthStart.Add(time.Hour))

	n, err := s.CountRecords(ctx, "u1", OperationBackgroundRemoval, monthStart)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountRecords(ctx, "nobody", OperationBackgroundRemoval, monthStart)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := s.GetRecord(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)

	list, err := s.ListRecords(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, last, list[0].ID)
	assert.Equal(t, "upscale", list[1].OperationType)
}

func TestLocalBlobStore(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBlobStore(root, "/files/")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "u1/processed/sam2_1.png", []byte("png")))
	assert.ErrorIs(t, b.Put(ctx, "u1/processed/sam2_1.png", []byte("again")), ErrExists)

	data, err := b.Get(ctx, "u1/processed/sam2_1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.FileExists(t, filepath.Join(root, "u1", "processed", "sam2_1.png"))
	assert.Equal(t, "/files/u1/processed/sam2_1.png", b.URL("u1/processed/sam2_1.png"))

	_, err = b.Get(ctx, "u1/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, b.Put(ctx, "../escape.png", nil))
	assert.Error(t, b.Put(ctx, "", nil))
}
