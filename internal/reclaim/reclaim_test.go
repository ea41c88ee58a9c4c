package reclaim

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/blob"
	"github.com/dupless/dupless/internal/common"
	"github.com/dupless/dupless/internal/database"
)

func newTestStore(t *testing.T) *blob.Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := blob.NewStore(afero.NewMemMapFs(), db, "/blobs", "/staging", 0, zap.NewNop())
	require.NoError(t, err)
	return store
}

func put(t *testing.T, store *blob.Store, content string) blob.Ref {
	t.Helper()
	staged, err := store.Stage(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	ref, err := store.PutOrLink(context.Background(), staged)
	require.NoError(t, err)
	return ref
}

func TestReclaimerDeletesZeroRefBlobs(t *testing.T) {
	store := newTestStore(t)
	rec := New(store, 8, zap.NewNop())
	ctx := context.Background()

	ref := put(t, store, "short-lived")
	d, err := store.Unlink(ctx, ref.Fingerprint)
	require.NoError(t, err)
	require.True(t, d.Reclaimable)

	rec.Enqueue(ctx, d)
	rec.Close()

	_, err = store.Lookup(ctx, ref.Fingerprint)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = store.Open(ctx, ref.Fingerprint)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEnqueueIgnoresNonReclaimable(t *testing.T) {
	store := newTestStore(t)
	rec := New(store, 8, zap.NewNop())
	ctx := context.Background()

	put(t, store, "shared")
	ref := put(t, store, "shared")
	d, err := store.Unlink(ctx, ref.Fingerprint)
	require.NoError(t, err)
	require.False(t, d.Reclaimable)

	rec.Enqueue(ctx, d)
	rec.Close()

	meta, err := store.Lookup(ctx, ref.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.RefCount)
}

func TestEnqueueFullQueueReclaimsInline(t *testing.T) {
	store := newTestStore(t)
	// Tiny queue so the second decision may hit the inline path; both
	// blobs must be gone either way.
	rec := New(store, 1, zap.NewNop())
	ctx := context.Background()

	refA := put(t, store, "first")
	refB := put(t, store, "second")

	dA, err := store.Unlink(ctx, refA.Fingerprint)
	require.NoError(t, err)
	dB, err := store.Unlink(ctx, refB.Fingerprint)
	require.NoError(t, err)

	rec.Enqueue(ctx, dA)
	rec.Enqueue(ctx, dB)
	rec.Close()

	_, err = store.Lookup(ctx, refA.Fingerprint)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = store.Lookup(ctx, refB.Fingerprint)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	rec := New(store, 4, zap.NewNop())
	rec.Close()
	rec.Close()
}
