package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/blob"
	"github.com/dupless/dupless/internal/common"
	"github.com/dupless/dupless/internal/database"
	"github.com/dupless/dupless/internal/hasher"
	"github.com/dupless/dupless/internal/index"
	"github.com/dupless/dupless/internal/reclaim"
	"github.com/dupless/dupless/internal/stats"
)

type testEngine struct {
	*Engine
	store     *blob.Store
	reclaimer *reclaim.Reclaimer
	fs        afero.Fs
	db        *sql.DB
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := afero.NewMemMapFs()
	log := zap.NewNop()
	store, err := blob.NewStore(fs, db, "/blobs", "/staging", 0, log)
	require.NoError(t, err)

	rec := reclaim.New(store, 8, log)
	t.Cleanup(rec.Close)

	eng := New(store, index.New(db, log), stats.New(db, log), rec, log)
	return &testEngine{Engine: eng, store: store, reclaimer: rec, fs: fs, db: db}
}

func upload(t *testing.T, eng *testEngine, name, content string) *index.Entry {
	t.Helper()
	entry, err := eng.Upload(context.Background(), strings.NewReader(content), UploadMeta{
		Name:        name,
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	return entry
}

// The canonical walkthrough: two identical uploads share one blob, the
// first delete keeps it alive, the second reclaims it.
func TestDeduplicationLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	fileA := upload(t, eng, "a.txt", "hello")
	snap := eng.Statistics(ctx)
	assert.Equal(t, stats.Snapshot{
		TotalFiles: 1, UniqueFiles: 1, DuplicateFiles: 0,
		TotalSize: 5, ActualSize: 5, StorageSaved: 0,
	}, snap)

	fileB := upload(t, eng, "b.txt", "hello")
	assert.Equal(t, fileA.Fingerprint, fileB.Fingerprint)
	assert.NotEqual(t, fileA.ID, fileB.ID)
	snap = eng.Statistics(ctx)
	assert.Equal(t, stats.Snapshot{
		TotalFiles: 2, UniqueFiles: 1, DuplicateFiles: 1,
		TotalSize: 10, ActualSize: 5, StorageSaved: 5,
	}, snap)

	require.NoError(t, eng.Delete(ctx, fileA.ID))
	snap = eng.Statistics(ctx)
	assert.Equal(t, stats.Snapshot{
		TotalFiles: 1, UniqueFiles: 1, DuplicateFiles: 0,
		TotalSize: 5, ActualSize: 5, StorageSaved: 0,
	}, snap)

	// The shared blob survives the first delete.
	meta, err := eng.store.Lookup(ctx, fileB.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.RefCount)

	require.NoError(t, eng.Delete(ctx, fileB.ID))
	eng.reclaimer.Close()

	assert.Equal(t, stats.Snapshot{}, eng.Statistics(ctx))
	_, err = eng.store.Lookup(ctx, fileB.Fingerprint)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	entry := upload(t, eng, "greeting.txt", "hello world")

	got, rc, err := eng.Open(ctx, entry.ID)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, entry.ID, got.ID)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDeleteLeavesOtherReferencesReadable(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	fileA := upload(t, eng, "a.txt", "shared bytes")
	fileB := upload(t, eng, "b.txt", "shared bytes")

	require.NoError(t, eng.Delete(ctx, fileA.ID))

	// The surviving entry never observes a dangling reference.
	_, rc, err := eng.Open(ctx, fileB.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "shared bytes", string(data))
}

func TestDeleteUnknownFile(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Delete(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAbortedUploadLeavesNoState(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Upload(ctx, failingReader{}, UploadMeta{Name: "aborted.bin"})
	require.Error(t, err)

	assert.Equal(t, stats.Snapshot{}, eng.Statistics(ctx))
	entries, err := eng.List(ctx, index.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	staged, err := afero.ReadDir(eng.fs, "/staging")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestRename(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	entry := upload(t, eng, "draft.txt", "content")
	require.NoError(t, eng.Rename(ctx, entry.ID, "final.txt"))

	got, rc, err := eng.Open(ctx, entry.ID)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "final.txt", got.Name)
	assert.Equal(t, entry.Fingerprint, got.Fingerprint)
}

func TestConcurrentUploadsAndDeletes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	const k = 10
	var wg sync.WaitGroup
	ids := make([]string, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := eng.Upload(ctx, strings.NewReader("identical payload"), UploadMeta{Name: "f.bin"})
			if err == nil {
				ids[i] = entry.ID
			}
		}(i)
	}
	wg.Wait()

	snap := eng.Statistics(ctx)
	assert.Equal(t, int64(k), snap.TotalFiles)
	assert.Equal(t, int64(1), snap.UniqueFiles)
	assert.Equal(t, snap.TotalSize-snap.ActualSize, snap.StorageSaved)

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, eng.Delete(ctx, ids[i]))
		}(i)
	}
	wg.Wait()
	eng.reclaimer.Close()

	assert.Equal(t, stats.Snapshot{}, eng.Statistics(ctx))
}

// An upload commits its blob before its index entry, so a statistics
// read can land between the two. The published counters must still
// honor their invariants in that window.
func TestStatisticsDuringPartialOperations(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Blob committed, index entry not yet created.
	staged, err := eng.store.Stage(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	ref, err := eng.store.PutOrLink(ctx, staged)
	require.NoError(t, err)

	snap := eng.Statistics(ctx)
	assert.Equal(t, stats.Snapshot{}, snap)
	assert.LessOrEqual(t, snap.UniqueFiles, snap.TotalFiles)
	assert.GreaterOrEqual(t, snap.DuplicateFiles, int64(0))
	assert.GreaterOrEqual(t, snap.StorageSaved, int64(0))

	d, err := eng.store.Unlink(ctx, ref.Fingerprint)
	require.NoError(t, err)
	eng.reclaimer.Enqueue(ctx, d)

	// Index entry deleted, blob not yet unlinked.
	entry := upload(t, eng, "doomed.txt", "goodbye")
	fp, err := eng.index.Delete(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, entry.Fingerprint, fp)

	snap = eng.Statistics(ctx)
	assert.LessOrEqual(t, snap.UniqueFiles, snap.TotalFiles)
	assert.GreaterOrEqual(t, snap.DuplicateFiles, int64(0))
	assert.GreaterOrEqual(t, snap.StorageSaved, int64(0))
}

// When the index insert fails after the blob step, the compensating
// unlink must restore the reference count, and a blob created solely
// for the failed upload must end up reclaimed.
func TestUploadIndexFailureCompensatesLink(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	entry := upload(t, eng, "keep.txt", "payload")

	// Break index inserts while leaving the blob ledger intact.
	_, err := eng.db.Exec("DROP TABLE files")
	require.NoError(t, err)

	_, err = eng.Upload(ctx, strings.NewReader("payload"), UploadMeta{Name: "dup.txt"})
	require.Error(t, err)
	meta, err := eng.store.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.RefCount)

	// Novel content drops to zero references and gets reclaimed.
	_, err = eng.Upload(ctx, strings.NewReader("never indexed"), UploadMeta{Name: "ghost.txt"})
	require.Error(t, err)
	eng.reclaimer.Close()

	fp, _, err := hasher.Sum(strings.NewReader("never indexed"))
	require.NoError(t, err)
	_, err = eng.store.Lookup(ctx, fp)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("client disconnected")
}
