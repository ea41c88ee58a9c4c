// Package blob implements the reference-counted content-addressed
// store. Physical content lives on the filesystem under a sharded
// layout keyed by fingerprint; the reference ledger lives in SQLite.
// The store is the sole owner of physical content: its lifecycle is
// driven only by the reference count, never by index presence.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/common"
	"github.com/dupless/dupless/internal/hasher"
)

const busyRetries = 5

// Meta describes a live blob.
type Meta struct {
	Fingerprint hasher.Fingerprint
	Size        int64
	RefCount    int
	CreatedAt   time.Time
}

// Ref is handed to the file index after a successful put-or-link.
type Ref struct {
	Fingerprint hasher.Fingerprint
	Size        int64
	// Linked is true when the content already existed and the upload
	// was deduplicated into a reference-count increment.
	Linked bool
}

// ReclaimDecision tells the reclaimer whether a blob's reference count
// reached zero. The store never deletes inline with an unlink.
type ReclaimDecision struct {
	Fingerprint hasher.Fingerprint
	Reclaimable bool
}

// Staged is an upload that has been streamed to the staging area and
// digested, but not yet committed.
type Staged struct {
	Fingerprint hasher.Fingerprint
	Size        int64

	fs   afero.Fs
	path string
	done bool
}

// Discard removes the staged temp file. It is a no-op once the staged
// blob has been committed or already discarded, so callers can defer it
// unconditionally.
func (st *Staged) Discard() {
	if st.done {
		return
	}
	st.done = true
	st.fs.Remove(st.path)
}

type Store struct {
	fs       afero.Fs
	db       *sql.DB
	root     string
	staging  string
	maxBytes int64
	locks    *keyedMutex
	log      *zap.Logger
}

// NewStore creates a blob store rooted at root, staging uploads in
// staging. maxBytes caps the total size of live blobs; zero means
// unlimited.
func NewStore(fs afero.Fs, db *sql.DB, root, staging string, maxBytes int64, log *zap.Logger) (*Store, error) {
	for _, dir := range []string{root, staging} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Store{
		fs:       fs,
		db:       db,
		root:     root,
		staging:  staging,
		maxBytes: maxBytes,
		locks:    newKeyedMutex(),
		log:      log.With(zap.String("component", "blob")),
	}, nil
}

// Stage streams r to a temp file in the staging area while computing
// its fingerprint in the same pass. A read error (including a client
// abort mid-stream) removes the temp file and leaves no state behind.
func (s *Store) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	tmp, err := afero.TempFile(s.fs, s.staging, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	d := hasher.New()
	if _, err := io.Copy(io.MultiWriter(tmp, d), r); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return nil, fmt.Errorf("closing staging file: %w", err)
	}

	return &Staged{
		Fingerprint: d.Fingerprint(),
		Size:        d.Size(),
		fs:          s.fs,
		path:        tmp.Name(),
	}, nil
}

// PutOrLink commits a staged upload. If a blob already exists for the
// fingerprint, the staged bytes are discarded and its reference count
// is incremented; otherwise the staged file is renamed into the
// sharded layout and a row with ref_count = 1 is inserted. All of this
// happens under the per-fingerprint lock, so concurrent uploads of
// identical content result in exactly one physical write. Any failure
// rolls back: no blob, no refcount change.
func (s *Store) PutOrLink(ctx context.Context, st *Staged) (Ref, error) {
	if st.done {
		return Ref{}, errors.New("staged blob already consumed")
	}
	fp := st.Fingerprint

	s.locks.Lock(fp)
	defer s.locks.Unlock(fp)

	linked, err := s.linkExisting(ctx, fp)
	if err != nil {
		return Ref{}, err
	}
	if linked {
		st.Discard()
		s.log.Debug("linked existing blob", zap.String("fingerprint", fp.String()))
		return Ref{Fingerprint: fp, Size: st.Size, Linked: true}, nil
	}

	if s.maxBytes > 0 {
		_, live, err := s.LiveTotals(ctx)
		if err != nil {
			return Ref{}, err
		}
		if live+st.Size > s.maxBytes {
			return Ref{}, fmt.Errorf("%d bytes would exceed the %d byte limit: %w",
				live+st.Size, s.maxBytes, common.ErrCapacityExceeded)
		}
	}

	target := s.blobPath(fp)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Ref{}, fmt.Errorf("creating blob directory: %w", err)
	}
	if err := s.fs.Rename(st.path, target); err != nil {
		return Ref{}, fmt.Errorf("committing blob: %w", err)
	}
	st.done = true

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO blobs (fingerprint, size, ref_count, created_at) VALUES (?, ?, 1, ?)",
			fp.String(), st.Size, time.Now().UTC())
		return err
	})
	if err != nil {
		if rerr := s.fs.Remove(target); rerr != nil && !os.IsNotExist(rerr) {
			s.log.Warn("rolling back committed blob file failed, startup sweep will remove it",
				zap.String("fingerprint", fp.String()), zap.Error(rerr))
		}
		return Ref{}, fmt.Errorf("recording blob: %w", err)
	}

	s.log.Debug("stored new blob", zap.String("fingerprint", fp.String()), zap.Int64("size", st.Size))
	return Ref{Fingerprint: fp, Size: st.Size}, nil
}

// linkExisting increments the refcount if a row for fp exists. The
// caller holds the per-fingerprint lock.
func (s *Store) linkExisting(ctx context.Context, fp hasher.Fingerprint) (bool, error) {
	var linked bool
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE blobs SET ref_count = ref_count + 1 WHERE fingerprint = ?", fp.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		linked = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("linking blob: %w", err)
	}
	return linked, nil
}

// Unlink decrements the reference count and reports whether the blob
// became reclaimable. Physical deletion is left to the reclaimer so a
// competing PutOrLink cannot observe a half-deleted blob.
func (s *Store) Unlink(ctx context.Context, fp hasher.Fingerprint) (ReclaimDecision, error) {
	s.locks.Lock(fp)
	defer s.locks.Unlock(fp)

	var remaining int
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"UPDATE blobs SET ref_count = ref_count - 1 WHERE fingerprint = ? AND ref_count > 0",
			fp.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("blob %s: %w", fp, common.ErrNotFound)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT ref_count FROM blobs WHERE fingerprint = ?", fp.String()).Scan(&remaining); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ReclaimDecision{}, err
	}
	return ReclaimDecision{Fingerprint: fp, Reclaimable: remaining == 0}, nil
}

// Lookup returns metadata for a live blob. Blobs whose reference count
// reached zero are invisible even if not yet physically reclaimed.
func (s *Store) Lookup(ctx context.Context, fp hasher.Fingerprint) (*Meta, error) {
	var m Meta
	m.Fingerprint = fp
	err := s.db.QueryRowContext(ctx,
		"SELECT size, ref_count, created_at FROM blobs WHERE fingerprint = ? AND ref_count > 0",
		fp.String()).Scan(&m.Size, &m.RefCount, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", fp, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up blob: %w", err)
	}
	return &m, nil
}

// Open streams the content of a live blob.
func (s *Store) Open(ctx context.Context, fp hasher.Fingerprint) (io.ReadCloser, error) {
	if _, err := s.Lookup(ctx, fp); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.blobPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", fp, common.ErrNotFound)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// Reclaim physically deletes a blob whose reference count is zero. It
// re-checks the count under the per-fingerprint lock, so an upload of
// the same content that raced in after the unlink keeps its blob.
// Reclaiming an already-absent blob is not an error.
func (s *Store) Reclaim(ctx context.Context, fp hasher.Fingerprint) error {
	s.locks.Lock(fp)
	defer s.locks.Unlock(fp)

	var refs int
	err := s.db.QueryRowContext(ctx,
		"SELECT ref_count FROM blobs WHERE fingerprint = ?", fp.String()).Scan(&refs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.removePhysical(fp)
	case err != nil:
		return fmt.Errorf("checking blob before reclaim: %w", err)
	case refs > 0:
		// Relinked since the decision was made.
		return nil
	}

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE fingerprint = ?", fp.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting blob row: %w", err)
	}

	if err := s.removePhysical(fp); err != nil {
		return err
	}
	s.log.Info("reclaimed blob", zap.String("fingerprint", fp.String()))
	return nil
}

// LiveTotals returns the count and summed size of blobs with a
// positive reference count.
func (s *Store) LiveTotals(ctx context.Context) (int64, int64, error) {
	var count, bytes int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs WHERE ref_count > 0").Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating blobs: %w", err)
	}
	return count, bytes, nil
}

// Sweep reconciles the ledger with the filesystem: rows whose count
// already reached zero are reclaimed, and physical files with no row
// at all (left by a crash between rename and insert) are removed. Run
// at startup.
func (s *Store) Sweep(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT fingerprint FROM blobs WHERE ref_count <= 0")
	if err != nil {
		return fmt.Errorf("listing dead blobs: %w", err)
	}
	var dead []hasher.Fingerprint
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("scanning dead blob: %w", err)
		}
		dead = append(dead, hasher.Fingerprint(raw))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing dead blobs: %w", err)
	}

	for _, fp := range dead {
		if err := s.Reclaim(ctx, fp); err != nil {
			return err
		}
	}

	return afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		fp, perr := hasher.Parse(filepath.Base(path))
		if perr != nil {
			return nil
		}
		return s.removeIfOrphan(ctx, fp, path)
	})
}

func (s *Store) removeIfOrphan(ctx context.Context, fp hasher.Fingerprint, path string) error {
	s.locks.Lock(fp)
	defer s.locks.Unlock(fp)

	var refs int
	err := s.db.QueryRowContext(ctx,
		"SELECT ref_count FROM blobs WHERE fingerprint = ?", fp.String()).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("removing orphaned blob file", zap.String("fingerprint", fp.String()))
		return s.fs.Remove(path)
	}
	return err
}

func (s *Store) removePhysical(fp hasher.Fingerprint) error {
	if err := s.fs.Remove(s.blobPath(fp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob file: %w", err)
	}
	return nil
}

func (s *Store) blobPath(fp hasher.Fingerprint) string {
	a, b := fp.Shard()
	return filepath.Join(s.root, a, b, fp.String())
}

// withRetry re-runs fn while SQLite reports the database busy,
// backing off between attempts. The retry signal is internal; once the
// budget is exhausted the conflict surfaces as an ordinary failure of
// the operation.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", common.ErrConflict, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
