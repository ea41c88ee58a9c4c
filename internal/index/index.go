// Package index keeps the logical file records users see. Each entry
// holds a non-owning fingerprint reference to a blob; many entries may
// share one blob.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/common"
	"github.com/dupless/dupless/internal/hasher"
)

// Entry is one uploaded file as the user sees it. Immutable after
// creation except for Name.
type Entry struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	ContentType string             `json:"content_type"`
	Size        int64              `json:"size"`
	UploadedBy  string             `json:"uploaded_by"`
	UploadedAt  time.Time          `json:"uploaded_at"`
	Fingerprint hasher.Fingerprint `json:"fingerprint"`
}

// Filter restricts List. Zero-valued fields impose no constraint.
type Filter struct {
	// Name matches as a case-insensitive substring of the display name.
	Name string
	// Types are content-type alternatives; an entry matches if its
	// content type contains any of them, case-insensitively.
	Types          []string
	MinSize        *int64
	MaxSize        *int64
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
	OrderBy        string
	OrderDir       string
	Limit          int
	Offset         int
}

var validOrderBy = map[string]bool{
	"uploaded_at":  true,
	"name":         true,
	"size":         true,
	"content_type": true,
}

type Index struct {
	db  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Index {
	return &Index{db: db, log: log.With(zap.String("component", "index"))}
}

// Create inserts e with a fresh id and returns it. The blob referenced
// by e.Fingerprint must already be committed.
func (i *Index) Create(ctx context.Context, e *Entry) (string, error) {
	e.ID = uuid.NewString()
	if e.UploadedAt.IsZero() {
		e.UploadedAt = time.Now().UTC()
	}
	if e.ContentType == "" {
		e.ContentType = "application/octet-stream"
	}
	if e.UploadedBy == "" {
		e.UploadedBy = "anonymous"
	}

	_, err := i.db.ExecContext(ctx,
		`INSERT INTO files (id, name, content_type, size, uploaded_by, uploaded_at, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.ContentType, e.Size, e.UploadedBy, e.UploadedAt, e.Fingerprint.String())
	if err != nil {
		return "", fmt.Errorf("inserting file entry: %w", err)
	}
	return e.ID, nil
}

// Get returns one entry by id.
func (i *Index) Get(ctx context.Context, id string) (*Entry, error) {
	row := i.db.QueryRowContext(ctx,
		`SELECT id, name, content_type, size, uploaded_by, uploaded_at, fingerprint
		 FROM files WHERE id = ?`, id)
	return scanEntry(row)
}

// Delete removes the entry and returns its fingerprint so the caller
// can unlink the blob. Index removal happens before the unlink: a
// crash in between leaves an orphaned blob for the sweep, never a
// dangling entry.
func (i *Index) Delete(ctx context.Context, id string) (hasher.Fingerprint, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("deleting file entry: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT fingerprint FROM files WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("deleting file entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("deleting file entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("deleting file entry: %w", err)
	}
	return hasher.Fingerprint(raw), nil
}

// Rename changes the display name only; the fingerprint link is never
// touched.
func (i *Index) Rename(ctx context.Context, id, name string) error {
	res, err := i.db.ExecContext(ctx, "UPDATE files SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("renaming file entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renaming file entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// List returns entries matching the filter, newest first by default.
func (i *Index) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	whereParts := []string{}
	args := []interface{}{}

	if filter.Name != "" {
		whereParts = append(whereParts, "name LIKE ?")
		args = append(args, "%"+filter.Name+"%")
	}

	if len(filter.Types) > 0 {
		typeParts := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			typeParts = append(typeParts, "content_type LIKE ?")
			args = append(args, "%"+t+"%")
		}
		if len(typeParts) > 0 {
			whereParts = append(whereParts, "("+strings.Join(typeParts, " OR ")+")")
		}
	}

	if filter.MinSize != nil {
		whereParts = append(whereParts, "size >= ?")
		args = append(args, *filter.MinSize)
	}
	if filter.MaxSize != nil {
		whereParts = append(whereParts, "size <= ?")
		args = append(args, *filter.MaxSize)
	}
	if filter.UploadedAfter != nil {
		whereParts = append(whereParts, "uploaded_at >= ?")
		args = append(args, *filter.UploadedAfter)
	}
	if filter.UploadedBefore != nil {
		whereParts = append(whereParts, "uploaded_at <= ?")
		args = append(args, *filter.UploadedBefore)
	}

	whereClause := ""
	if len(whereParts) > 0 {
		whereClause = "WHERE " + strings.Join(whereParts, " AND ")
	}

	if filter.Limit <= 0 {
		filter.Limit = 100
	} else if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if !validOrderBy[filter.OrderBy] {
		filter.OrderBy = "uploaded_at"
	}
	if filter.OrderDir != "asc" && filter.OrderDir != "desc" {
		filter.OrderDir = "desc"
	}

	query := fmt.Sprintf(`
		SELECT id, name, content_type, size, uploaded_by, uploaded_at, fingerprint
		FROM files %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?`,
		whereClause, filter.OrderBy, filter.OrderDir)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing file entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals returns the count and summed nominal size of all entries.
func (i *Index) Totals(ctx context.Context) (int64, int64, error) {
	var count, bytes int64
	err := i.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files").Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating file entries: %w", err)
	}
	return count, bytes, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var raw string
	err := row.Scan(&e.ID, &e.Name, &e.ContentType, &e.Size, &e.UploadedBy, &e.UploadedAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file entry: %w", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning file entry: %w", err)
	}
	e.Fingerprint = hasher.Fingerprint(raw)
	return &e, nil
}
