// Package engine orchestrates uploads, deletes and queries across the
// blob store, the file index, the statistics aggregator and the
// reclaimer.
package engine

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/blob"
	"github.com/dupless/dupless/internal/index"
	"github.com/dupless/dupless/internal/reclaim"
	"github.com/dupless/dupless/internal/stats"
)

// UploadMeta is the display metadata accompanying an upload stream.
type UploadMeta struct {
	Name        string
	ContentType string
	UploadedBy  string
}

type Engine struct {
	blobs     *blob.Store
	index     *index.Index
	stats     *stats.Aggregator
	reclaimer *reclaim.Reclaimer
	log       *zap.Logger
}

func New(blobs *blob.Store, idx *index.Index, agg *stats.Aggregator, rec *reclaim.Reclaimer, log *zap.Logger) *Engine {
	return &Engine{
		blobs:     blobs,
		index:     idx,
		stats:     agg,
		reclaimer: rec,
		log:       log.With(zap.String("component", "engine")),
	}
}

// Upload streams r into storage and creates a file entry for it. The
// blob commit happens before the index insert, so the index never
// references a nonexistent blob. If the index insert fails the link is
// compensated, leaving no partial state. Either the blob/entry pair is
// fully created or nothing is.
func (e *Engine) Upload(ctx context.Context, r io.Reader, meta UploadMeta) (*index.Entry, error) {
	staged, err := e.blobs.Stage(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer staged.Discard()

	ref, err := e.blobs.PutOrLink(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	entry := &index.Entry{
		Name:        meta.Name,
		ContentType: meta.ContentType,
		Size:        ref.Size,
		UploadedBy:  meta.UploadedBy,
		Fingerprint: ref.Fingerprint,
	}
	if _, err := e.index.Create(ctx, entry); err != nil {
		if d, uerr := e.blobs.Unlink(ctx, ref.Fingerprint); uerr != nil {
			e.log.Error("compensating unlink failed",
				zap.String("fingerprint", ref.Fingerprint.String()), zap.Error(uerr))
		} else {
			e.reclaimer.Enqueue(ctx, d)
		}
		return nil, fmt.Errorf("upload: %w", err)
	}

	e.log.Info("file uploaded",
		zap.String("id", entry.ID),
		zap.String("name", entry.Name),
		zap.Int64("size", entry.Size),
		zap.Bool("deduplicated", ref.Linked))
	return entry, nil
}

// Delete removes the entry, unlinks its blob and forwards the reclaim
// decision.
func (e *Engine) Delete(ctx context.Context, id string) error {
	fp, err := e.index.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	d, err := e.blobs.Unlink(ctx, fp)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	e.reclaimer.Enqueue(ctx, d)

	e.log.Info("file deleted", zap.String("id", id), zap.String("fingerprint", fp.String()))
	return nil
}

// Open returns the entry and a reader over its content.
func (e *Engine) Open(ctx context.Context, id string) (*index.Entry, io.ReadCloser, error) {
	entry, err := e.index.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	rc, err := e.blobs.Open(ctx, entry.Fingerprint)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	return entry, rc, nil
}

// Rename updates the display name of an entry.
func (e *Engine) Rename(ctx context.Context, id, name string) error {
	if err := e.index.Rename(ctx, id, name); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// List returns file entries matching the filter.
func (e *Engine) List(ctx context.Context, filter index.Filter) ([]*index.Entry, error) {
	return e.index.List(ctx, filter)
}

// Statistics returns the current counters. It never fails; on a
// transient error the aggregator serves its last known-good snapshot.
func (e *Engine) Statistics(ctx context.Context) stats.Snapshot {
	return e.stats.Snapshot(ctx)
}
