// Package reclaim deletes blobs whose reference count reached zero.
package reclaim

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/blob"
	"github.com/dupless/dupless/internal/hasher"
)

// Reclaimer consumes reclaim decisions in the background so foreground
// deletes are not blocked by physical removal. The blob store re-checks
// the reference count under its per-fingerprint lock before deleting,
// and deleting an already-absent blob is not an error, so the queue may
// safely contain duplicates or stale decisions.
type Reclaimer struct {
	store *blob.Store
	log   *zap.Logger

	queue chan hasher.Fingerprint
	wg    sync.WaitGroup
	once  sync.Once
}

func New(store *blob.Store, queueSize int, log *zap.Logger) *Reclaimer {
	r := &Reclaimer{
		store: store,
		log:   log.With(zap.String("component", "reclaim")),
		queue: make(chan hasher.Fingerprint, queueSize),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Enqueue hands a decision to the worker. Non-reclaimable decisions
// are dropped. If the queue is full the reclaim runs synchronously
// rather than blocking behind an unbounded backlog.
func (r *Reclaimer) Enqueue(ctx context.Context, d blob.ReclaimDecision) {
	if !d.Reclaimable {
		return
	}
	select {
	case r.queue <- d.Fingerprint:
	default:
		if err := r.store.Reclaim(ctx, d.Fingerprint); err != nil {
			r.log.Error("inline reclaim failed", zap.String("fingerprint", d.Fingerprint.String()), zap.Error(err))
		}
	}
}

// Sweep reconciles ledger and filesystem; see blob.Store.Sweep.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	return r.store.Sweep(ctx)
}

// Close drains the queue and stops the worker.
func (r *Reclaimer) Close() {
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *Reclaimer) worker() {
	defer r.wg.Done()
	for fp := range r.queue {
		if err := r.store.Reclaim(context.Background(), fp); err != nil {
			r.log.Error("reclaim failed", zap.String("fingerprint", fp.String()), zap.Error(err))
		}
	}
}
