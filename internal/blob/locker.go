package blob

import (
	"sync"

	"github.com/dupless/dupless/internal/hasher"
)

// keyedMutex provides one mutex per fingerprint. All mutations to a
// blob's reference count and physical existence go through it, so a
// reclaim never races a concurrent link of the same content. Locks for
// different fingerprints are independent. Entries are dropped once the
// last holder releases them, so the table stays proportional to the
// number of in-flight operations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[hasher.Fingerprint]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	holders int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[hasher.Fingerprint]*lockEntry)}
}

func (k *keyedMutex) Lock(fp hasher.Fingerprint) {
	k.mu.Lock()
	e, ok := k.locks[fp]
	if !ok {
		e = &lockEntry{}
		k.locks[fp] = e
	}
	e.holders++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) Unlock(fp hasher.Fingerprint) {
	k.mu.Lock()
	e := k.locks[fp]
	e.holders--
	if e.holders == 0 {
		delete(k.locks, fp)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
