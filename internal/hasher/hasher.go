// Package hasher computes content fingerprints for deduplication.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
)

// HexLen is the length of a fingerprint in lowercase hex characters.
const HexLen = sha256.Size * 2

var fingerprintRegex = regexp.MustCompile("^[a-f0-9]{64}$")

// Fingerprint is the lowercase hex SHA-256 digest of a file's content.
// Equal content yields equal fingerprints across process restarts.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Shard returns the two directory levels used to spread blobs on disk.
func (f Fingerprint) Shard() (string, string) {
	return string(f[:2]), string(f[2:4])
}

// Parse validates s as a fingerprint.
func Parse(s string) (Fingerprint, error) {
	if !fingerprintRegex.MatchString(s) {
		return "", fmt.Errorf("invalid fingerprint %q", s)
	}
	return Fingerprint(s), nil
}

// Digester accumulates a fingerprint while content streams through it.
// It is an io.Writer so callers can tee an upload into it with
// io.MultiWriter while the bytes travel to their destination.
type Digester struct {
	h hash.Hash
	n int64
}

func New() *Digester {
	return &Digester{h: sha256.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (d *Digester) Size() int64 { return d.n }

// Fingerprint returns the digest of everything written so far.
func (d *Digester) Fingerprint() Fingerprint {
	return Fingerprint(hex.EncodeToString(d.h.Sum(nil)))
}

// Sum consumes r in a single forward pass and returns the fingerprint
// and byte count of its content. A read error aborts with no fingerprint.
func Sum(r io.Reader) (Fingerprint, int64, error) {
	d := New()
	n, err := io.Copy(d.h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hashing stream: %w", err)
	}
	d.n = n
	return d.Fingerprint(), n, nil
}
