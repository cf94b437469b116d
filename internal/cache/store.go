package cache

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Store maps fingerprints to generated artifacts. Entries are append-only:
// a Put for an existing fingerprint may overwrite it with equivalent bytes.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Put(ctx context.Context, fingerprint string, data []byte) error
}

// Entry describes a stored artifact for eviction decisions.
type Entry struct {
	Fingerprint string
	Size        int64
	ModTime     time.Time
}

// ValidFingerprint reports whether fp is a lowercase hex SHA-256 digest.
func ValidFingerprint(fp string) bool {
	if len(fp) != 64 {
		return false
	}
	for _, c := range fp {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
