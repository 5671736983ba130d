package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by a ContentStore when no payload exists for the
// requested content identifier.
var ErrNotFound = errors.New("content not found")

// ContentStore is a content-addressed payload store. A payload's identifier is
// the SHA-256 hexadecimal digest of its bytes, so identical payloads share one
// identifier and one stored copy.
//
// Implementations make no transactional promises beyond a completed Put being
// visible to subsequent Get calls.
type ContentStore interface {
	// Put stores data and returns its content identifier. The hint is an
	// optional human readable label (usually "bucket/key") used for logging
	// and by backends that can attach metadata; it never affects the id.
	Put(ctx context.Context, data []byte, hint string) (string, error)

	// Get retrieves the payload previously stored under id.
	Get(ctx context.Context, id string) ([]byte, error)

	// Has reports whether a payload is stored under id.
	Has(ctx context.Context, id string) (bool, error)
}

// ContentID computes the identifier a ContentStore assigns to data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validContentID reports whether id looks like a SHA-256 hex digest.
func validContentID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
