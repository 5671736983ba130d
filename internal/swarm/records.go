package swarm

import (
	"context"
	"errors"
)

// ErrRecordNotFound is returned by RecordStore lookups that miss.
var ErrRecordNotFound = errors.New("record not found")

// RecordStore persists descriptor records. Put keeps a content id index
// pointing at the most recently stored record for that content id.
type RecordStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, infoHash string) (Record, error)
	GetByContentID(ctx context.Context, contentID string) (Record, error)
	List(ctx context.Context, tier Tier) ([]Record, error)
	// Delete removes the record and, when it still points at the record,
	// its content id index entry. Deleting a missing record is a no-op.
	Delete(ctx context.Context, infoHash string) error
	Close() error
}
