// Package events carries the lifecycle notifications emitted by the object
// store and the swarm distributor. Every notification is one of a closed set
// of typed variants; subscribers select the kinds they care about.
package events

import "fmt"

// Kind identifies an event variant.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindAdded
	KindDone
	KindError
	KindRemoved
	KindEvicted
	KindObjectCreated
	KindObjectRemoved
)

// AllKinds lists every variant, in declaration order.
var AllKinds = []Kind{
	KindCreated,
	KindAdded,
	KindDone,
	KindError,
	KindRemoved,
	KindEvicted,
	KindObjectCreated,
	KindObjectRemoved,
}

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindAdded:
		return "added"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindRemoved:
		return "removed"
	case KindEvicted:
		return "evicted"
	case KindObjectCreated:
		return "object-created"
	case KindObjectRemoved:
		return "object-removed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is implemented by every variant below.
type Event interface {
	Kind() Kind
}

// Created is published once a locally supplied payload is stored and seeding.
type Created struct {
	InfoHash  string
	ContentID string
	Name      string
	Tier      string
	Size      int64
}

// Added is published when a descriptor is admitted and its download begins.
type Added struct {
	InfoHash  string
	ContentID string
	Tier      string
	Priority  int
}

// Done is published when a download completes and the payload is persisted.
type Done struct {
	InfoHash  string
	ContentID string
	Tier      string
	Size      int64
}

// Error reports a failure in background work. Op names the step that failed.
type Error struct {
	InfoHash string
	Op       string
	Err      error
}

// Removed is published after a record and its session have been torn down.
type Removed struct {
	InfoHash  string
	ContentID string
	Tier      string
}

// Evicted is published when capacity pressure releases a record.
type Evicted struct {
	InfoHash   string
	ContentID  string
	ShareRatio float64
}

// ObjectCreated is published after an object version becomes current.
type ObjectCreated struct {
	Bucket    string
	Key       string
	ETag      string
	VersionID string
	Size      int64
}

// ObjectRemoved is published after an object or one of its versions is
// deleted.
type ObjectRemoved struct {
	Bucket    string
	Key       string
	VersionID string
}

func (Created) Kind() Kind       { return KindCreated }
func (Added) Kind() Kind         { return KindAdded }
func (Done) Kind() Kind          { return KindDone }
func (Error) Kind() Kind         { return KindError }
func (Removed) Kind() Kind       { return KindRemoved }
func (Evicted) Kind() Kind       { return KindEvicted }
func (ObjectCreated) Kind() Kind { return KindObjectCreated }
func (ObjectRemoved) Kind() Kind { return KindObjectRemoved }
