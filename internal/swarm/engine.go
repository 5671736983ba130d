// Package swarm distributes stored content over a peer swarm. The
// Distributor owns tier policy, admission, eviction and bandwidth
// accounting; the peer protocol itself sits behind the Engine interface.
package swarm

import "context"

// Engine is the peer-to-peer capability the Distributor orchestrates.
type Engine interface {
	// Start performs one-time setup. The Distributor calls it at most once.
	Start(ctx context.Context) error
	// Seed serves data under d.
	Seed(ctx context.Context, d Descriptor, data []byte) (Session, error)
	// Join enters the swarm for m and starts downloading.
	Join(ctx context.Context, m Magnet) (Session, error)
	// Close tears down every session and releases the engine.
	Close() error
}

// Session is one descriptor's presence in the swarm.
type Session interface {
	InfoHash() string
	Stats() SessionStats
	// Done is closed when the payload is complete or the session failed.
	Done() <-chan struct{}
	// Err is the failure that closed Done, if any.
	Err() error
	// Bytes returns the payload once Done is closed.
	Bytes() ([]byte, error)
	Pause() error
	Resume() error
	Close() error
}
