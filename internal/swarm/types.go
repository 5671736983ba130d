package swarm

import (
	"fmt"
	"time"
)

// Tier is the trust class of swarm content.
type Tier string

const (
	// TierSystem content is pinned: it keeps seeding and cannot be removed
	// while the system auto-seed policy is active.
	TierSystem Tier = "system"
	// TierPopular content is replicated on demand and may be evicted.
	TierPopular Tier = "popular"
	// TierPrivate content is never evicted automatically.
	TierPrivate Tier = "private"
)

// Tiers lists every tier in fallback order.
var Tiers = []Tier{TierSystem, TierPopular, TierPrivate}

// ParseTier validates s as a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierSystem, TierPopular, TierPrivate:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// State is the lifecycle state of a session.
type State string

const (
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StatePaused      State = "paused"
	StateStopped     State = "stopped"
)

// FileEntry lists one file of a descriptor.
type FileEntry struct {
	Name string
	Path string
	Size int64
}

// Record is the durable description of one descriptor tracked by a node.
type Record struct {
	InfoHash  string
	Magnet    string
	Name      string
	TotalSize int64
	Files     []FileEntry
	ContentID string
	Tier      Tier
	Category  string
	Priority  int
	CreatedAt time.Time
}

// SessionStats is a point-in-time view of a live session.
type SessionStats struct {
	InfoHash        string
	BytesDownloaded int64
	BytesUploaded   int64
	DownloadRateBps float64
	UploadRateBps   float64
	ShareRatio      float64
	PeerCount       int
	Progress        float64
	State           State
}

// TierStats aggregates the records of one tier.
type TierStats struct {
	Count     int
	TotalSize int64
}

// NodeStats aggregates tracked records and live sessions.
type NodeStats struct {
	Tiers       map[Tier]TierStats
	Seeding     int
	Downloading int
	Paused      int
	Peers       int
	// SystemWindowBytes is the system-tier traffic inside the bandwidth
	// window.
	SystemWindowBytes int64
}

// ShareRatio is uploaded bytes over downloaded bytes. Sessions that never
// downloaded, such as local seeds, are measured against their total size.
func ShareRatio(uploaded, downloaded, totalSize int64) float64 {
	base := downloaded
	if base <= 0 {
		base = totalSize
	}
	if base <= 0 {
		return 0
	}
	return float64(uploaded) / float64(base)
}
