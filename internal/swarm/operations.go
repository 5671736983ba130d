package swarm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"depot/internal/apierror"
	"depot/internal/events"
	"depot/internal/objectstore"
	"depot/internal/storage"

	"golang.org/x/sync/errgroup"
)

// ObjectKey is where a payload of tier and contentID lives in the swarm
// bucket.
func ObjectKey(tier Tier, contentID, name string) string {
	return path.Join(string(tier), contentID, name)
}

// CreateOptions describes locally created content.
type CreateOptions struct {
	Name string
	// ContentID defaults to the SHA-256 of the payload.
	ContentID string
	Tier      Tier
	Category  string
}

// AddOptions describes content joined from the swarm.
type AddOptions struct {
	Tier     Tier
	Priority int
	// ContentID defaults to the infohash.
	ContentID string
	// Name overrides the magnet display name.
	Name     string
	Category string
}

func validContentID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}

func (d *Distributor) putObject(ctx context.Context, key string, data []byte, rec Record) error {
	_, err := d.objects.PutObject(ctx, objectstore.PutObjectInput{
		Bucket:      d.cfg.Bucket,
		Key:         key,
		Body:        data,
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"info-hash":  rec.InfoHash,
			"content-id": rec.ContentID,
			"tier":       string(rec.Tier),
			"category":   rec.Category,
		},
	})
	return err
}

// CreateTorrent stores data in the swarm bucket, seeds it and records the
// descriptor. An existing descriptor for the same content id is replaced.
func (d *Distributor) CreateTorrent(ctx context.Context, data []byte, opts CreateOptions) (Record, error) {
	if opts.Tier == "" {
		opts.Tier = TierPopular
	}
	if _, err := ParseTier(string(opts.Tier)); err != nil {
		return Record{}, apierror.ErrInvalidArgument.WithMessage(err.Error())
	}
	if opts.ContentID == "" {
		opts.ContentID = storage.ContentID(data)
	}
	if !validContentID(opts.ContentID) {
		return Record{}, apierror.ErrInvalidArgument.WithMessage("Content id must be a single path segment.")
	}
	if opts.Name == "" {
		opts.Name = opts.ContentID
	}
	if err := d.ensureEngine(ctx); err != nil {
		return Record{}, err
	}

	desc, err := NewDescriptor(opts.Name, data)
	if err != nil {
		return Record{}, err
	}
	key := ObjectKey(opts.Tier, opts.ContentID, opts.Name)
	if !objectstore.IsValidObjectKey(key) {
		return Record{}, apierror.ErrInvalidArgument.WithMessage("Name does not form a valid object key.")
	}

	unlockContent := d.locks.LockContentID(opts.ContentID)
	defer unlockContent()

	prev, found, err := d.previousDescriptor(ctx, opts.ContentID, desc.InfoHash, opts.Tier)
	if err != nil {
		return Record{}, err
	}
	if found {
		if err := d.replace(ctx, prev); err != nil {
			return Record{}, err
		}
	}

	unlock := d.locks.Lock(desc.InfoHash)
	defer unlock()

	if e, ok := d.lookup(desc.InfoHash); ok {
		return e.record, nil
	}

	rec := Record{
		InfoHash:  desc.InfoHash,
		Magnet:    desc.Magnet().String(),
		Name:      opts.Name,
		TotalSize: desc.Size,
		Files:     []FileEntry{{Name: opts.Name, Path: key, Size: desc.Size}},
		ContentID: opts.ContentID,
		Tier:      opts.Tier,
		Category:  opts.Category,
		CreatedAt: d.now(),
	}

	if err := d.putObject(ctx, key, data, rec); err != nil {
		return Record{}, fmt.Errorf("store payload: %w", err)
	}

	session, err := d.engine.Seed(ctx, desc, data)
	if err != nil {
		return Record{}, fmt.Errorf("seed: %w", err)
	}
	if err := d.records.Put(ctx, rec); err != nil {
		_ = session.Close()
		return Record{}, fmt.Errorf("persist record: %w", err)
	}

	d.insert(&entry{record: rec, session: session})
	d.cache.set(rec.InfoHash, data)

	d.log.Info("Created torrent", "info_hash", rec.InfoHash, "content_id", rec.ContentID, "tier", rec.Tier, "size", rec.TotalSize)
	d.pub.Publish(events.Created{InfoHash: rec.InfoHash, ContentID: rec.ContentID, Name: rec.Name, Tier: string(rec.Tier), Size: rec.TotalSize})
	return rec, nil
}

// previousDescriptor returns the record that currently owns contentID under
// a different infohash. Pinned system content may only be replaced by new
// system content. Callers hold the content id lock.
func (d *Distributor) previousDescriptor(ctx context.Context, contentID, infoHash string, tier Tier) (Record, bool, error) {
	prev, err := d.records.GetByContentID(ctx, contentID)
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup content id: %w", err)
	}
	if prev.InfoHash == infoHash {
		return Record{}, false, nil
	}
	if d.pinned(prev) && tier != TierSystem {
		d.log.Warn("Refusing to replace system content", "info_hash", prev.InfoHash, "content_id", contentID, "tier", tier)
		return Record{}, false, apierror.ErrCannotRemoveSystemContent
	}
	return prev, true, nil
}

// replace drops the previous descriptor of a content id. Callers hold the
// content id lock and have checked pins.
func (d *Distributor) replace(ctx context.Context, prev Record) error {
	unlock := d.locks.Lock(prev.InfoHash)
	defer unlock()
	d.log.Info("Replacing torrent", "info_hash", prev.InfoHash, "content_id", prev.ContentID)
	return d.teardown(ctx, prev)
}

// teardown closes the session of rec and forgets it. Callers hold the
// record lock.
func (d *Distributor) teardown(ctx context.Context, rec Record) error {
	d.mu.Lock()
	e, ok := d.entries[rec.InfoHash]
	delete(d.entries, rec.InfoHash)
	d.mu.Unlock()

	if ok && e.session != nil {
		if err := e.session.Close(); err != nil {
			d.log.Warn("Close swarm session", "info_hash", rec.InfoHash, "err", err)
		}
	}
	d.cache.delete(rec.InfoHash)

	if err := d.records.Delete(ctx, rec.InfoHash); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	d.pub.Publish(events.Removed{InfoHash: rec.InfoHash, ContentID: rec.ContentID, Tier: string(rec.Tier)})
	return nil
}

// AddMagnet joins the swarm for uri. Adding a tracked descriptor returns the
// existing record.
func (d *Distributor) AddMagnet(ctx context.Context, uri string, opts AddOptions) (Record, error) {
	m, err := ParseMagnet(uri)
	if err != nil {
		return Record{}, err
	}
	if opts.Tier == "" {
		opts.Tier = TierPopular
	}
	if _, err := ParseTier(string(opts.Tier)); err != nil {
		return Record{}, apierror.ErrInvalidArgument.WithMessage(err.Error())
	}
	if opts.ContentID == "" {
		opts.ContentID = m.InfoHash
	}
	if !validContentID(opts.ContentID) {
		return Record{}, apierror.ErrInvalidArgument.WithMessage("Content id must be a single path segment.")
	}
	if opts.Name != "" {
		m.Name = opts.Name
	}
	if err := d.ensureEngine(ctx); err != nil {
		return Record{}, err
	}

	unlockContent := d.locks.LockContentID(opts.ContentID)
	defer unlockContent()

	prev, found, err := d.previousDescriptor(ctx, opts.ContentID, m.InfoHash, opts.Tier)
	if err != nil {
		return Record{}, err
	}

	unlock := d.locks.Lock(m.InfoHash)
	defer unlock()

	if e, ok := d.lookup(m.InfoHash); ok {
		return e.record, nil
	}

	rec := Record{
		InfoHash:  m.InfoHash,
		Magnet:    m.String(),
		Name:      m.Name,
		TotalSize: m.Size,
		ContentID: opts.ContentID,
		Tier:      opts.Tier,
		Category:  opts.Category,
		Priority:  opts.Priority,
		CreatedAt: d.now(),
	}

	e, err := d.admit(ctx, m, rec)
	if err != nil {
		return Record{}, err
	}

	// The old descriptor goes only once the new session is admitted, and
	// before the new record takes over the content id index.
	if found {
		if err := d.replace(ctx, prev); err != nil {
			d.mu.Lock()
			delete(d.entries, rec.InfoHash)
			d.mu.Unlock()
			_ = e.session.Close()
			return Record{}, err
		}
	}

	if err := d.records.Put(ctx, rec); err != nil {
		d.mu.Lock()
		delete(d.entries, rec.InfoHash)
		d.mu.Unlock()
		_ = e.session.Close()
		return Record{}, fmt.Errorf("persist record: %w", err)
	}
	d.watch(e)

	d.log.Info("Added torrent", "info_hash", rec.InfoHash, "content_id", rec.ContentID, "tier", rec.Tier, "priority", rec.Priority)
	d.pub.Publish(events.Added{InfoHash: rec.InfoHash, ContentID: rec.ContentID, Tier: string(rec.Tier), Priority: rec.Priority})
	return rec, nil
}

// admit runs the bandwidth and capacity checks and joins the swarm, all
// under the admission lock, and inserts the new entry before releasing it.
func (d *Distributor) admit(ctx context.Context, m Magnet, rec Record) (*entry, error) {
	d.admitMu.Lock()
	defer d.admitMu.Unlock()

	if rec.Tier == TierSystem {
		d.sampleTraffic()
		if d.meter.exceeded(d.now()) {
			d.log.Warn("System bandwidth budget exhausted", "info_hash", m.InfoHash)
			return nil, apierror.ErrBandwidthLimitExceeded
		}
	}

	if d.sessionCount() >= d.cfg.MaxConcurrentSessions {
		if _, err := d.evict(ctx); err != nil {
			return nil, err
		}
	}

	session, err := d.engine.Join(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	e := &entry{record: rec, session: session}
	d.insert(e)
	return e, nil
}

// EvictOne removes the popular record with the highest share ratio. It
// fails with CapacityExceeded when no record is evictable.
func (d *Distributor) EvictOne(ctx context.Context) (Record, error) {
	d.admitMu.Lock()
	defer d.admitMu.Unlock()
	return d.evict(ctx)
}

type evictionCandidate struct {
	record Record
	ratio  float64
}

func (d *Distributor) evictionCandidates() []evictionCandidate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []evictionCandidate
	for _, e := range d.entries {
		// System content is pinned and private content is never evicted
		// automatically.
		if e.record.Tier != TierPopular || e.session == nil {
			continue
		}
		st := e.session.Stats()
		out = append(out, evictionCandidate{
			record: e.record,
			ratio:  ShareRatio(st.BytesUploaded, st.BytesDownloaded, e.record.TotalSize),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ratio != out[j].ratio {
			return out[i].ratio > out[j].ratio
		}
		return out[i].record.InfoHash < out[j].record.InfoHash
	})
	return out
}

func (d *Distributor) evict(ctx context.Context) (Record, error) {
	for _, c := range d.evictionCandidates() {
		unlock := d.locks.Lock(c.record.InfoHash)
		if !d.tracked(c.record.InfoHash) {
			unlock()
			continue
		}
		err := d.teardown(ctx, c.record)
		unlock()
		if err != nil {
			return Record{}, err
		}

		d.log.Info("Evicted torrent", "info_hash", c.record.InfoHash, "content_id", c.record.ContentID, "share_ratio", c.ratio)
		d.pub.Publish(events.Evicted{InfoHash: c.record.InfoHash, ContentID: c.record.ContentID, ShareRatio: c.ratio})
		return c.record, nil
	}
	return Record{}, apierror.ErrCapacityExceeded
}

// DownloadOption tunes Download.
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	tier Tier
}

// WithTier makes the object store fallback try tier first.
func WithTier(t Tier) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.tier = t
	}
}

// resolve maps a content id or infohash to a record. The record is zero when
// ref is an untracked infohash.
func (d *Distributor) resolve(ctx context.Context, ref string) (Record, bool, error) {
	rec, err := d.records.GetByContentID(ctx, ref)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return Record{}, false, fmt.Errorf("lookup content id: %w", err)
	}
	if !IsInfoHash(ref) {
		return Record{}, false, nil
	}
	hash := strings.ToLower(ref)
	rec, err = d.records.Get(ctx, hash)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, ErrRecordNotFound):
		return Record{InfoHash: hash}, false, nil
	default:
		return Record{}, false, fmt.Errorf("lookup infohash: %w", err)
	}
}

// Download returns the bytes of ref, a content id or a 40 hex infohash. An
// incomplete session is awaited until ctx ends; the session survives a
// caller timeout. Without a usable session the object store is searched
// across tiers.
func (d *Distributor) Download(ctx context.Context, ref string, opts ...DownloadOption) ([]byte, error) {
	var cfg downloadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	rec, found, err := d.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if rec.InfoHash != "" {
		if data, ok := d.cache.get(rec.InfoHash); ok {
			return data, nil
		}

		if e, ok := d.lookup(rec.InfoHash); ok && e.session != nil {
			select {
			case <-e.session.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if data, err := e.session.Bytes(); err == nil {
				d.cache.set(rec.InfoHash, data)
				return data, nil
			}
		}
	}

	contentID := ref
	if found {
		contentID = rec.ContentID
	}
	tier := cfg.tier
	if tier == "" {
		tier = rec.Tier
	}
	return d.storedBytes(ctx, contentID, tier)
}

// storedBytes finds the payload of contentID in the swarm bucket, trying
// first before the remaining tiers.
func (d *Distributor) storedBytes(ctx context.Context, contentID string, first Tier) ([]byte, error) {
	if !validContentID(contentID) {
		return nil, apierror.ErrNotFound
	}

	order := make([]Tier, 0, len(Tiers))
	if first != "" {
		order = append(order, first)
	}
	for _, t := range Tiers {
		if t != first {
			order = append(order, t)
		}
	}

	for _, t := range order {
		list, err := d.objects.ListObjects(ctx, objectstore.ListObjectsInput{
			Bucket:  d.cfg.Bucket,
			Prefix:  string(t) + "/" + contentID + "/",
			MaxKeys: 1,
		})
		if errors.Is(err, apierror.ErrNoSuchBucket) {
			return nil, apierror.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("list stored content: %w", err)
		}
		if len(list.Contents) == 0 {
			continue
		}

		out, err := d.objects.GetObject(ctx, objectstore.GetObjectInput{Bucket: d.cfg.Bucket, Key: list.Contents[0].Key})
		if errors.Is(err, apierror.ErrNoSuchKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read stored content: %w", err)
		}
		return out.Body, nil
	}
	return nil, apierror.ErrNotFound
}

// GetTorrent looks a record up by content id.
func (d *Distributor) GetTorrent(ctx context.Context, contentID string) (Record, error) {
	rec, err := d.records.GetByContentID(ctx, contentID)
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, apierror.ErrNotFound
	}
	return rec, err
}

func (d *Distributor) GetTorrentByHash(ctx context.Context, infoHash string) (Record, error) {
	rec, err := d.records.Get(ctx, strings.ToLower(infoHash))
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, apierror.ErrNotFound
	}
	return rec, err
}

// ListTorrents returns the records of tier, or all records for "".
func (d *Distributor) ListTorrents(ctx context.Context, tier Tier) ([]Record, error) {
	return d.records.List(ctx, tier)
}

// trackedRecord resolves ref, a content id or an infohash, to a known
// record or fails with NotFound.
func (d *Distributor) trackedRecord(ctx context.Context, ref string) (Record, error) {
	rec, found, err := d.resolve(ctx, ref)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, apierror.ErrNotFound
	}
	return rec, nil
}

// Status reports the live session stats of ref. Tracked records without a
// session report the stopped state.
func (d *Distributor) Status(ctx context.Context, ref string) (SessionStats, error) {
	rec, err := d.trackedRecord(ctx, ref)
	if err != nil {
		return SessionStats{}, err
	}
	if e, ok := d.lookup(rec.InfoHash); ok && e.session != nil {
		return e.session.Stats(), nil
	}
	return SessionStats{InfoHash: rec.InfoHash, State: StateStopped}, nil
}

func (d *Distributor) pinned(rec Record) bool {
	return rec.Tier == TierSystem && d.cfg.SystemAutoSeed
}

// StartSeeding resumes a paused session.
func (d *Distributor) StartSeeding(ctx context.Context, ref string) error {
	rec, err := d.trackedRecord(ctx, ref)
	if err != nil {
		return err
	}
	unlock := d.locks.Lock(rec.InfoHash)
	defer unlock()

	e, ok := d.lookup(rec.InfoHash)
	if !ok || e.session == nil {
		return apierror.ErrNotFound.WithMessage("The torrent has no live session.")
	}
	return e.session.Resume()
}

// StopSeeding pauses a session. Pinned system content is refused and left
// untouched.
func (d *Distributor) StopSeeding(ctx context.Context, ref string) error {
	rec, err := d.trackedRecord(ctx, ref)
	if err != nil {
		return err
	}
	if d.pinned(rec) {
		d.log.Warn("Refusing to stop system content", "info_hash", rec.InfoHash, "content_id", rec.ContentID)
		return apierror.ErrCannotStopSystemContent
	}

	unlock := d.locks.Lock(rec.InfoHash)
	defer unlock()

	e, ok := d.lookup(rec.InfoHash)
	if !ok || e.session == nil {
		return apierror.ErrNotFound.WithMessage("The torrent has no live session.")
	}
	return e.session.Pause()
}

// RemoveTorrent closes the session and deletes the record. Payload bytes
// stay in the object store. Pinned system content is refused.
func (d *Distributor) RemoveTorrent(ctx context.Context, ref string) error {
	rec, err := d.trackedRecord(ctx, ref)
	if err != nil {
		return err
	}
	if d.pinned(rec) {
		d.log.Warn("Refusing to remove system content", "info_hash", rec.InfoHash, "content_id", rec.ContentID)
		return apierror.ErrCannotRemoveSystemContent
	}

	unlock := d.locks.Lock(rec.InfoHash)
	defer unlock()

	if err := d.teardown(ctx, rec); err != nil {
		return err
	}
	d.log.Info("Removed torrent", "info_hash", rec.InfoHash, "content_id", rec.ContentID)
	return nil
}

// SystemItem is one payload for SeedSystemContent.
type SystemItem struct {
	ContentID string
	Name      string
	Data      []byte
}

// SeedSystemContent creates system-tier torrents for items, a few at a
// time. It returns the records created before the first failure.
func (d *Distributor) SeedSystemContent(ctx context.Context, items []SystemItem) (map[string]Record, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]Record, len(items))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SeedConcurrency)
	for _, item := range items {
		g.Go(func() error {
			rec, err := d.CreateTorrent(gctx, item.Data, CreateOptions{
				Name:      item.Name,
				ContentID: item.ContentID,
				Tier:      TierSystem,
				Category:  "app-bundle",
			})
			if err != nil {
				return fmt.Errorf("seed %s: %w", item.ContentID, err)
			}
			mu.Lock()
			out[rec.ContentID] = rec
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// Candidate is content proposed for popular-tier replication.
type Candidate struct {
	ContentID string
	Magnet    string
	Score     float64
	// Size falls back to the magnet exact length when zero.
	Size int64
}

// ReplicatePopular admits the best scoring candidates until the cache
// budget would be exceeded.
func (d *Distributor) ReplicatePopular(ctx context.Context, candidates []Candidate) ([]Record, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= d.cfg.MinPopularityScore {
			eligible = append(eligible, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Score > eligible[j].Score
	})

	var (
		admitted []Record
		used     int64
	)
	for _, c := range eligible {
		if c.ContentID != "" {
			if _, err := d.records.GetByContentID(ctx, c.ContentID); err == nil {
				continue
			}
		}

		m, err := ParseMagnet(c.Magnet)
		if err != nil {
			d.log.Warn("Skipping replication candidate", "content_id", c.ContentID, "err", err)
			continue
		}
		if d.tracked(m.InfoHash) {
			continue
		}
		size := c.Size
		if size <= 0 {
			size = m.Size
		}
		if used+size > d.cfg.CacheBudgetBytes {
			break
		}

		rec, err := d.AddMagnet(ctx, c.Magnet, AddOptions{Tier: TierPopular, ContentID: c.ContentID})
		if err != nil {
			return admitted, fmt.Errorf("replicate %s: %w", c.ContentID, err)
		}
		used += size
		admitted = append(admitted, rec)
	}

	if len(admitted) > 0 {
		d.log.Info("Replicated popular content", "admitted", len(admitted), "bytes", used)
	}
	return admitted, nil
}

// NodeStats aggregates the tracked records per tier and the live sessions.
func (d *Distributor) NodeStats(ctx context.Context) (NodeStats, error) {
	stats := NodeStats{Tiers: make(map[Tier]TierStats, len(Tiers))}
	for _, t := range Tiers {
		stats.Tiers[t] = TierStats{}
	}

	recs, err := d.records.List(ctx, "")
	if err != nil {
		return NodeStats{}, fmt.Errorf("list records: %w", err)
	}
	for _, rec := range recs {
		ts := stats.Tiers[rec.Tier]
		ts.Count++
		ts.TotalSize += rec.TotalSize
		stats.Tiers[rec.Tier] = ts
	}

	d.mu.RLock()
	for _, e := range d.entries {
		if e.session == nil {
			continue
		}
		st := e.session.Stats()
		switch st.State {
		case StateSeeding:
			stats.Seeding++
		case StateDownloading:
			stats.Downloading++
		case StatePaused:
			stats.Paused++
		}
		stats.Peers += st.PeerCount
	}
	d.mu.RUnlock()

	stats.SystemWindowBytes = d.meter.total(d.now())
	return stats, nil
}
