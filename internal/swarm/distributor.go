package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"depot/internal/apierror"
	"depot/internal/events"
	"depot/internal/objectstore"

	"golang.org/x/sync/singleflight"
)

const (
	defaultBucket                = "swarm"
	defaultMaxConcurrentSessions = 50
	defaultSystemBandwidthMbps   = 100
	defaultBandwidthWindow       = 10 * time.Second
	defaultCacheBudgetBytes      = 10 << 30
	defaultMinPopularityScore    = 0.5
	defaultStatsInterval         = 5 * time.Second
	defaultSeedConcurrency       = 4
)

// Config holds the Distributor tunables. Use the With* options to set them.
type Config struct {
	Bucket                string
	MaxConcurrentSessions int
	SystemBandwidthMbps   float64
	BandwidthWindow       time.Duration
	CacheBudgetBytes      int64
	MinPopularityScore    float64
	// SystemAutoSeed pins system content: it cannot be stopped or removed.
	SystemAutoSeed  bool
	HotCacheMB      int
	StatsInterval   time.Duration
	SeedConcurrency int
	Publisher       events.Publisher
	Logger          *slog.Logger
	Clock           func() time.Time
}

type Option func(*Config)

// WithBucket sets the object store bucket holding swarm payloads.
func WithBucket(name string) Option {
	return func(cfg *Config) {
		cfg.Bucket = name
	}
}

func WithMaxConcurrentSessions(n int) Option {
	return func(cfg *Config) {
		cfg.MaxConcurrentSessions = n
	}
}

// WithSystemBandwidth caps system-tier traffic at mbps megabits per second,
// measured over window. A non-positive mbps disables the cap.
func WithSystemBandwidth(mbps float64, window time.Duration) Option {
	return func(cfg *Config) {
		cfg.SystemBandwidthMbps = mbps
		if window > 0 {
			cfg.BandwidthWindow = window
		}
	}
}

// WithCacheBudget bounds the bytes ReplicatePopular admits per call.
func WithCacheBudget(bytes int64) Option {
	return func(cfg *Config) {
		cfg.CacheBudgetBytes = bytes
	}
}

func WithMinPopularityScore(score float64) Option {
	return func(cfg *Config) {
		cfg.MinPopularityScore = score
	}
}

func WithSystemAutoSeed(enabled bool) Option {
	return func(cfg *Config) {
		cfg.SystemAutoSeed = enabled
	}
}

// WithHotCache keeps up to megabytes of recently downloaded payloads in
// memory. Zero disables the cache.
func WithHotCache(megabytes int) Option {
	return func(cfg *Config) {
		cfg.HotCacheMB = megabytes
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.StatsInterval = d
	}
}

// WithSeedConcurrency bounds parallel work in SeedSystemContent.
func WithSeedConcurrency(n int) Option {
	return func(cfg *Config) {
		cfg.SeedConcurrency = n
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(cfg *Config) {
		cfg.Publisher = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Clock = now
	}
}

// entry is a tracked record with its live session.
type entry struct {
	record  Record
	session Session

	// Cumulative counters at the last bandwidth sample.
	sampledUp   int64
	sampledDown int64
}

// Distributor publishes content from the object store into the swarm and
// retrieves swarm content back into it.
type Distributor struct {
	cfg     Config
	objects *objectstore.Store
	engine  Engine
	records RecordStore
	log     *slog.Logger
	pub     events.Publisher
	meter   *bandwidthMeter
	cache   *hotCache

	initGroup singleflight.Group
	initMu    sync.Mutex
	initDone  bool
	initErr   error

	// admitMu serializes admission checks with the session map insert.
	admitMu sync.Mutex
	locks   keyedMutex

	mu      sync.RWMutex
	entries map[string]*entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New returns a Distributor. The engine is not started until Start or the
// first operation that needs it.
func New(objects *objectstore.Store, engine Engine, records RecordStore, opts ...Option) (*Distributor, error) {
	switch {
	case objects == nil:
		return nil, errors.New("object store must not be nil")
	case engine == nil:
		return nil, errors.New("engine must not be nil")
	case records == nil:
		return nil, errors.New("record store must not be nil")
	}

	cfg := Config{
		Bucket:                defaultBucket,
		MaxConcurrentSessions: defaultMaxConcurrentSessions,
		SystemBandwidthMbps:   defaultSystemBandwidthMbps,
		BandwidthWindow:       defaultBandwidthWindow,
		CacheBudgetBytes:      defaultCacheBudgetBytes,
		MinPopularityScore:    defaultMinPopularityScore,
		SystemAutoSeed:        true,
		StatsInterval:         defaultStatsInterval,
		SeedConcurrency:       defaultSeedConcurrency,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = defaultMaxConcurrentSessions
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.SeedConcurrency <= 0 {
		cfg.SeedConcurrency = defaultSeedConcurrency
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if !objectstore.IsValidBucketName(cfg.Bucket) {
		return nil, fmt.Errorf("invalid swarm bucket name %q", cfg.Bucket)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache, err := newHotCache(ctx, cfg.HotCacheMB)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Distributor{
		cfg:     cfg,
		objects: objects,
		engine:  engine,
		records: records,
		log:     cfg.Logger,
		pub:     cfg.Publisher,
		meter:   newBandwidthMeter(cfg.SystemBandwidthMbps, cfg.BandwidthWindow),
		cache:   cache,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Config returns the effective configuration.
func (d *Distributor) Config() Config {
	return d.cfg
}

func (d *Distributor) now() time.Time {
	return d.cfg.Clock().UTC()
}

// ensureEngine starts the engine once. Concurrent first callers share one
// setup; a failure is remembered and returned to every later caller.
func (d *Distributor) ensureEngine(ctx context.Context) error {
	d.initMu.Lock()
	if d.initDone {
		err := d.initErr
		d.initMu.Unlock()
		return err
	}
	d.initMu.Unlock()

	ch := d.initGroup.DoChan("engine", func() (any, error) {
		d.initMu.Lock()
		if d.initDone {
			err := d.initErr
			d.initMu.Unlock()
			return nil, err
		}
		d.initMu.Unlock()

		setupCtx := context.WithoutCancel(ctx)
		// A missing bucket is retried on the next call.
		if err := d.ensureBucket(setupCtx); err != nil {
			return nil, err
		}

		err := d.engine.Start(setupCtx)
		if err != nil {
			d.log.Error("Start swarm engine", "err", err)
			err = fmt.Errorf("%w: %w", apierror.ErrEngineInitFailed, err)
		} else {
			d.log.Info("Swarm engine started")
		}

		d.initMu.Lock()
		d.initDone = true
		d.initErr = err
		d.initMu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Distributor) ensureBucket(ctx context.Context) error {
	_, err := d.objects.CreateBucket(ctx, d.cfg.Bucket, "swarm", "")
	if err != nil && !errors.Is(err, apierror.ErrBucketAlreadyExists) {
		return fmt.Errorf("create swarm bucket: %w", err)
	}
	return nil
}

// Start sets the engine up, restores the persisted records and launches
// the stats worker.
func (d *Distributor) Start(ctx context.Context) error {
	if err := d.ensureEngine(ctx); err != nil {
		return err
	}

	if err := d.restore(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.started {
		d.started = true
		d.wg.Add(1)
		go d.statsLoop()
	}
	d.mu.Unlock()
	return nil
}

// Close stops the worker and every waiter, then closes the engine. The
// record store and object store are left open.
func (d *Distributor) Close() error {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.entries = make(map[string]*entry)
	d.mu.Unlock()

	err := d.engine.Close()
	if cacheErr := d.cache.close(); err == nil {
		err = cacheErr
	}
	return err
}

func (d *Distributor) statsLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sampleTraffic()
		}
	}
}

// sampleTraffic feeds system-tier transfer deltas into the bandwidth meter.
func (d *Distributor) sampleTraffic() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.session == nil {
			continue
		}
		st := e.session.Stats()
		delta := (st.BytesUploaded - e.sampledUp) + (st.BytesDownloaded - e.sampledDown)
		e.sampledUp, e.sampledDown = st.BytesUploaded, st.BytesDownloaded
		if e.record.Tier == TierSystem {
			d.meter.add(now, delta)
		}
	}
}

// restore re-seeds persisted records whose bytes are in the object store
// and rejoins the swarm for the rest.
func (d *Distributor) restore(ctx context.Context) error {
	recs, err := d.records.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if d.tracked(rec.InfoHash) {
			continue
		}
		if err := d.restoreOne(ctx, rec); err != nil {
			d.log.Warn("Restore swarm record", "info_hash", rec.InfoHash, "content_id", rec.ContentID, "err", err)
			d.pub.Publish(events.Error{InfoHash: rec.InfoHash, Op: "restore", Err: err})
			continue
		}
		restored++
	}
	if len(recs) > 0 {
		d.log.Info("Restored swarm records", "restored", restored, "total", len(recs))
	}
	return nil
}

func (d *Distributor) restoreOne(ctx context.Context, rec Record) error {
	unlock := d.locks.Lock(rec.InfoHash)
	defer unlock()

	data, err := d.storedBytes(ctx, rec.ContentID, rec.Tier)
	switch {
	case err == nil:
		desc, err := NewDescriptor(rec.Name, data)
		if err != nil {
			return err
		}
		desc.InfoHash = rec.InfoHash
		session, err := d.engine.Seed(ctx, desc, data)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		d.insert(&entry{record: rec, session: session})
		return nil
	case errors.Is(err, apierror.ErrNotFound):
		m, err := ParseMagnet(rec.Magnet)
		if err != nil {
			return err
		}
		session, err := d.engine.Join(ctx, m)
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		e := &entry{record: rec, session: session}
		d.insert(e)
		d.watch(e)
		return nil
	default:
		return err
	}
}

func (d *Distributor) tracked(hash string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[hash]
	return ok
}

func (d *Distributor) lookup(hash string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[hash]
	return e, ok
}

func (d *Distributor) insert(e *entry) {
	d.mu.Lock()
	d.entries[e.record.InfoHash] = e
	d.mu.Unlock()
}

func (d *Distributor) sessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// watch waits for a download to finish in the background.
func (d *Distributor) watch(e *entry) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-e.session.Done():
		case <-d.ctx.Done():
			return
		}
		d.completed(e)
	}()
}

// completed persists a finished download into the object store and
// announces it.
func (d *Distributor) completed(e *entry) {
	hash := e.record.InfoHash
	unlock := d.locks.Lock(hash)
	defer unlock()

	// Removed or replaced while downloading.
	if cur, ok := d.lookup(hash); !ok || cur != e {
		return
	}

	fail := func(op string, err error) {
		d.log.Error("Swarm download failed", "info_hash", hash, "op", op, "err", err)
		d.pub.Publish(events.Error{InfoHash: hash, Op: op, Err: err})
	}

	if err := e.session.Err(); err != nil {
		fail("download", err)
		return
	}
	data, err := e.session.Bytes()
	if err != nil {
		fail("download", err)
		return
	}

	rec := e.record
	if rec.Name == "" {
		rec.Name = rec.InfoHash
	}
	rec.TotalSize = int64(len(data))
	key := ObjectKey(rec.Tier, rec.ContentID, rec.Name)
	rec.Files = []FileEntry{{Name: rec.Name, Path: key, Size: rec.TotalSize}}

	ctx := d.ctx
	if err := d.putObject(ctx, key, data, rec); err != nil {
		fail("store", err)
		return
	}
	if err := d.records.Put(ctx, rec); err != nil {
		fail("persist", err)
		return
	}

	d.mu.Lock()
	e.record = rec
	d.mu.Unlock()
	d.cache.set(hash, data)

	d.log.Info("Swarm download complete", "info_hash", hash, "content_id", rec.ContentID, "size", rec.TotalSize)
	d.pub.Publish(events.Done{InfoHash: hash, ContentID: rec.ContentID, Tier: string(rec.Tier), Size: rec.TotalSize})
}
