package swarm_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"depot/internal/apierror"
	"depot/internal/events"
	"depot/internal/objectstore"
	"depot/internal/storage"
	"depot/internal/swarm"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	dist    *swarm.Distributor
	engine  *swarm.LoopbackEngine
	objects *objectstore.Store
	records swarm.RecordStore
	events  *eventLog
}

// eventLog records every published event.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newObjects(t *testing.T, dir string) *objectstore.Store {
	t.Helper()
	content, err := storage.NewLocalFileStorage(filepath.Join(dir, "content"))
	require.NoError(t, err, "NewLocalFileStorage error")
	objects, err := objectstore.New(t.Context(), filepath.Join(dir, "metadata.sqlite"), content,
		objectstore.WithSigningSecret([]byte("test-secret")))
	require.NoError(t, err, "objectstore.New error")
	t.Cleanup(func() { _ = objects.Close() })
	return objects
}

func newNode(t *testing.T, network *swarm.LoopbackNetwork, opts []swarm.LoopbackOption, distOpts ...swarm.Option) *testNode {
	t.Helper()

	dir := t.TempDir()
	objects := newObjects(t, dir)

	records, err := swarm.NewSQLiteRecordStore(t.Context(), filepath.Join(dir, "swarm.sqlite"))
	require.NoError(t, err, "NewSQLiteRecordStore error")
	t.Cleanup(func() { _ = records.Close() })

	if network == nil {
		network = swarm.NewLoopbackNetwork()
	}
	engine := swarm.NewLoopbackEngine(network, opts...)
	log := &eventLog{}

	distOpts = append([]swarm.Option{swarm.WithPublisher(log)}, distOpts...)
	dist, err := swarm.New(objects, engine, records, distOpts...)
	require.NoError(t, err, "swarm.New error")
	t.Cleanup(func() { _ = dist.Close() })

	return &testNode{dist: dist, engine: engine, objects: objects, records: records, events: log}
}

func (n *testNode) start(t *testing.T) *testNode {
	t.Helper()
	require.NoError(t, n.dist.Start(t.Context()), "Start error")
	return n
}

func hashOf(c byte) string {
	return strings.Repeat(string(c), 40)
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	rec, err := node.dist.CreateTorrent(ctx, []byte("hello"), swarm.CreateOptions{
		Name:      "hello.txt",
		ContentID: "cid1",
		Tier:      swarm.TierPopular,
		Category:  "data",
	})
	require.NoError(t, err, "CreateTorrent error")
	require.Equal(t, "1e964ba3eb2a7951b0f29d338040c4b8fbe2d09b", rec.InfoHash)
	require.EqualValues(t, 5, rec.TotalSize)

	got, err := node.dist.GetTorrent(ctx, "cid1")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, rec.InfoHash, got.InfoHash)
	require.Equal(t, "data", got.Category)

	data, err := node.dist.Download(ctx, "cid1")
	require.NoError(t, err, "Download error")
	require.Equal(t, "hello", string(data))

	data, err = node.dist.Download(ctx, rec.InfoHash)
	require.NoError(t, err, "Download by infohash")
	require.Equal(t, "hello", string(data))

	stored, err := node.objects.GetObject(ctx, objectstore.GetObjectInput{Bucket: "swarm", Key: "popular/cid1/hello.txt"})
	require.NoError(t, err, "payload is kept in the swarm bucket")
	require.Equal(t, "hello", string(stored.Body))
	require.Equal(t, rec.InfoHash, stored.Info.Metadata["info-hash"])

	st, err := node.dist.Status(ctx, "cid1")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateSeeding, st.State)

	require.NoError(t, node.dist.RemoveTorrent(ctx, "cid1"))
	_, err = node.dist.GetTorrent(ctx, "cid1")
	require.ErrorIs(t, err, apierror.ErrNotFound)
	_, err = node.dist.Status(ctx, rec.InfoHash)
	require.ErrorIs(t, err, apierror.ErrNotFound)

	data, err = node.dist.Download(ctx, "cid1")
	require.NoError(t, err, "removed content is still served from the object store")
	require.Equal(t, "hello", string(data))

	require.Len(t, node.events.kinds(events.KindCreated), 1)
	require.Len(t, node.events.kinds(events.KindRemoved), 1)
}

func TestDownloadNotFound(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)

	_, err := node.dist.Download(t.Context(), "missing")
	require.ErrorIs(t, err, apierror.ErrNotFound)

	_, err = node.dist.Download(t.Context(), hashOf('f'))
	require.ErrorIs(t, err, apierror.ErrNotFound)

	_, err = node.dist.GetTorrentByHash(t.Context(), hashOf('f'))
	require.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestDownloadFallsBackAcrossTiers(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)

	_, err := node.objects.PutObject(t.Context(), objectstore.PutObjectInput{
		Bucket: "swarm",
		Key:    "private/cid-x/report.pdf",
		Body:   []byte("stored only"),
	})
	require.NoError(t, err, "PutObject error")

	data, err := node.dist.Download(t.Context(), "cid-x", swarm.WithTier(swarm.TierPopular))
	require.NoError(t, err, "Download error")
	require.Equal(t, "stored only", string(data))
}

func TestCreateTorrentReplacesContentID(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	first, err := node.dist.CreateTorrent(ctx, []byte("v1"), swarm.CreateOptions{Name: "app.bin", ContentID: "app"})
	require.NoError(t, err, "CreateTorrent v1")
	second, err := node.dist.CreateTorrent(ctx, []byte("v2"), swarm.CreateOptions{Name: "app.bin", ContentID: "app"})
	require.NoError(t, err, "CreateTorrent v2")
	require.NotEqual(t, first.InfoHash, second.InfoHash)

	got, err := node.dist.GetTorrent(ctx, "app")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, second.InfoHash, got.InfoHash)

	_, err = node.dist.GetTorrentByHash(ctx, first.InfoHash)
	require.ErrorIs(t, err, apierror.ErrNotFound, "the previous descriptor is gone")

	again, err := node.dist.CreateTorrent(ctx, []byte("v2"), swarm.CreateOptions{Name: "app.bin", ContentID: "app"})
	require.NoError(t, err, "CreateTorrent is idempotent")
	require.Equal(t, second.InfoHash, again.InfoHash)

	all, err := node.dist.ListTorrents(ctx, "")
	require.NoError(t, err, "ListTorrents error")
	require.Len(t, all, 1)
}

func TestReplacingPinnedContentNeedsSystemTier(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	bundle, err := node.dist.CreateTorrent(ctx, []byte("bundle-v1"), swarm.CreateOptions{Name: "app.bin", ContentID: "app", Tier: swarm.TierSystem})
	require.NoError(t, err, "CreateTorrent system")

	_, err = node.dist.CreateTorrent(ctx, []byte("other"), swarm.CreateOptions{Name: "app.bin", ContentID: "app", Tier: swarm.TierPopular})
	require.ErrorIs(t, err, apierror.ErrCannotRemoveSystemContent, "popular content cannot take a pinned content id")

	_, err = node.dist.AddMagnet(ctx, hashOf('b'), swarm.AddOptions{ContentID: "app", Tier: swarm.TierPrivate})
	require.ErrorIs(t, err, apierror.ErrCannotRemoveSystemContent, "a magnet cannot take a pinned content id")

	got, err := node.dist.GetTorrentByHash(ctx, bundle.InfoHash)
	require.NoError(t, err, "the system record survives")
	require.Equal(t, swarm.TierSystem, got.Tier)
	got, err = node.dist.GetTorrent(ctx, "app")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, bundle.InfoHash, got.InfoHash)
	require.Empty(t, node.events.kinds(events.KindRemoved))

	upgraded, err := node.dist.CreateTorrent(ctx, []byte("bundle-v2"), swarm.CreateOptions{Name: "app.bin", ContentID: "app", Tier: swarm.TierSystem})
	require.NoError(t, err, "a new system bundle replaces the old one")
	_, err = node.dist.GetTorrentByHash(ctx, bundle.InfoHash)
	require.ErrorIs(t, err, apierror.ErrNotFound)
	got, err = node.dist.GetTorrent(ctx, "app")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, upgraded.InfoHash, got.InfoHash)
}

func TestAddMagnetReplacesContentID(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	created, err := node.dist.CreateTorrent(ctx, []byte("hello"), swarm.CreateOptions{Name: "hello.txt", ContentID: "cid1"})
	require.NoError(t, err, "CreateTorrent error")

	added, err := node.dist.AddMagnet(ctx, hashOf('b'), swarm.AddOptions{ContentID: "cid1"})
	require.NoError(t, err, "AddMagnet error")
	require.Equal(t, hashOf('b'), added.InfoHash)

	all, err := node.dist.ListTorrents(ctx, "")
	require.NoError(t, err, "ListTorrents error")
	require.Len(t, all, 1, "one descriptor per content id")
	require.Equal(t, added.InfoHash, all[0].InfoHash)

	got, err := node.dist.GetTorrent(ctx, "cid1")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, added.InfoHash, got.InfoHash)
	_, err = node.dist.GetTorrentByHash(ctx, created.InfoHash)
	require.ErrorIs(t, err, apierror.ErrNotFound, "the created descriptor is gone")

	require.NoError(t, node.dist.RemoveTorrent(ctx, "cid1"))
	all, err = node.dist.ListTorrents(ctx, "")
	require.NoError(t, err, "ListTorrents error")
	require.Empty(t, all, "nothing is left behind under the content id")
}

func TestConcurrentCreateTorrentSameContentID(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = node.dist.CreateTorrent(ctx, []byte{'v', byte('0' + i)}, swarm.CreateOptions{Name: "app.bin", ContentID: "app"})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "CreateTorrent %d", i)
	}

	all, err := node.dist.ListTorrents(ctx, "")
	require.NoError(t, err, "ListTorrents error")
	require.Len(t, all, 1, "concurrent creates leave one descriptor")

	got, err := node.dist.GetTorrent(ctx, "app")
	require.NoError(t, err, "GetTorrent error")
	require.Equal(t, all[0].InfoHash, got.InfoHash)
}

func TestSystemContentIsPinned(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil, swarm.WithSeedConcurrency(2)).start(t)
	ctx := t.Context()

	seeded, err := node.dist.SeedSystemContent(ctx, []swarm.SystemItem{
		{ContentID: "launcher", Name: "launcher.bin", Data: []byte("launcher")},
		{ContentID: "runtime", Name: "runtime.bin", Data: []byte("runtime")},
		{ContentID: "assets", Name: "assets.pak", Data: []byte("assets")},
	})
	require.NoError(t, err, "SeedSystemContent error")
	require.Len(t, seeded, 3)
	require.Equal(t, swarm.TierSystem, seeded["runtime"].Tier)
	require.Equal(t, "app-bundle", seeded["runtime"].Category)

	err = node.dist.StopSeeding(ctx, "runtime")
	require.ErrorIs(t, err, apierror.ErrCannotStopSystemContent)
	err = node.dist.RemoveTorrent(ctx, "runtime")
	require.ErrorIs(t, err, apierror.ErrCannotRemoveSystemContent)

	st, err := node.dist.Status(ctx, "runtime")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateSeeding, st.State, "session is untouched")

	_, err = node.dist.GetTorrent(ctx, "runtime")
	require.NoError(t, err, "record is untouched")

	system, err := node.dist.ListTorrents(ctx, swarm.TierSystem)
	require.NoError(t, err, "ListTorrents error")
	require.Len(t, system, 3)
}

func TestSystemContentUnpinnedWithoutAutoSeed(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil, swarm.WithSystemAutoSeed(false)).start(t)
	ctx := t.Context()

	_, err := node.dist.CreateTorrent(ctx, []byte("tool"), swarm.CreateOptions{ContentID: "tool", Tier: swarm.TierSystem})
	require.NoError(t, err, "CreateTorrent error")

	require.NoError(t, node.dist.StopSeeding(ctx, "tool"))
	require.NoError(t, node.dist.RemoveTorrent(ctx, "tool"))
}

func TestStopAndStartSeeding(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	_, err := node.dist.CreateTorrent(ctx, []byte("movie"), swarm.CreateOptions{ContentID: "movie", Tier: swarm.TierPrivate})
	require.NoError(t, err, "CreateTorrent error")

	require.NoError(t, node.dist.StopSeeding(ctx, "movie"))
	st, err := node.dist.Status(ctx, "movie")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StatePaused, st.State)

	require.NoError(t, node.dist.StartSeeding(ctx, "movie"))
	st, err = node.dist.Status(ctx, "movie")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateSeeding, st.State)

	require.ErrorIs(t, node.dist.StopSeeding(ctx, "unknown"), apierror.ErrNotFound)
}

func TestEvictionPicksHighestShareRatio(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	payload := func(c byte) []byte { return []byte(strings.Repeat(string(c), 100)) }

	ratios := map[string]int64{"low": 50, "high": 200, "mid": 100}
	hashes := map[string]string{}
	for i, id := range []string{"low", "high", "mid"} {
		rec, err := node.dist.CreateTorrent(ctx, payload(byte('a'+i)), swarm.CreateOptions{ContentID: id, Tier: swarm.TierPopular})
		require.NoError(t, err, "CreateTorrent %s", id)
		hashes[id] = rec.InfoHash
		require.True(t, node.engine.RecordTraffic(rec.InfoHash, ratios[id], 0))
	}

	// Higher ratios outside the popular tier are never chosen.
	for _, tier := range []swarm.Tier{swarm.TierPrivate, swarm.TierSystem} {
		rec, err := node.dist.CreateTorrent(ctx, payload(tier[0]), swarm.CreateOptions{ContentID: string(tier), Tier: tier})
		require.NoError(t, err, "CreateTorrent %s", tier)
		require.True(t, node.engine.RecordTraffic(rec.InfoHash, 10_000, 0))
	}

	evicted, err := node.dist.EvictOne(ctx)
	require.NoError(t, err, "EvictOne error")
	require.Equal(t, hashes["high"], evicted.InfoHash)

	_, err = node.dist.GetTorrent(ctx, "high")
	require.ErrorIs(t, err, apierror.ErrNotFound)
	for _, id := range []string{"low", "mid", "private", "system"} {
		_, err := node.dist.GetTorrent(ctx, id)
		require.NoError(t, err, "%s survives", id)
	}

	evictedEvents := node.events.kinds(events.KindEvicted)
	require.Len(t, evictedEvents, 1)
	require.InDelta(t, 2.0, evictedEvents[0].(events.Evicted).ShareRatio, 1e-9)

	// Exactly one per trigger.
	evicted, err = node.dist.EvictOne(ctx)
	require.NoError(t, err, "EvictOne error")
	require.Equal(t, hashes["mid"], evicted.InfoHash)
	evicted, err = node.dist.EvictOne(ctx)
	require.NoError(t, err, "EvictOne error")
	require.Equal(t, hashes["low"], evicted.InfoHash)

	_, err = node.dist.EvictOne(ctx)
	require.ErrorIs(t, err, apierror.ErrCapacityExceeded, "private and system content is not evictable")
}

func TestAddMagnetCapacity(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil, swarm.WithMaxConcurrentSessions(2)).start(t)
	ctx := t.Context()

	_, err := node.dist.CreateTorrent(ctx, []byte("mine"), swarm.CreateOptions{ContentID: "mine", Tier: swarm.TierPrivate})
	require.NoError(t, err, "CreateTorrent error")

	_, err = node.dist.AddMagnet(ctx, hashOf('1'), swarm.AddOptions{Tier: swarm.TierPopular})
	require.NoError(t, err, "AddMagnet below capacity")

	again, err := node.dist.AddMagnet(ctx, "magnet:?xt=urn:btih:"+hashOf('1'), swarm.AddOptions{Tier: swarm.TierPopular})
	require.NoError(t, err, "AddMagnet is idempotent")
	require.Equal(t, hashOf('1'), again.InfoHash)
	require.Empty(t, node.events.kinds(events.KindEvicted), "idempotent add needs no slot")

	_, err = node.dist.AddMagnet(ctx, hashOf('2'), swarm.AddOptions{Tier: swarm.TierPrivate})
	require.NoError(t, err, "AddMagnet evicts the popular session")
	_, err = node.dist.GetTorrentByHash(ctx, hashOf('1'))
	require.ErrorIs(t, err, apierror.ErrNotFound)

	_, err = node.dist.AddMagnet(ctx, hashOf('3'), swarm.AddOptions{Tier: swarm.TierPopular})
	require.ErrorIs(t, err, apierror.ErrCapacityExceeded, "nothing left to evict")
	_, err = node.dist.GetTorrentByHash(ctx, hashOf('3'))
	require.ErrorIs(t, err, apierror.ErrNotFound, "refused content is not recorded")

	stats, err := node.dist.NodeStats(ctx)
	require.NoError(t, err, "NodeStats error")
	require.Equal(t, 1, stats.Seeding)
	require.Equal(t, 1, stats.Downloading)
}

func TestAddMagnetConcurrentAdmission(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil, swarm.WithMaxConcurrentSessions(3)).start(t)
	ctx := t.Context()

	for _, id := range []string{"keep-a", "keep-b"} {
		_, err := node.dist.CreateTorrent(ctx, []byte(id), swarm.CreateOptions{ContentID: id, Tier: swarm.TierPrivate})
		require.NoError(t, err, "CreateTorrent %s", id)
	}

	// One slot left and nothing evictable: exactly one admission wins.
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		refused atomic.Int32
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := node.dist.AddMagnet(ctx, hashOf("0123456789abcdef"[i]), swarm.AddOptions{Tier: swarm.TierPrivate})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, apierror.ErrCapacityExceeded):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, success.Load())
	require.EqualValues(t, 7, refused.Load())
}

func TestSystemBandwidthLimit(t *testing.T) {
	t.Parallel()

	// 0.008 Mbps over a minute is a 60 kB budget.
	node := newNode(t, nil, nil, swarm.WithSystemBandwidth(0.008, time.Minute)).start(t)
	ctx := t.Context()

	rec, err := node.dist.CreateTorrent(ctx, []byte("bundle"), swarm.CreateOptions{ContentID: "bundle", Tier: swarm.TierSystem})
	require.NoError(t, err, "CreateTorrent error")

	_, err = node.dist.AddMagnet(ctx, hashOf('1'), swarm.AddOptions{Tier: swarm.TierSystem})
	require.NoError(t, err, "within budget")

	require.True(t, node.engine.RecordTraffic(rec.InfoHash, 100_000, 0))

	_, err = node.dist.AddMagnet(ctx, hashOf('2'), swarm.AddOptions{Tier: swarm.TierSystem})
	require.ErrorIs(t, err, apierror.ErrBandwidthLimitExceeded)

	_, err = node.dist.AddMagnet(ctx, hashOf('3'), swarm.AddOptions{Tier: swarm.TierPopular})
	require.NoError(t, err, "other tiers are not metered")

	stats, err := node.dist.NodeStats(ctx)
	require.NoError(t, err, "NodeStats error")
	require.GreaterOrEqual(t, stats.SystemWindowBytes, int64(100_000))
}

func TestEngineInitSingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	start := swarm.WithStartFunc(func(context.Context) error {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	node := newNode(t, nil, []swarm.LoopbackOption{start})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = node.dist.CreateTorrent(t.Context(), []byte{byte(i)}, swarm.CreateOptions{})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	require.EqualValues(t, 1, calls.Load(), "one setup for all concurrent callers")

	require.NoError(t, node.dist.Start(t.Context()))
	require.EqualValues(t, 1, calls.Load(), "Start reuses the finished setup")
}

func TestEngineInitFailureIsMemoized(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fail := swarm.WithStartFunc(func(context.Context) error {
		calls.Add(1)
		return errors.New("no network")
	})
	node := newNode(t, nil, []swarm.LoopbackOption{fail})

	_, err := node.dist.CreateTorrent(t.Context(), []byte("x"), swarm.CreateOptions{})
	require.ErrorIs(t, err, apierror.ErrEngineInitFailed)
	require.ErrorContains(t, err, "no network")

	_, err = node.dist.AddMagnet(t.Context(), hashOf('1'), swarm.AddOptions{})
	require.ErrorIs(t, err, apierror.ErrEngineInitFailed)

	require.ErrorIs(t, node.dist.Start(t.Context()), apierror.ErrEngineInitFailed)
	require.EqualValues(t, 1, calls.Load(), "failed setup is not retried")
}

func TestDownloadTimeoutLeavesSessionIntact(t *testing.T) {
	t.Parallel()

	network := swarm.NewLoopbackNetwork()
	seeder := newNode(t, network, nil).start(t)
	leecher := newNode(t, network, nil).start(t)
	ctx := t.Context()

	data := []byte(strings.Repeat("swarm payload ", 1000))
	desc, err := swarm.NewDescriptor("payload.bin", data)
	require.NoError(t, err, "NewDescriptor error")

	rec, err := leecher.dist.AddMagnet(ctx, desc.Magnet().String(), swarm.AddOptions{ContentID: "payload", Tier: swarm.TierPopular})
	require.NoError(t, err, "AddMagnet error")
	require.Equal(t, desc.InfoHash, rec.InfoHash)
	require.Len(t, leecher.events.kinds(events.KindAdded), 1)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = leecher.dist.Download(short, "payload")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := leecher.dist.Status(ctx, "payload")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateDownloading, st.State, "the session survives the timeout")

	_, err = seeder.dist.CreateTorrent(ctx, data, swarm.CreateOptions{Name: "payload.bin", ContentID: "payload"})
	require.NoError(t, err, "CreateTorrent error")

	long, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := leecher.dist.Download(long, "payload")
	require.NoError(t, err, "Download error")
	require.Equal(t, data, got)

	require.Eventually(t, func() bool {
		return len(leecher.events.kinds(events.KindDone)) == 1
	}, 5*time.Second, 10*time.Millisecond, "Done is published")

	stored, err := leecher.objects.GetObject(ctx, objectstore.GetObjectInput{Bucket: "swarm", Key: "popular/payload/payload.bin"})
	require.NoError(t, err, "downloaded bytes are persisted")
	require.Equal(t, data, stored.Body)

	st, err = leecher.dist.Status(ctx, "payload")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateSeeding, st.State)
	require.EqualValues(t, len(data), st.BytesDownloaded)
	require.InDelta(t, 1.0, st.Progress, 1e-9)

	up, err := seeder.dist.Status(ctx, "payload")
	require.NoError(t, err, "Status error")
	require.EqualValues(t, len(data), up.BytesUploaded)
	require.Equal(t, 1, up.PeerCount)
}

func TestRestoreOnRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	objects := newObjects(t, dir)
	records, err := swarm.NewBoltRecordStore(filepath.Join(dir, "swarm.bolt"))
	require.NoError(t, err, "NewBoltRecordStore error")
	t.Cleanup(func() { _ = records.Close() })

	network := swarm.NewLoopbackNetwork()
	first, err := swarm.New(objects, swarm.NewLoopbackEngine(network), records)
	require.NoError(t, err, "swarm.New error")
	require.NoError(t, first.Start(t.Context()))

	rec, err := first.CreateTorrent(t.Context(), []byte("persisted"), swarm.CreateOptions{Name: "p.bin", ContentID: "persisted", Tier: swarm.TierPrivate})
	require.NoError(t, err, "CreateTorrent error")
	_, err = first.AddMagnet(t.Context(), hashOf('9'), swarm.AddOptions{ContentID: "pending"})
	require.NoError(t, err, "AddMagnet error")
	require.NoError(t, first.Close())

	log := &eventLog{}
	second, err := swarm.New(objects, swarm.NewLoopbackEngine(network), records, swarm.WithPublisher(log))
	require.NoError(t, err, "swarm.New error")
	t.Cleanup(func() { _ = second.Close() })
	require.NoError(t, second.Start(t.Context()))

	st, err := second.Status(t.Context(), "persisted")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateSeeding, st.State, "stored content is seeded again")
	require.Equal(t, rec.InfoHash, st.InfoHash)

	st, err = second.Status(t.Context(), "pending")
	require.NoError(t, err, "Status error")
	require.Equal(t, swarm.StateDownloading, st.State, "incomplete content rejoins the swarm")

	data, err := second.Download(t.Context(), "persisted")
	require.NoError(t, err, "Download error")
	require.Equal(t, "persisted", string(data))
	require.Empty(t, log.kinds(events.KindError))
}

func TestReplicatePopular(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil, swarm.WithCacheBudget(100), swarm.WithMinPopularityScore(0.5)).start(t)
	ctx := t.Context()

	_, err := node.dist.AddMagnet(ctx, hashOf('e'), swarm.AddOptions{ContentID: "tracked"})
	require.NoError(t, err, "AddMagnet error")

	magnet := func(c byte, size int64) string {
		return swarm.Magnet{InfoHash: hashOf(c), Size: size}.String()
	}

	admitted, err := node.dist.ReplicatePopular(ctx, []swarm.Candidate{
		{ContentID: "broken", Magnet: "not a magnet", Score: 0.99},
		{ContentID: "tracked", Magnet: magnet('e', 10), Score: 0.95},
		{ContentID: "top", Magnet: magnet('a', 0), Score: 0.9, Size: 60},
		{ContentID: "cold", Magnet: magnet('b', 0), Score: 0.4, Size: 1},
		{ContentID: "third", Magnet: magnet('c', 50), Score: 0.7},
		{ContentID: "second", Magnet: magnet('d', 30), Score: 0.8},
		{ContentID: "small", Magnet: magnet('f', 1), Score: 0.6},
	})
	require.NoError(t, err, "ReplicatePopular error")

	ids := make([]string, 0, len(admitted))
	for _, rec := range admitted {
		ids = append(ids, rec.ContentID)
		require.Equal(t, swarm.TierPopular, rec.Tier)
	}
	require.Equal(t, []string{"top", "second"}, ids, "admission stops at the budget")
}

func TestNodeStats(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)
	ctx := t.Context()

	stats, err := node.dist.NodeStats(ctx)
	require.NoError(t, err, "NodeStats error")
	require.Zero(t, stats.Seeding)
	require.Zero(t, stats.Downloading)
	require.Zero(t, stats.Peers)
	for _, tier := range swarm.Tiers {
		require.Equal(t, swarm.TierStats{}, stats.Tiers[tier], "tier %s", tier)
	}

	_, err = node.dist.CreateTorrent(ctx, []byte("12345"), swarm.CreateOptions{ContentID: "a", Tier: swarm.TierPopular})
	require.NoError(t, err)
	_, err = node.dist.CreateTorrent(ctx, []byte("123"), swarm.CreateOptions{ContentID: "b", Tier: swarm.TierPopular})
	require.NoError(t, err)
	_, err = node.dist.CreateTorrent(ctx, []byte("1"), swarm.CreateOptions{ContentID: "c", Tier: swarm.TierSystem})
	require.NoError(t, err)
	_, err = node.dist.AddMagnet(ctx, swarm.Magnet{InfoHash: hashOf('7'), Size: 40}.String(), swarm.AddOptions{Tier: swarm.TierPrivate})
	require.NoError(t, err)

	stats, err = node.dist.NodeStats(ctx)
	require.NoError(t, err, "NodeStats error")
	require.Equal(t, swarm.TierStats{Count: 2, TotalSize: 8}, stats.Tiers[swarm.TierPopular])
	require.Equal(t, swarm.TierStats{Count: 1, TotalSize: 1}, stats.Tiers[swarm.TierSystem])
	require.Equal(t, swarm.TierStats{Count: 1, TotalSize: 40}, stats.Tiers[swarm.TierPrivate])
	require.Equal(t, 3, stats.Seeding)
	require.Equal(t, 1, stats.Downloading)
}

func TestCreateTorrentValidation(t *testing.T) {
	t.Parallel()

	node := newNode(t, nil, nil).start(t)

	_, err := node.dist.CreateTorrent(t.Context(), []byte("x"), swarm.CreateOptions{ContentID: "a/b"})
	require.ErrorIs(t, err, apierror.ErrInvalidArgument)

	_, err = node.dist.CreateTorrent(t.Context(), []byte("x"), swarm.CreateOptions{Tier: "gold"})
	require.ErrorIs(t, err, apierror.ErrInvalidArgument)

	_, err = node.dist.AddMagnet(t.Context(), "magnet:?dn=x", swarm.AddOptions{})
	require.ErrorIs(t, err, apierror.ErrInvalidDescriptor)
}
