package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"depot/internal/events"
	"depot/internal/metrics"
	"depot/internal/swarm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats swarm.NodeStats
	err   error
}

func (f fakeStats) NodeStats(context.Context) (swarm.NodeStats, error) {
	return f.stats, f.err
}

func TestEventsCounted(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c, err := metrics.New(reg, nil)
	require.NoError(t, err, "New error")

	bus := events.NewBus()
	_, err = bus.Subscribe(c.Observe)
	require.NoError(t, err, "Subscribe error")

	bus.Publish(events.Created{InfoHash: "a"})
	bus.Publish(events.Created{InfoHash: "b"})
	bus.Publish(events.Evicted{InfoHash: "a"})

	const want = `
# HELP depot_events_total Lifecycle events published, by kind.
# TYPE depot_events_total counter
depot_events_total{kind="added"} 0
depot_events_total{kind="created"} 2
depot_events_total{kind="done"} 0
depot_events_total{kind="error"} 0
depot_events_total{kind="evicted"} 1
depot_events_total{kind="object-created"} 0
depot_events_total{kind="object-removed"} 0
depot_events_total{kind="removed"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "depot_events_total"))
}

func TestNodeStatsAtScrape(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	_, err := metrics.New(reg, fakeStats{stats: swarm.NodeStats{
		Tiers: map[swarm.Tier]swarm.TierStats{
			swarm.TierSystem:  {Count: 1, TotalSize: 100},
			swarm.TierPopular: {Count: 2, TotalSize: 250},
		},
		Seeding:           3,
		Downloading:       1,
		Peers:             4,
		SystemWindowBytes: 4096,
	}})
	require.NoError(t, err, "New error")

	const want = `
# HELP depot_swarm_records Tracked swarm records, by tier.
# TYPE depot_swarm_records gauge
depot_swarm_records{tier="popular"} 2
depot_swarm_records{tier="private"} 0
depot_swarm_records{tier="system"} 1
# HELP depot_swarm_sessions Live swarm sessions, by state.
# TYPE depot_swarm_sessions gauge
depot_swarm_sessions{state="downloading"} 1
depot_swarm_sessions{state="paused"} 0
depot_swarm_sessions{state="seeding"} 3
# HELP depot_swarm_peers Peers connected across all live sessions.
# TYPE depot_swarm_peers gauge
depot_swarm_peers 4
# HELP depot_swarm_system_window_bytes System-tier bytes transferred inside the current bandwidth window.
# TYPE depot_swarm_system_window_bytes gauge
depot_swarm_system_window_bytes 4096
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want),
		"depot_swarm_records", "depot_swarm_sessions", "depot_swarm_peers", "depot_swarm_system_window_bytes"))

	count, err := testutil.GatherAndCount(reg, "depot_swarm_record_bytes")
	require.NoError(t, err)
	require.Equal(t, 3, count, "one series per tier")
}

func TestNodeStatsFailureSurfacesInGather(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg, fakeStats{err: errors.New("records offline")})
	require.NoError(t, err, "New error")

	_, err = reg.Gather()
	require.ErrorContains(t, err, "records offline")
}

func TestInstrumentCountsRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg, nil)
	require.NoError(t, err, "New error")

	h := c.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, p := range []string{"/a", "/b", "/missing"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
	}

	const want = `
# HELP depot_http_requests_total HTTP requests served, by method and status code.
# TYPE depot_http_requests_total counter
depot_http_requests_total{code="200",method="get"} 2
depot_http_requests_total{code="404",method="get"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "depot_http_requests_total"))

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_node/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "depot_http_request_duration_seconds")
}
