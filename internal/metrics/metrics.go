// Package metrics exposes node activity as Prometheus metrics. Event counts
// are fed from the event bus, HTTP traffic from an instrumenting middleware,
// and swarm state is read from the distributor at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"depot/internal/events"
	"depot/internal/swarm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depot"

// scrapeTimeout bounds how long a scrape waits on NodeStats.
const scrapeTimeout = 5 * time.Second

// StatsSource is the part of the distributor the collector reads from.
type StatsSource interface {
	NodeStats(ctx context.Context) (swarm.NodeStats, error)
}

// Collector owns the node's metrics.
type Collector struct {
	events   *prometheus.CounterVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New registers the collector's metrics on reg. When stats is nil the swarm
// gauges are not registered.
func New(reg prometheus.Registerer, stats StatsSource) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Lifecycle events published, by kind.",
			},
			[]string{"kind"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served, by method and status code.",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method"},
		),
	}

	// Every kind is reported from the first scrape, even at zero.
	for _, kind := range events.AllKinds {
		c.events.WithLabelValues(kind.String())
	}

	collectors := []prometheus.Collector{c.events, c.requests, c.duration}
	if stats != nil {
		collectors = append(collectors, newNodeCollector(stats))
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe counts ev. It is an events.Handler and is safe to subscribe
// synchronously.
func (c *Collector) Observe(ev events.Event) {
	if ev == nil {
		return
	}
	c.events.WithLabelValues(ev.Kind().String()).Inc()
}

// Instrument wraps next so every response is counted and timed.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(c.requests,
		promhttp.InstrumentHandlerDuration(c.duration, next),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type nodeCollector struct {
	stats StatsSource

	records      *prometheus.Desc
	recordBytes  *prometheus.Desc
	sessions     *prometheus.Desc
	peers        *prometheus.Desc
	systemWindow *prometheus.Desc
}

func newNodeCollector(stats StatsSource) *nodeCollector {
	return &nodeCollector{
		stats: stats,
		records: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swarm", "records"),
			"Tracked swarm records, by tier.",
			[]string{"tier"}, nil,
		),
		recordBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swarm", "record_bytes"),
			"Total payload size of tracked swarm records, by tier.",
			[]string{"tier"}, nil,
		),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swarm", "sessions"),
			"Live swarm sessions, by state.",
			[]string{"state"}, nil,
		),
		peers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swarm", "peers"),
			"Peers connected across all live sessions.",
			nil, nil,
		),
		systemWindow: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swarm", "system_window_bytes"),
			"System-tier bytes transferred inside the current bandwidth window.",
			nil, nil,
		),
	}
}

func (n *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- n.records
	ch <- n.recordBytes
	ch <- n.sessions
	ch <- n.peers
	ch <- n.systemWindow
}

func (n *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	stats, err := n.stats.NodeStats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(n.records, err)
		return
	}

	for _, tier := range swarm.Tiers {
		ts := stats.Tiers[tier]
		ch <- prometheus.MustNewConstMetric(n.records, prometheus.GaugeValue, float64(ts.Count), string(tier))
		ch <- prometheus.MustNewConstMetric(n.recordBytes, prometheus.GaugeValue, float64(ts.TotalSize), string(tier))
	}

	ch <- prometheus.MustNewConstMetric(n.sessions, prometheus.GaugeValue, float64(stats.Seeding), string(swarm.StateSeeding))
	ch <- prometheus.MustNewConstMetric(n.sessions, prometheus.GaugeValue, float64(stats.Downloading), string(swarm.StateDownloading))
	ch <- prometheus.MustNewConstMetric(n.sessions, prometheus.GaugeValue, float64(stats.Paused), string(swarm.StatePaused))
	ch <- prometheus.MustNewConstMetric(n.peers, prometheus.GaugeValue, float64(stats.Peers))
	ch <- prometheus.MustNewConstMetric(n.systemWindow, prometheus.GaugeValue, float64(stats.SystemWindowBytes))
}
