package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats provides the collector access to live session state.
type SessionStats interface {
	SessionCount() int
	RecordingCount() int
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats SessionStats

	activeSessions   *prometheus.Desc
	activeRecordings *prometheus.Desc
	sseSubscribers   *prometheus.Desc
	dbTotalConns     *prometheus.Desc
	dbAcquiredConns  *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool and stats may be nil (metrics will report 0).
func NewCollector(pool *pgxpool.Pool, stats SessionStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		activeSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_active"),
			"Current number of open sessions.",
			nil, nil,
		),
		activeRecordings: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "recordings_active"),
			"Current number of sessions with a live recording.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.activeRecordings
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var sessions, recordings, subscribers float64
	if c.stats != nil {
		sessions = float64(c.stats.SessionCount())
		recordings = float64(c.stats.RecordingCount())
		subscribers = float64(c.stats.SubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, sessions)
	ch <- prometheus.MustNewConstMetric(c.activeRecordings, prometheus.GaugeValue, recordings)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subscribers)

	var total, acquired float64
	if c.pool != nil {
		stat := c.pool.Stat()
		total = float64(stat.TotalConns())
		acquired = float64(stat.AcquiredConns())
	}
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, acquired)
}
