package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats provides the collector access to render queue state.
type PoolStats interface {
	QueuedCount() int
	RunningCount() int
}

// SubscriberCounter reports live SSE subscribers.
type SubscriberCounter interface {
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	db     *pgxpool.Pool
	pool   PoolStats
	events SubscriberCounter

	// Descriptors for scrape-time gauges.
	queuedJobs      *prometheus.Desc
	runningJobs     *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any argument may be nil; its gauges then report 0.
func NewCollector(db *pgxpool.Pool, pool PoolStats, events SubscriberCounter) *Collector {
	return &Collector{
		db:     db,
		pool:   pool,
		events: events,
		queuedJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "render", "queued_jobs"),
			"Render jobs waiting for a worker.",
			nil, nil,
		),
		runningJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "render", "running_jobs"),
			"Render jobs currently executing.",
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
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queuedJobs
	ch <- c.runningJobs
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var queued, running, subscribers float64
	if c.pool != nil {
		queued = float64(c.pool.QueuedCount())
		running = float64(c.pool.RunningCount())
	}
	if c.events != nil {
		subscribers = float64(c.events.SubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.queuedJobs, prometheus.GaugeValue, queued)
	ch <- prometheus.MustNewConstMetric(c.runningJobs, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subscribers)

	// Database pool stats
	if c.db != nil {
		stat := c.db.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
