package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats gives the collector access to live session state.
type SessionStats interface {
	PlaybackPosition() float64
	TextCursor() int
	SyncMonitoring() bool
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats SessionStats

	// Descriptors for scrape-time gauges.
	playbackPosition *prometheus.Desc
	textCursor       *prometheus.Desc
	syncMonitoring   *prometheus.Desc
	eventSubscribers *prometheus.Desc
	dbTotalConns     *prometheus.Desc
	dbAcquiredConns  *prometheus.Desc
	dbIdleConns      *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil before the
// session exists.
func NewCollector(pool *pgxpool.Pool, stats SessionStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		playbackPosition: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "playback", "position_seconds"),
			"Current playback position.",
			nil, nil,
		),
		textCursor: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "text", "cursor_index"),
			"Current text cursor index in characters.",
			nil, nil,
		),
		syncMonitoring: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sync", "monitoring"),
			"1 while the synchronizer is monitoring playback.",
			nil, nil,
		),
		eventSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_subscribers_active"),
			"Current number of SSE and WebSocket subscribers.",
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
	ch <- c.playbackPosition
	ch <- c.textCursor
	ch <- c.syncMonitoring
	ch <- c.eventSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var position, cursor, monitoring, subscribers float64
	if c.stats != nil {
		position = c.stats.PlaybackPosition()
		cursor = float64(c.stats.TextCursor())
		if c.stats.SyncMonitoring() {
			monitoring = 1
		}
		subscribers = float64(c.stats.SubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.playbackPosition, prometheus.GaugeValue, position)
	ch <- prometheus.MustNewConstMetric(c.textCursor, prometheus.GaugeValue, cursor)
	ch <- prometheus.MustNewConstMetric(c.syncMonitoring, prometheus.GaugeValue, monitoring)
	ch <- prometheus.MustNewConstMetric(c.eventSubscribers, prometheus.GaugeValue, subscribers)

	// Database pool stats
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
