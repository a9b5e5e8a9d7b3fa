// Package metrics exposes the broker's prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics holds the collectors shared by harvesters, stores and the
// HTTP layer.
type BrokerMetrics struct {
	PagesFetched    *prometheus.CounterVec
	ItemsIngested   *prometheus.CounterVec
	ItemsDropped    *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	ListenersActive *prometheus.GaugeVec
	FeedsIncomplete prometheus.Gauge
	RowsStored      prometheus.Gauge
}

// NewBrokerMetrics creates and registers the broker's collectors.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		PagesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_pages_fetched_total",
				Help: "Total number of RPDE pages fetched per feed",
			},
			[]string{"feed"},
		),
		ItemsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_items_ingested_total",
				Help: "Total number of RPDE items ingested per feed and state",
			},
			[]string{"feed", "state"},
		),
		ItemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_items_dropped_total",
				Help: "Total number of RPDE items dropped per feed and reason",
			},
			[]string{"feed", "reason"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_page_fetch_duration_seconds",
				Help:    "Response time of RPDE page fetches per feed",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"feed"},
		),
		ListenersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_listeners_active",
				Help: "Number of live listeners per registry",
			},
			[]string{"registry"},
		),
		FeedsIncomplete: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_feeds_incomplete",
				Help: "Number of feeds that have not yet reached the live edge",
			},
		),
		RowsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_rows_stored",
				Help: "Number of opportunity rows held in the row store",
			},
		),
	}
	reg.MustRegister(
		m.PagesFetched,
		m.ItemsIngested,
		m.ItemsDropped,
		m.FetchDuration,
		m.ListenersActive,
		m.FeedsIncomplete,
		m.RowsStored,
	)
	return m
}

// ObservePage records a fetched page and its response time.
func (m *BrokerMetrics) ObservePage(feedID string, elapsed time.Duration) {
	m.PagesFetched.WithLabelValues(feedID).Inc()
	m.FetchDuration.WithLabelValues(feedID).Observe(elapsed.Seconds())
}
