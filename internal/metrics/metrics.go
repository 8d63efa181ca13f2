// Package metrics exposes the broker's Prometheus instrumentation via
// github.com/prometheus/client_golang, grounded on the same dependency
// in the xorkevin-governor and encoredev-encore manifests retrieved
// alongside the teacher. The core calls these as plain methods; it
// never imports the prometheus client directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the broker registers. The retry
// engine updates MessageRetried, MessageDropped and CacheSize, and
// cmd/fastportd updates ActiveConns; PublishDelivered is registered but
// nothing in the broker increments it.
type Metrics struct {
	PublishDelivered prometheus.Counter
	MessageRetried   prometheus.Counter
	MessageDropped   prometheus.Counter
	ActiveConns      prometheus.Gauge
	CacheSize        prometheus.Gauge
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fastport", Name: "publish_delivered_total",
			Help: "Messages successfully handed to a live subscriber.",
		}),
		MessageRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fastport", Name: "message_retried_total",
			Help: "Retry timer firings that re-delivered a cached message.",
		}),
		MessageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fastport", Name: "message_dropped_total",
			Help: "Cached messages removed by expiry or retry-ceiling.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fastport", Name: "active_connections",
			Help: "Currently open client connections.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fastport", Name: "message_cache_size",
			Help: "Messages currently awaiting acknowledgement.",
		}),
	}
	reg.MustRegister(m.PublishDelivered, m.MessageRetried, m.MessageDropped, m.ActiveConns, m.CacheSize)
	return m
}
