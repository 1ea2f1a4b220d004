// Package metrics adapts the teacher's root-level relayMetrics
// (metrics.go) into the aclgate domain: the same small struct-of-gauges
// shape registered once against a caller-supplied prometheus registry, now
// covering connection lifecycle and DNS resolver counters instead of
// tunnel/agent counters.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the ambient StatsSink every handler.Context and
// dnsresolver.Agent reports into. It satisfies both
// internal/handler.StatsSink and internal/dnsresolver.Stats without
// importing either package, the same way those packages avoid importing
// each other.
type Metrics struct {
	active              atomic.Int64
	connectionsActive   prometheus.Gauge
	bytesRelayed        *prometheus.CounterVec
	connectionsRemoved  *prometheus.CounterVec
	dnsCacheHits        prometheus.Counter
	dnsSuccessfulLookup prometheus.Counter
	dnsFailedLookup     prometheus.Counter
}

// New builds and registers the proxy's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acl_connections_active",
			Help: "Number of connections currently being served",
		}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acl_bytes_relayed_total",
			Help: "Total bytes relayed, by direction",
		}, []string{"direction"}),
		connectionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acl_connection_removed_total",
			Help: "Total connections removed, by reason",
		}, []string{"reason"}),
		dnsCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acl_dns_cache_hits_total",
			Help: "Total DNS resolutions served from cache",
		}),
		dnsSuccessfulLookup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acl_dns_successful_lookups_total",
			Help: "Total upstream DNS lookups that succeeded",
		}),
		dnsFailedLookup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acl_dns_failed_lookups_total",
			Help: "Total upstream DNS lookups that failed",
		}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.bytesRelayed,
		m.connectionsRemoved,
		m.dnsCacheHits,
		m.dnsSuccessfulLookup,
		m.dnsFailedLookup,
	)

	return m
}

// IncConnectionsActive implements internal/handler.StatsSink.
func (m *Metrics) IncConnectionsActive(delta int) {
	m.connectionsActive.Add(float64(delta))
	m.active.Add(int64(delta))
}

// ActiveConnections reports the current in-flight connection count, for
// the status endpoint.
func (m *Metrics) ActiveConnections() int64 {
	return m.active.Load()
}

// AddBytesRelayed implements internal/handler.StatsSink.
func (m *Metrics) AddBytesRelayed(direction string, n int64) {
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// IncConnectionRemoved implements internal/handler.StatsSink.
func (m *Metrics) IncConnectionRemoved(reason string) {
	m.connectionsRemoved.WithLabelValues(reason).Inc()
}

// IncCacheHit implements internal/dnsresolver.Stats.
func (m *Metrics) IncCacheHit() { m.dnsCacheHits.Inc() }

// IncSuccessfulLookup implements internal/dnsresolver.Stats.
func (m *Metrics) IncSuccessfulLookup() { m.dnsSuccessfulLookup.Inc() }

// IncFailedLookup implements internal/dnsresolver.Stats.
func (m *Metrics) IncFailedLookup() { m.dnsFailedLookup.Inc() }
