// Package metrics declares the Prometheus series exported by the client
// engine and the sync server. Series are labelled by session so several
// sessions in one process stay distinguishable.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DirtyItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gophnotes_dirty_items",
		Help: "Items with local changes not yet acknowledged by the server",
	}, []string{"session"})

	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gophnotes_sync_cycles_total",
		Help: "Sync cycles by outcome",
	}, []string{"outcome"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gophnotes_sync_duration_seconds",
		Help:    "Duration of one push/pull cycle",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	Conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gophnotes_conflicts_total",
		Help: "Remote versions duplicated because the local copy was dirty",
	})

	Quarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gophnotes_quarantined_payloads_total",
		Help: "Payloads kept encrypted because decryption failed",
	})

	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gophnotes_key_rotations_total",
		Help: "Vault key rotations by outcome",
	}, []string{"outcome"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gophnotes_messages_total",
		Help: "Inbound asymmetric messages by type and result",
	}, []string{"type", "result"})

	ServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gophnotes_server_requests_total",
		Help: "Sync server RPCs by method and status code",
	}, []string{"method", "code"})

	ServerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gophnotes_server_request_duration_seconds",
		Help:    "Sync server RPC latency by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
