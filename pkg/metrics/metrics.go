// Package metrics exposes Prometheus metrics for the node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mafia"

// Metrics holds the node's collectors. Each node owns its registry so
// several nodes can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests  *prometheus.CounterVec
	rpcDuration  *prometheus.HistogramVec
	blocksMined  prometheus.Counter
	txsMined     *prometheus.CounterVec
	mints        *prometheus.CounterVec
	tokensMinted *prometheus.CounterVec
	blockNumber  prometheus.Gauge
	snapshots    prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "JSON-RPC requests by method and outcome",
			},
			[]string{"method", "outcome"}, // ok, error, revert
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "JSON-RPC request latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"method"},
		),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "blocks_mined_total",
			Help:      "Blocks mined since node start",
		}),
		txsMined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "transactions_total",
				Help:      "Mined transactions by receipt status",
			},
			[]string{"status"}, // success, reverted
		),
		mints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "contract",
				Name:      "mint_calls_total",
				Help:      "Mint transactions by path and failure kind",
			},
			[]string{"path", "kind"}, // path: free, paid; kind: ok or a failure kind
		),
		tokensMinted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "contract",
				Name:      "tokens_minted_total",
				Help:      "Tokens issued by successful mints",
			},
			[]string{"path"},
		),
		blockNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "head_block_number",
			Help:      "Current head block number",
		}),
		snapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "active",
			Help:      "Snapshots that can still be reverted to",
		}),
	}

	m.registry.MustRegister(
		m.rpcRequests,
		m.rpcDuration,
		m.blocksMined,
		m.txsMined,
		m.mints,
		m.tokensMinted,
		m.blockNumber,
		m.snapshots,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRPC records one JSON-RPC request.
func (m *Metrics) ObserveRPC(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// BlockMined records a mined block and its transaction outcomes.
func (m *Metrics) BlockMined(number uint64, succeeded, reverted int) {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
	m.blockNumber.Set(float64(number))
	m.txsMined.WithLabelValues("success").Add(float64(succeeded))
	m.txsMined.WithLabelValues("reverted").Add(float64(reverted))
}

// HeadChanged records a head moved by a snapshot revert.
func (m *Metrics) HeadChanged(number uint64) {
	if m == nil {
		return
	}
	m.blockNumber.Set(float64(number))
}

// MintAttempt records a mint transaction. kind is "ok" on success.
func (m *Metrics) MintAttempt(path, kind string, tokens uint64) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(path, kind).Inc()
	if tokens > 0 {
		m.tokensMinted.WithLabelValues(path).Add(float64(tokens))
	}
}

// SetSnapshots records the number of live snapshots.
func (m *Metrics) SetSnapshots(n int) {
	if m == nil {
		return
	}
	m.snapshots.Set(float64(n))
}
