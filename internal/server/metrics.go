package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pledgechain/internal/chain"
	"pledgechain/internal/health"
	"pledgechain/internal/query"
)

// Metrics is the service's prometheus registry. Its methods are shaped to be
// passed as hooks to the query cache, the health gate and the chain client.
type Metrics struct {
	registry     *prometheus.Registry
	fetchesTotal *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	probesTotal  *prometheus.CounterVec
	probeLatency prometheus.Histogram
	gateEnabled  prometheus.Gauge
	connections  *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	transfers    prometheus.Counter
}

func NewMetrics() *Metrics {
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgechain_query_fetches_total",
		Help: "Finished query cache fetches by kind and outcome",
	}, []string{"kind", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledgechain_query_fetch_seconds",
		Help:    "Query cache fetch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgechain_health_probes_total",
		Help: "Health gate probes by result",
	}, []string{"result"})

	probeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pledgechain_health_probe_seconds",
		Help:    "Health gate probe latency",
		Buckets: prometheus.DefBuckets,
	})

	gate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pledgechain_health_gate_enabled",
		Help: "1 while live features are enabled",
	})

	connections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgechain_connection_transitions_total",
		Help: "Wallet connection state transitions by new status",
	}, []string{"status"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pledgechain_submissions_total",
		Help: "Write submissions by operation and status",
	}, []string{"operation", "status"})

	transfers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pledgechain_receipt_transfers_total",
		Help: "Receipt Transfer events observed by the live watcher",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(fetches, fetchLatency, probes, probeLatency, gate, connections, submissions, transfers)

	return &Metrics{
		registry:     r,
		fetchesTotal: fetches,
		fetchLatency: fetchLatency,
		probesTotal:  probes,
		probeLatency: probeLatency,
		gateEnabled:  gate,
		connections:  connections,
		submissions:  submissions,
		transfers:    transfers,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch matches query.WithObserver.
func (m *Metrics) ObserveFetch(kind string, outcome query.Outcome, took time.Duration) {
	m.fetchesTotal.WithLabelValues(kind, string(outcome)).Inc()
	if outcome != query.OutcomeDiscarded {
		m.fetchLatency.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// ObserveProbe matches health.Config.OnProbe.
func (m *Metrics) ObserveProbe(ok bool, took time.Duration) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.probesTotal.WithLabelValues(result).Inc()
	m.probeLatency.Observe(took.Seconds())
}

func (m *Metrics) SetGate(s health.State) {
	if s.Enabled {
		m.gateEnabled.Set(1)
		return
	}
	m.gateEnabled.Set(0)
}

func (m *Metrics) ObserveConnection(s chain.ConnectionState) {
	m.connections.WithLabelValues(s.Status.String()).Inc()
}

func (m *Metrics) IncSubmission(operation, status string) {
	m.submissions.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncTransfer() {
	m.transfers.Inc()
}
