package metrics

import (
	"net/http"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/internal/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto_live"

// Metrics owns a private registry with the sync, fetch and stream series.
// It satisfies engine.Recorder and coinmarketcap.FetchObserver.
type Metrics struct {
	reg *prometheus.Registry

	ticks          *prometheus.CounterVec
	connection     *prometheus.GaugeVec
	assets         prometheus.Gauge
	cacheFallbacks *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchSeconds   prometheus.Histogram
	breakerState   *prometheus.GaugeVec
}

var connectionStates = []domain.ConnectionState{
	domain.ConnectionDisconnected,
	domain.ConnectionConnecting,
	domain.ConnectionConnected,
	domain.ConnectionError,
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_ticks_total",
			Help:      "Streamed price ticks by result.",
		}, []string{"result"}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connection_state",
			Help:      "1 for the current stream connection state, 0 otherwise.",
		}, []string{"state"}),
		assets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets",
			Help:      "Assets currently held in the price store.",
		}),
		cacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fallbacks_total",
			Help:      "Cache lookups after a failed snapshot fetch.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot page fetches by outcome.",
		}, []string{"outcome"}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_fetch_seconds",
			Help:      "Snapshot page fetch latency including retries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.connection, m.assets, m.cacheFallbacks,
		m.fetches, m.fetchSeconds, m.breakerState,
	)
	m.ConnectionChanged(domain.ConnectionDisconnected)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) TickApplied(applied bool) {
	if applied {
		m.ticks.WithLabelValues("applied").Inc()
		return
	}
	m.ticks.WithLabelValues("dropped").Inc()
}

func (m *Metrics) ConnectionChanged(state domain.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connection.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) AssetCount(n int) { m.assets.Set(float64(n)) }

func (m *Metrics) CacheFallback(hit bool) {
	if hit {
		m.cacheFallbacks.WithLabelValues("hit").Inc()
		return
	}
	m.cacheFallbacks.WithLabelValues("miss").Inc()
}

func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration) {
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchSeconds.Observe(elapsed.Seconds())
}

// BreakerStateChanged matches infra.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to infra.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}
