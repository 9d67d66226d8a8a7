// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const namespace = "arbengine"

// Metrics holds the collectors on a private registry so several engines can
// run in one process (tests, simulate mode).
type Metrics struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	profit      *prometheus.CounterVec
	volume      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	hopLatency  *prometheus.HistogramVec
	hopErrors   *prometheus.CounterVec
	breakerVol  *prometheus.GaugeVec
	breakerFail *prometheus.GaugeVec
	paused      prometheus.Gauge
	httpReqs    *prometheus.CounterVec
}

// New builds and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attempts_total",
			Help:      "Execution attempts by outcome (committed, aborted, rejected) and reason code.",
		}, []string{"asset", "outcome", "reason"}),
		profit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "profit_base_units_total",
			Help:      "Profit swept to the treasury, in asset base units.",
		}, []string{"asset"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "volume_base_units_total",
			Help:      "Borrowed amount of committed attempts, in asset base units.",
		}, []string{"asset"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time from validation to the final phase.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),
		hopLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "hop_duration_seconds",
			Help:      "Latency of a single venue swap.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue"}),
		hopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "hop_errors_total",
			Help:      "Venue swaps that failed.",
		}, []string{"venue"}),
		breakerVol: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "window_volume_base_units",
			Help:      "Volume admitted in the current breaker window.",
		}, []string{"asset"}),
		breakerFail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "window_failures",
			Help:      "Mid-flight failures in the current breaker window.",
		}, []string{"asset"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the engine is paused.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status class.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.profit, m.volume, m.duration,
		m.hopLatency, m.hopErrors,
		m.breakerVol, m.breakerFail, m.paused, m.httpReqs,
	)
	return m
}

// Outcome classifies a result.
func Outcome(res domain.Result) string {
	switch {
	case res.Succeeded:
		return "committed"
	case res.OffendingGuard != "":
		return "rejected"
	default:
		return "aborted"
	}
}

// ObserveResult matches engine.ResultFunc.
func (m *Metrics) ObserveResult(_ context.Context, res domain.Result) {
	asset := res.Asset.Hex()
	outcome := Outcome(res)
	reason := res.ReasonCode
	if reason == "" {
		reason = "ok"
	}
	m.attempts.WithLabelValues(asset, outcome, reason).Inc()
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		m.duration.WithLabelValues(outcome).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	if res.Succeeded {
		m.profit.WithLabelValues(asset).Add(baseUnits(res.Profit))
		m.volume.WithLabelValues(asset).Add(baseUnits(res.Amount))
	}
}

// ObserveHop matches engine.HopFunc.
func (m *Metrics) ObserveHop(_ common.Address, _ int, venue common.Address, elapsed time.Duration, err error) {
	v := venue.Hex()
	m.hopLatency.WithLabelValues(v).Observe(elapsed.Seconds())
	if err != nil {
		m.hopErrors.WithLabelValues(v).Inc()
	}
}

// SetBreaker publishes an asset's breaker window.
func (m *Metrics) SetBreaker(asset common.Address, volume *uint256.Int, failures int) {
	m.breakerVol.WithLabelValues(asset.Hex()).Set(baseUnits(volume))
	m.breakerFail.WithLabelValues(asset.Hex()).Set(float64(failures))
}

// SetPaused publishes the pause switch.
func (m *Metrics) SetPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// ObserveHTTP counts an API response.
func (m *Metrics) ObserveHTTP(route string, status int) {
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpReqs.WithLabelValues(route, class).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// baseUnits converts an amount for a float collector; precision loss past
// 2^53 is accepted.
func baseUnits(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.RequireFromString(v.Dec()).InexactFloat64()
}
