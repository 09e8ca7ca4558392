package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	poolAdapterOnce sync.Once
	poolAdapterReg  *PoolAdapterMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording API
// activity per module and method.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendbridge",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limits or quotas.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// PoolAdapterMetrics tracks position operations and position health.
type PoolAdapterMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	healthFactor *prometheus.GaugeVec
	liquidated   *prometheus.GaugeVec
	positions    prometheus.Gauge
}

// PoolAdapter returns the singleton pool adapter metrics registry.
func PoolAdapter() *PoolAdapterMetrics {
	poolAdapterOnce.Do(func() {
		poolAdapterReg = &PoolAdapterMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "operations_total",
				Help:      "Count of position operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for position operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "errors_total",
				Help:      "Count of failed position operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			healthFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "health_factor",
				Help:      "Last observed health factor per position; +Inf without debt.",
			}, []string{"position", "collateral"}),
			liquidated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "collateral_liquidated",
				Help:      "Collateral lost to third party liquidations per position, in token units.",
			}, []string{"position", "collateral"}),
			positions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendbridge",
				Subsystem: "pooladapter",
				Name:      "positions",
				Help:      "Number of positions loaded by the registry.",
			}),
		}
		prometheus.MustRegister(
			poolAdapterReg.operations,
			poolAdapterReg.latency,
			poolAdapterReg.errors,
			poolAdapterReg.healthFactor,
			poolAdapterReg.liquidated,
			poolAdapterReg.positions,
		)
	})
	return poolAdapterReg
}

// Observe records one position operation. code is the stable error code
// reported to callers and is ignored when err is nil.
func (m *PoolAdapterMetrics) Observe(operation string, duration time.Duration, code string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if code = strings.TrimSpace(code); code == "" {
			code = "internal"
		}
		m.errors.WithLabelValues(op, code).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordStatus publishes a position's health factor and liquidated
// collateral. Health factors and amounts are scaled by 10^decimals.
func (m *PoolAdapterMetrics) RecordStatus(position, collateral string, healthFactor, maxHealthFactor, liquidated *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	label := labelAsset(collateral)
	hf := math.Inf(1)
	if healthFactor != nil && (maxHealthFactor == nil || healthFactor.Cmp(maxHealthFactor) < 0) {
		hf = scaledToFloat(healthFactor, 18)
	}
	m.healthFactor.WithLabelValues(position, label).Set(hf)
	m.liquidated.WithLabelValues(position, label).Set(scaledToFloat(liquidated, decimals))
}

// SetPositions updates the loaded position gauge.
func (m *PoolAdapterMetrics) SetPositions(n int) {
	if m == nil {
		return
	}
	m.positions.Set(float64(n))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func scaledToFloat(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := f.Quo(f, scale).Float64()
	if math.IsNaN(out) {
		return 0
	}
	return out
}
