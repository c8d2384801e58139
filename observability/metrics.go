package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "otc"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	otcdMetricsOnce sync.Once
	otcdRegistry    *OtcdMetrics
)

// HTTP returns the lazily-initialised registry for API route activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. status is the HTTP status that was
// written to the client.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// OtcdMetrics bundles the marketplace collectors.
type OtcdMetrics struct {
	transitions   *prometheus.CounterVec
	payoutLatency *prometheus.HistogramVec
	payoutErrors  *prometheus.CounterVec
	payouts       *prometheus.CounterVec
	revenue       prometheus.Gauge
	activePosts   prometheus.Gauge
	activeDeals   prometheus.Gauge
	pauseEngaged  *prometheus.GaugeVec
	droppedEvents prometheus.Counter
}

// Otcd returns the singleton registry for the marketplace daemon.
func Otcd() *OtcdMetrics {
	otcdMetricsOnce.Do(func() {
		otcdRegistry = &OtcdMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Count of committed engine events segmented by type.",
			}, []string{"type"}),
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "custody",
				Name:      "transfer_duration_seconds",
				Help:      "Latency distribution for custody transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			payoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "custody",
				Name:      "errors_total",
				Help:      "Count of custody transfer failures segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "custody",
				Name:      "transfers_total",
				Help:      "Count of executed custody transfers segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			revenue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "revenue_unswept",
				Help:      "Accrued commission awaiting a sweep, in asset base units.",
			}),
			activePosts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "active_posts",
				Help:      "Number of registered posts.",
			}),
			activeDeals: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "active_deals",
				Help:      "Number of non-terminated deals.",
			}),
			pauseEngaged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "pause_engaged",
				Help:      "1 when the module is paused, 0 otherwise.",
			}, []string{"module"}),
			droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events discarded because a stream subscriber fell behind.",
			}),
		}
		prometheus.MustRegister(
			otcdRegistry.transitions,
			otcdRegistry.payoutLatency,
			otcdRegistry.payoutErrors,
			otcdRegistry.payouts,
			otcdRegistry.revenue,
			otcdRegistry.activePosts,
			otcdRegistry.activeDeals,
			otcdRegistry.pauseEngaged,
			otcdRegistry.droppedEvents,
		)
	})
	return otcdRegistry
}

// RecordEvent counts a committed engine event.
func (m *OtcdMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOr(eventType, "unknown")).Inc()
}

// ObserveTransfer records a successful custody transfer.
func (m *OtcdMetrics) ObserveTransfer(asset, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(labelAsset(asset), labelOr(reason, "unspecified")).Inc()
	m.payoutLatency.WithLabelValues(labelAsset(asset)).Observe(d.Seconds())
}

// RecordTransferError increments the failure counter for the supplied reason.
func (m *OtcdMetrics) RecordTransferError(asset, reason string) {
	if m == nil {
		return
	}
	m.payoutErrors.WithLabelValues(labelAsset(asset), labelOr(reason, "unspecified")).Inc()
}

// RecordBook updates the revenue and active set gauges.
func (m *OtcdMetrics) RecordBook(revenue *big.Int, posts, deals int) {
	if m == nil {
		return
	}
	m.revenue.Set(bigToFloat(revenue))
	m.activePosts.Set(float64(posts))
	m.activeDeals.Set(float64(deals))
}

// SetPause toggles the pause gauge for module.
func (m *OtcdMetrics) SetPause(module string, engaged bool) {
	if m == nil {
		return
	}
	value := 0.0
	if engaged {
		value = 1
	}
	m.pauseEngaged.WithLabelValues(labelOr(module, "unknown")).Set(value)
}

// AddDropped adds n to the dropped event counter.
func (m *OtcdMetrics) AddDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.droppedEvents.Add(float64(n))
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func labelAsset(asset string) string {
	return strings.ToUpper(labelOr(asset, "unknown"))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
