package httpx

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mozhost",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		r.requestLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mozhost",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}))

		r.rateLimitHits = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mozhost",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by a rate policy",
		}, []string{"policy", "subject"}))

		r.metricsInitialized = true
	})
}

// register adds c to the default registry, or returns the collector already
// registered under the same name when several routers share a process.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(policy, subject string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"policy": policy, "subject": subject}).Inc()
}

// routeLabel collapses ids out of a path so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/api/environments":
		return path
	case strings.HasPrefix(path, environmentsPrefix):
		rest := strings.TrimPrefix(path, environmentsPrefix)
		if _, action, ok := strings.Cut(rest, "/"); ok && action != "" {
			return "/api/environments/{id}/" + action
		}
		return "/api/environments/{id}"
	case strings.HasPrefix(path, "/proxy/"):
		return "/proxy"
	case path == "/healthz", path == "/metrics", path == terminalPath:
		return path
	default:
		return "other"
	}
}
