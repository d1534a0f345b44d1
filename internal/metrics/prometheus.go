package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all service metrics.
type Registry struct {
	// Web auth metrics
	LoginAttempts     *prometheus.CounterVec
	RateLimitedLogins prometheus.Counter
	ActiveWebSessions prometheus.Gauge
	PasswordChanges   prometheus.Counter

	// Upstream NAS metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	SessionRenewals  *prometheus.CounterVec

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Import/export metrics
	RulesImported *prometheus.CounterVec
	RulesExported prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Web auth metrics
	r.LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synoproxy_login_attempts_total",
		Help: "Total web login attempts by outcome",
	}, []string{"outcome"})

	r.RateLimitedLogins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synoproxy_rate_limited_logins_total",
		Help: "Total login attempts rejected by the rate limiter",
	})

	r.ActiveWebSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synoproxy_active_web_sessions",
		Help: "Current number of live web sessions",
	})

	r.PasswordChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synoproxy_password_changes_total",
		Help: "Total successful web password changes",
	})

	// Upstream NAS metrics
	r.UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synoproxy_upstream_requests_total",
		Help: "Total requests to the NAS API by method and outcome",
	}, []string{"method", "outcome"})

	r.UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synoproxy_upstream_request_duration_seconds",
		Help:    "NAS API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	r.SessionRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synoproxy_nas_session_renewals_total",
		Help: "Total NAS session renewals by outcome",
	}, []string{"outcome"})

	// API metrics
	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synoproxy_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synoproxy_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Import/export metrics
	r.RulesImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synoproxy_rules_imported_total",
		Help: "Total rules processed by import batches, by outcome",
	}, []string{"outcome"})

	r.RulesExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synoproxy_rules_exported_total",
		Help: "Total rules included in export downloads",
	})

	return r
}

// RecordLogin records a web login attempt outcome.
func (r *Registry) RecordLogin(outcome string) {
	r.LoginAttempts.WithLabelValues(outcome).Inc()
}

// RecordUpstream records a NAS API call.
func (r *Registry) RecordUpstream(method, outcome string, duration float64) {
	r.UpstreamRequests.WithLabelValues(method, outcome).Inc()
	r.UpstreamLatency.WithLabelValues(method).Observe(duration)
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, statusString(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

// RecordImport records the outcome counts of an import batch.
func (r *Registry) RecordImport(created, skipped, failed int) {
	r.RulesImported.WithLabelValues("created").Add(float64(created))
	r.RulesImported.WithLabelValues("skipped").Add(float64(skipped))
	r.RulesImported.WithLabelValues("failed").Add(float64(failed))
}

// statusString converts an HTTP status code to string.
func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}
