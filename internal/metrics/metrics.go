package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyserve_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// License fetch metrics
	LicenseRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserve_license_requests_total",
			Help: "Total number of license server fetch cycles",
		},
		[]string{"mode", "status"},
	)

	LicenseRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserve_license_retries_total",
			Help: "Total number of license fetch retries",
		},
		[]string{"reason"},
	)

	LicenseRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyserve_license_request_duration_seconds",
			Help:    "License server round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Key cache metrics
	KeyCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserve_key_cache_lookups_total",
			Help: "Total number of key cache lookups",
		},
		[]string{"result"},
	)

	CryptoPeriodWindowFirst = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyserve_crypto_period_window_first",
			Help: "First crypto period index of the retained key window",
		},
	)

	CryptoPeriodWindowReplacements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserve_crypto_period_window_replacements_total",
			Help: "Total number of crypto period window replacements",
		},
	)
)

// Retry reasons for LicenseRetriesTotal
const (
	RetryReasonTimeout   = "timeout"
	RetryReasonTransient = "transient_status"
)

// Cache lookup results for KeyCacheLookupsTotal
const (
	LookupResultHit  = "hit"
	LookupResultMiss = "miss"
)

// RecordLicenseRequest records the outcome of one full fetch cycle
func RecordLicenseRequest(mode, status string) {
	LicenseRequestsTotal.WithLabelValues(mode, status).Inc()
}

// RecordRetry records a retry attempt with its reason
func RecordRetry(reason string) {
	LicenseRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordCacheLookup records a key cache lookup result
func RecordCacheLookup(hit bool) {
	if hit {
		KeyCacheLookupsTotal.WithLabelValues(LookupResultHit).Inc()
	} else {
		KeyCacheLookupsTotal.WithLabelValues(LookupResultMiss).Inc()
	}
}

// RecordWindowReplacement records a rotation window update
func RecordWindowReplacement(first uint32) {
	CryptoPeriodWindowFirst.Set(float64(first))
	CryptoPeriodWindowReplacements.Inc()
}
