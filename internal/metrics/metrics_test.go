package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLicenseRequest(t *testing.T) {
	before := testutil.ToFloat64(LicenseRequestsTotal.WithLabelValues("content_id", "ok"))
	RecordLicenseRequest("content_id", "ok")
	after := testutil.ToFloat64(LicenseRequestsTotal.WithLabelValues("content_id", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordRetry(t *testing.T) {
	before := testutil.ToFloat64(LicenseRetriesTotal.WithLabelValues(RetryReasonTimeout))
	RecordRetry(RetryReasonTimeout)
	after := testutil.ToFloat64(LicenseRetriesTotal.WithLabelValues(RetryReasonTimeout))
	assert.Equal(t, before+1, after)
}

func TestRecordCacheLookup(t *testing.T) {
	hitsBefore := testutil.ToFloat64(KeyCacheLookupsTotal.WithLabelValues(LookupResultHit))
	missesBefore := testutil.ToFloat64(KeyCacheLookupsTotal.WithLabelValues(LookupResultMiss))

	RecordCacheLookup(true)
	RecordCacheLookup(false)

	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(KeyCacheLookupsTotal.WithLabelValues(LookupResultHit)))
	assert.Equal(t, missesBefore+1, testutil.ToFloat64(KeyCacheLookupsTotal.WithLabelValues(LookupResultMiss)))
}

func TestRecordWindowReplacement(t *testing.T) {
	before := testutil.ToFloat64(CryptoPeriodWindowReplacements)
	RecordWindowReplacement(38)
	assert.Equal(t, float64(38), testutil.ToFloat64(CryptoPeriodWindowFirst))
	assert.Equal(t, before+1, testutil.ToFloat64(CryptoPeriodWindowReplacements))
}

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsExposition(t *testing.T) {
	RecordLicenseRequest("pssh", "ok")

	w := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keyserve_license_requests_total")
}
