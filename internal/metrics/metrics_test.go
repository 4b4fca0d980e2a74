package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLedgerOperation(t *testing.T) {
	before := testutil.ToFloat64(ledgerOperations.WithLabelValues("reload", "ok"))
	RecordLedgerOperation("reload", "ok", 0)
	RecordLedgerOperation("reload", "ok", 3*time.Millisecond)
	after := testutil.ToFloat64(ledgerOperations.WithLabelValues("reload", "ok"))
	assert.Equal(t, before+2, after)
}

func TestRecordKeyCounters(t *testing.T) {
	before := testutil.ToFloat64(keysIssued.WithLabelValues("quota_exceeded"))
	RecordKeyIssued("quota_exceeded")
	assert.Equal(t, before+1, testutil.ToFloat64(keysIssued.WithLabelValues("quota_exceeded")))

	before = testutil.ToFloat64(keysDeactivated.WithLabelValues("ok"))
	RecordKeyDeactivated("ok")
	assert.Equal(t, before+1, testutil.ToFloat64(keysDeactivated.WithLabelValues("ok")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordHTTPRequest("get", "/health", 200, time.Millisecond)
	RecordLedgerFallback()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `storefront_http_requests_total{method="GET",path="/health",status="200"}`)
	assert.Contains(t, string(body), "storefront_ledger_fallback_total")
}
