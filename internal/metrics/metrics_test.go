package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(503))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Init()
	Init()
	RecordHTTP("GET /options", 200, time.Millisecond)
	RecordEvent("OptionBought", "applied", 3*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `optionsync_http_requests_total{route="GET /options",status="2xx"}`)
	assert.Contains(t, body, `optionsync_events_total{kind="OptionBought",outcome="applied"}`)
	assert.Contains(t, body, "optionsync_apply_duration_seconds_bucket")
}
