package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Rejections.WithLabelValues("risk"))
	Rejections.WithLabelValues("risk").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Rejections.WithLabelValues("risk")))

	OpenPositions.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(OpenPositions))
}

func TestHandlerExposesCollectors(t *testing.T) {
	Signals.WithLabelValues("opened").Inc()
	ObserveBroker("PlaceOrder", time.Now().Add(-10*time.Millisecond))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "governor_signals_total"))
	assert.True(t, strings.Contains(text, `governor_broker_latency_seconds_count{op="PlaceOrder"}`))
}
