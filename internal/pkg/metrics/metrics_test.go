package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposed(t *testing.T) {
	m := New("stockflow")
	m.Messages.WithLabelValues("RESERVE", OutcomeAcked).Inc()
	m.DeadLetters.WithLabelValues("poison").Add(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("RESERVE", OutcomeAcked)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("poison")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "stockflow_stock_messages_total"))
}
