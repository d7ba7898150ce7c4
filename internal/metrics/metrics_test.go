package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveRequest("groq", "success", map[string]float64{"total": 1.2, "model_inference": 0.9, "model_load": 7})
	m.ObserveRequest("groq", "success", map[string]float64{"total": 0.4})
	m.ObserveRequest("groq", "validation", map[string]float64{"total": 0.001})
	m.ObserveAnomaly("groq", "negative_overhead")
	m.SetModelLoad("groq", "whisper-large-v3", 2.5)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("groq", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("groq", "validation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("groq", "negative_overhead")))
	require.Equal(t, 2.5, testutil.ToFloat64(m.modelLoad.WithLabelValues("groq", "whisper-large-v3")))
	require.Equal(t, 2, testutil.CollectAndCount(m.stages), "stage series")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), `transcription_requests_total{backend="groq",outcome="success"} 2`)
	require.NotContains(t, string(b), `stage="model_load"`)
}
