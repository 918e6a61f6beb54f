package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.EventFinished("done")
	m.EventFinished("done")
	m.EventFinished("failed")
	m.ClaimsTotal.Inc()
	m.RequestServed("/analyze-entry", http.StatusOK)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/analyze-entry", "200")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveInference("emngarcia/deberta_mh_benign_worrisome", 120*time.Millisecond)
	m.EmptyPollsTotal.Inc()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "meboard_worker_inference_seconds_count{model=\"emngarcia/deberta_mh_benign_worrisome\"} 1")
	assert.Contains(t, body, "meboard_worker_empty_polls_total 1")
	assert.Contains(t, body, "go_goroutines")
}
