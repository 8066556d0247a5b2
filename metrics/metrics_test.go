package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(Namespace)

	r.SessionOpened()
	r.SessionOpened()
	r.Registered("fleet-template")
	r.Rejected("Unauthorized")
	r.Rejected("Unauthorized")
	r.Rejected("InvalidState")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.registrations.WithLabelValues("fleet-template")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rejections.WithLabelValues("Unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejections.WithLabelValues("InvalidState")))

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fleet_provisioning_sessions_opened_total 2")
	assert.Contains(t, rr.Body.String(), `fleet_provisioning_rejections_total{code="Unauthorized"} 2`)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SessionOpened()
		r.Registered("fleet-template")
		r.Rejected("Unauthorized")
	})
}

func TestMetricsServerRoutes(t *testing.T) {
	r := NewRecorder(Namespace)
	r.Registered("fleet-template")
	srv := New(r, "127.0.0.1:0")

	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `fleet_provisioning_registrations_total{template="fleet-template"} 1`)

	rr = httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
