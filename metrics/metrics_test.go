package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveTransition(t *testing.T) {
	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("start_trial", ResultOK))
	ObserveTransition("start_trial", ResultOK)
	ObserveTransition("start_trial", ResultOK)

	after := testutil.ToFloat64(transitionsTotal.WithLabelValues("start_trial", ResultOK))
	assert.Equal(t, before+2, after)
}

func TestHTTP_UsesRoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(HTTP)
	router.Get("/api/placements/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", http.MethodGet, "/api/placements/{id}"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/placements/abc", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", http.MethodGet, "/api/placements/{id}"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, after)
}
