package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "placement"

	operationLabel = "operation"
	resultLabel    = "result"

	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "transitions_total",
		Help:      "number of placement workflow operations partitioned by operation and result",
	},
	[]string{operationLabel, resultLabel},
)

var outboxPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "outbox_published_total",
		Help:      "number of outbox messages handed to the publisher partitioned by result",
	},
	[]string{resultLabel},
)

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "number of HTTP requests partitioned by status code, method and route",
	},
	[]string{"code", "method", "path"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(outboxPublishedTotal)
	prometheus.MustRegister(httpRequestsTotal)
}

func ObserveTransition(operation, result string) {
	transitionsTotal.With(prometheus.Labels{operationLabel: operation, resultLabel: result}).Inc()
}

func ObserveOutboxPublish(result string) {
	outboxPublishedTotal.With(prometheus.Labels{resultLabel: result}).Inc()
}

// HTTP counts requests by chi route pattern so ids don't explode cardinality.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(strconv.Itoa(ww.Status()), r.Method, path).Inc()
	})
}
