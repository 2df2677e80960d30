package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestIDMiddleware assigns every request an id, taken from the incoming
// X-Request-Id header when present, and echoes it on the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			w.Header().Set("x-amz-request-id", id)
			next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithFields(logrus.Fields{
					"panic":      rec,
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": audit.RequestIDFromContext(r.Context()),
					"stack":      string(debug.Stack()),
				}).Error("Recovered from handler panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts, latency and bytes by route
// template. It must be installed with mux.Router.Use so the matched route
// is known.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			route := "unknown"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			bytes := rw.bytesWritten
			if r.ContentLength > 0 {
				bytes += r.ContentLength
			}
			m.RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start), bytes)
		})
	}
}
