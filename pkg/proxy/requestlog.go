package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/trace"

	"github.com/openshift/portal-gateway/pkg/identity"
)

// accessLogResponseWriter captures the status code written by the handler.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (a *accessLogResponseWriter) WriteHeader(code int) {
	a.statusCode = code
	a.ResponseWriter.WriteHeader(code)
}

// RequestLogger is a middleware that logs requests.
func RequestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			aw := &accessLogResponseWriter{w, http.StatusOK}

			next.ServeHTTP(aw, r)

			spanContext := trace.SpanFromContext(r.Context()).SpanContext()
			keyvals := []interface{}{
				"trace_id", spanContext.TraceID().String(),
				"span_id", spanContext.SpanID().String(),
				"request", middleware.GetReqID(r.Context()),
				"msg", "request log",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.statusCode,
				"duration", time.Since(start),
			}
			if c, ok := identity.FromContext(r.Context()); ok {
				keyvals = append(keyvals, "source_ip", c.SourceIP, "device_id", c.DeviceID)
			}
			level.Info(logger).Log(keyvals...)
		})
	}
}
