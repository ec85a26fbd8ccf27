package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// LoggingMiddleware assigns a trace ID to every request and logs it on
// completion.
func LoggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logger.NewTraceID()
			}
			ctx := logger.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := NewStatusWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			log.LogRequest(ctx, r.Method, r.URL.Path, wrapped.Status(), time.Since(start))
		})
	}
}
