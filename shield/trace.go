package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/shopwatch/idgen"
)

// TraceID assigns each request an ID, echoes it in X-Trace-ID and stores a
// request-scoped logger in the context. Requests are logged at debug level
// so Prometheus scrapes do not flood the log.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	gen := idgen.Prefixed("req_", idgen.Default)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = gen()
			}
			w.Header().Set("X-Trace-ID", traceID)

			l := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.Debug("request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
