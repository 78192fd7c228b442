package middlewares

import (
	"log/slog"
	"net/http"
	"time"

	"ponte/config"
	"ponte/logging"
	"ponte/metrics"
	"ponte/writer"
)

// LoggingMiddleware logs each proxied request and records its metrics.
// It wraps the response writer to capture status and byte counts without
// interfering with streaming: SSE bodies pass through unbuffered.
func LoggingMiddleware(next http.Handler, logger *slog.Logger, logCfg config.Logging, metricsEnabled bool, routeID, principal string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if metricsEnabled {
			metrics.UpdateActiveConnections(true)
			defer metrics.UpdateActiveConnections(false)
		}

		lrw, ok := w.(*writer.ResponseWriter)
		if !ok {
			lrw = writer.NewResponseWriter(w)
		}

		next.ServeHTTP(lrw, r)

		duration := time.Since(start)

		if metricsEnabled {
			metrics.RecordRequest(r.Method, routeID, lrw.StatusCode, duration.Seconds())
			metrics.RecordDataTransferred("inbound", r.ContentLength)
			metrics.RecordDataTransferred("outbound", lrw.BytesWritten)
		}

		if !logCfg.Enabled {
			return
		}
		if logCfg.Verbose {
			logging.LogRequestVerbose(logger, r, routeID, lrw, duration)
		}
		logging.LogRequestCompact(logger, r, routeID, principal, lrw.StatusCode, lrw.BytesWritten, duration)
	})
}
