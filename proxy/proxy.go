package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"ponte/config"
	"ponte/gerrors"
	"ponte/metrics"
	"ponte/transport"
)

// States of a proxied request, reported in logs.
const (
	StateConnecting = "connecting"
	StateForwarding = "forwarding"
	StateStreaming  = "streaming"
	StateCompleted  = "completed"
	StateAborted    = "aborted"
	StateFailed     = "failed"
)

// Executor forwards transformed requests to their resolved backend and
// streams the response back to the client. One Executor serves all
// routes; per-route state lives in the transport cache.
type Executor struct {
	Logger     *slog.Logger
	Transports *transport.Cache
	Metrics    bool // record prometheus metrics for upstream outcomes
}

// NewExecutor creates an executor over the given transport cache.
func NewExecutor(logger *slog.Logger, transports *transport.Cache, recordMetrics bool) *Executor {
	return &Executor{Logger: logger, Transports: transports, Metrics: recordMetrics}
}

// Forward sends the already-filtered outbound request to the route's
// backend and copies the response to the client.
//
// Streaming responses (SSE, chunked) are flushed chunk by chunk and never
// buffered; the copy is paced by the client because each write blocks
// until the client connection accepts it, which in turn paces reads from
// the backend. Client disconnects cancel the request context, aborting
// the backend read and releasing the pooled connection.
//
// Connect-level failures are retried exactly once, for GET requests
// only. Failures after the first response byte are never retried; a
// retry there could duplicate side effects on the backend.
//
// Each request first claims a bounded backend slot; a route whose pool
// is saturated past its admission timeout is refused with 503 before
// any backend I/O.
func (e *Executor) Forward(w http.ResponseWriter, inbound *http.Request, outbound *http.Request, route *config.RouteConfig) {
	target := route.Target
	outbound.URL.Scheme = target.Scheme
	outbound.URL.Host = target.Host
	outbound.URL.Path = singleJoiningSlash(target.Path, outbound.URL.Path)
	outbound.URL.RawQuery = inbound.URL.RawQuery
	outbound.Host = target.Host
	outbound.RequestURI = ""

	// Admission control: claim a backend slot before any I/O. A
	// saturated pool fails fast with 503 instead of queueing the request
	// behind the transport's internal connection wait.
	release, err := e.Transports.Acquire(inbound.Context(), route)
	if err != nil {
		if inbound.Context().Err() != nil {
			e.Logger.Debug("Request cancelled while waiting for a backend slot",
				"route_id", route.ID, "state", StateAborted)
			return
		}
		e.Logger.Error("Backend pool saturated",
			"route_id", route.ID, "state", StateFailed, "backend", route.BackendURL)
		if e.Metrics {
			metrics.RecordUpstreamError(route.ID, "saturated")
		}
		gerrors.ErrServiceUnavailable.WithRoute(route.ID).WriteJSON(w)
		return
	}
	defer release()

	ferry := &transport.Traghetto{
		RT:          e.Transports.Get(route),
		ClientIP:    clientIP(inbound),
		ClientHost:  inbound.Host,
		ClientProto: clientProto(inbound),
	}

	e.Logger.Debug("Proxying request",
		"route_id", route.ID, "state", StateConnecting,
		"method", outbound.Method, "backend", outbound.URL.String())

	start := time.Now()
	resp, err := e.roundTripWithRetry(ferry, inbound, outbound, route)
	if err != nil {
		e.handleError(w, inbound, route, err)
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if route.IdleTimeout > 0 {
		body = newIdleTimeoutReader(resp.Body, route.IdleTimeout)
	}

	copyHeaders(w.Header(), resp.Header)
	route.Chain.ApplyResponse(w.Header())

	streaming := isStreamingResponse(resp)
	state := StateForwarding
	if streaming {
		state = StateStreaming
	}
	e.Logger.Debug("Backend responded",
		"route_id", route.ID, "state", state, "status", resp.StatusCode)

	w.WriteHeader(resp.StatusCode)

	written, copyErr := e.copyBody(w, body, streaming)
	if copyErr != nil {
		// The status line is already on the wire; all that is left is to
		// release resources and record why the stream ended.
		if inbound.Context().Err() != nil {
			e.Logger.Debug("Client disconnected mid-stream",
				"route_id", route.ID, "state", StateAborted, "bytes", written)
		} else {
			e.Logger.Error("Backend stream failed",
				"route_id", route.ID, "state", StateAborted,
				"backend", route.BackendURL, "bytes", written, "error", copyErr)
			if e.Metrics {
				metrics.RecordUpstreamError(route.ID, "stream")
			}
		}
		return
	}

	e.Logger.Debug("Proxy request completed",
		"route_id", route.ID, "state", StateCompleted,
		"status", resp.StatusCode, "bytes", written,
		"duration_seconds", time.Since(start).Seconds())
}

// roundTripWithRetry executes the round trip, retrying once on a
// connect-level failure for idempotent GET requests without a body.
func (e *Executor) roundTripWithRetry(rt http.RoundTripper, inbound, outbound *http.Request, route *config.RouteConfig) (*http.Response, error) {
	resp, err := rt.RoundTrip(outbound)
	if err == nil {
		return resp, nil
	}

	retryable := outbound.Method == http.MethodGet &&
		(outbound.Body == nil || outbound.Body == http.NoBody) &&
		inbound.Context().Err() == nil &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!os.IsTimeout(err)
	if !retryable {
		return nil, err
	}

	e.Logger.Warn("Retrying GET after connect failure",
		"route_id", route.ID, "backend", route.BackendURL, "error", err)
	return rt.RoundTrip(outbound.Clone(outbound.Context()))
}

// handleError translates a round-trip failure into a gateway error. A
// cancelled client gets nothing: there is no client left to report to.
func (e *Executor) handleError(w http.ResponseWriter, inbound *http.Request, route *config.RouteConfig, err error) {
	if inbound.Context().Err() == context.Canceled || errors.Is(err, context.Canceled) {
		e.Logger.Debug("Request cancelled by client",
			"route_id", route.ID, "state", StateAborted)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		e.Logger.Error("Backend timed out",
			"route_id", route.ID, "state", StateFailed,
			"backend", route.BackendURL, "error", err)
		if e.Metrics {
			metrics.RecordUpstreamError(route.ID, "timeout")
		}
		gerrors.ErrGatewayTimeout.WithRoute(route.ID).WriteJSON(w)
		return
	}

	e.Logger.Error("Backend unreachable",
		"route_id", route.ID, "state", StateFailed,
		"backend", route.BackendURL, "error", err)
	if e.Metrics {
		metrics.RecordUpstreamError(route.ID, "unreachable")
	}
	gerrors.ErrBackendUnreachable.WithRoute(route.ID).WriteJSON(w)
}

// copyBody copies the response body to the client. In streaming mode
// every chunk is flushed immediately so SSE events reach the client as
// the backend emits them; reads stay paced by the client's consumption.
func (e *Executor) copyBody(w http.ResponseWriter, body io.Reader, streaming bool) (int64, error) {
	if !streaming {
		return io.Copy(w, body)
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// isStreamingResponse reports whether the backend response must be
// relayed incrementally rather than copied in one pass.
func isStreamingResponse(resp *http.Response) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return resp.ContentLength < 0
}

// copyHeaders copies backend response headers to the client, minus
// hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	transport.RemoveHopHeaders(dst)
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// clientIP extracts the address of the inbound connection, without port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return strings.Trim(addr, "[]")
}

// clientProto reports the scheme the client used to reach the gateway.
func clientProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
