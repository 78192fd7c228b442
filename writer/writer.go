package writer

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// DefaultCaptureSize bounds how much of a buffered response body is
	// retained for diagnostics (64KB).
	DefaultCaptureSize = 64 * 1024

	// StreamingThreshold is the Content-Length above which responses are
	// treated as streams and not captured (512KB).
	StreamingThreshold = 512 * 1024
)

// ResponseWriter wraps the client-side http.ResponseWriter for proxied
// responses. It records status and byte counts for logging and metrics,
// detects streaming responses (SSE, chunked, large bodies) and keeps a
// bounded capture of buffered bodies for verbose diagnostics. Streamed
// bodies are never captured: bytes pass straight through to the client.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int   // 0 until headers are written
	BytesWritten int64 // total bytes written to the client

	streaming   bool
	contentType string
	capture     *captureBuffer

	writeHeaderOnce sync.Once
	headerMu        sync.Mutex
}

// Option customizes a ResponseWriter.
type Option func(*ResponseWriter)

// WithCaptureSize sets the diagnostics capture bound; 0 disables capture.
func WithCaptureSize(size int) Option {
	return func(rw *ResponseWriter) {
		rw.capture = newCaptureBuffer(size)
	}
}

// NewResponseWriter wraps w for a proxied response.
func NewResponseWriter(w http.ResponseWriter, opts ...Option) *ResponseWriter {
	rw := &ResponseWriter{
		ResponseWriter: w,
		capture:        newCaptureBuffer(DefaultCaptureSize),
	}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// WriteHeader records the status code, classifies the response as
// buffered or streaming, and writes the headers exactly once.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.writeHeaderOnce.Do(func() {
		rw.headerMu.Lock()
		rw.StatusCode = statusCode
		rw.contentType = rw.Header().Get("Content-Type")
		rw.streaming = classifyStreaming(rw.Header(), rw.contentType)
		rw.headerMu.Unlock()

		rw.ResponseWriter.WriteHeader(statusCode)
	})
}

// classifyStreaming decides whether a response must bypass capture.
// SSE is always a stream; so are chunked transfers and large bodies.
func classifyStreaming(header http.Header, contentType string) bool {
	if strings.HasPrefix(contentType, "text/event-stream") {
		return true
	}
	if header.Get("Transfer-Encoding") == "chunked" {
		return true
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if length, err := strconv.ParseInt(cl, 10, 64); err == nil && length > StreamingThreshold {
			return true
		}
	}
	return false
}

// Write passes bytes through to the client, counting them and capturing
// a bounded prefix of non-streaming bodies.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.BytesWritten, int64(n))

	if n > 0 && !rw.streaming {
		rw.capture.Write(b[:n])
	}
	return n, err
}

// HeadersWritten reports whether WriteHeader has run.
func (rw *ResponseWriter) HeadersWritten() bool {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.StatusCode != 0
}

// IsStreaming reports whether the response was classified as a stream.
func (rw *ResponseWriter) IsStreaming() bool {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.streaming
}

// ContentType returns the Content-Type recorded at header time.
func (rw *ResponseWriter) ContentType() string {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.contentType
}

// CapturedBody returns the bounded capture of a buffered response body.
// Empty for streamed responses.
func (rw *ResponseWriter) CapturedBody() []byte {
	return rw.capture.Bytes()
}

// CaptureTruncated reports whether the body exceeded the capture bound.
func (rw *ResponseWriter) CaptureTruncated() bool {
	return rw.capture.Truncated()
}

// Flush sends any buffered data to the client. Required for SSE: the
// proxy flushes after every chunk so events reach the client as the
// backend emits them.
func (rw *ResponseWriter) Flush() {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets WebSocket upgrades take over the underlying connection.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

// captureBuffer is a bounded, concurrency-safe prefix buffer. Writes
// beyond the bound are counted but discarded.
type captureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	maxSize   int
	truncated bool
}

func newCaptureBuffer(maxSize int) *captureBuffer {
	return &captureBuffer{maxSize: maxSize}
}

// Write stores at most the remaining capacity and flags truncation.
func (cb *captureBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	available := cb.maxSize - cb.buf.Len()
	if available <= 0 {
		if len(p) > 0 {
			cb.truncated = true
		}
		return len(p), nil
	}
	if len(p) > available {
		cb.buf.Write(p[:available])
		cb.truncated = true
		return len(p), nil
	}
	cb.buf.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the captured prefix.
func (cb *captureBuffer) Bytes() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]byte(nil), cb.buf.Bytes()...)
}

// Truncated reports whether any bytes were discarded.
func (cb *captureBuffer) Truncated() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.truncated
}
