package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ponte/config"
	"ponte/filter"
	"ponte/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRoute(t *testing.T, backendURL string, filters ...filter.Config) *config.RouteConfig {
	t.Helper()
	target, err := url.Parse(backendURL)
	require.NoError(t, err)
	chain, err := filter.BuildChain(filters)
	require.NoError(t, err)
	return &config.RouteConfig{
		ID:        "test-route",
		Path:      "/test/**",
		Target:    target,
		Chain:     chain,
		Transport: &config.TransportConfig{},
	}
}

func forward(t *testing.T, e *Executor, w http.ResponseWriter, inbound *http.Request, route *config.RouteConfig) {
	t.Helper()
	outbound := inbound.Clone(inbound.Context())
	outbound.RequestURI = ""
	route.Chain.ApplyRequest(outbound)
	e.Forward(w, inbound, outbound, route)
}

// flushRecorder counts flushes so streaming tests can verify per-chunk
// delivery.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushRecorder) Flush() {
	f.flushes++
	f.ResponseRecorder.Flush()
}

func TestForwardBasic(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sse", r.URL.Path)
		assert.Equal(t, "session=abc", r.URL.RawQuery)
		assert.Equal(t, "ponte", r.Header.Get("X-Gateway"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "15")
		fmt.Fprint(w, `{"result":"ok"}`)
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL, filter.Config{Type: filter.TypeStripPrefix, Parts: 1})
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	inbound := httptest.NewRequest(http.MethodGet, "/test/sse?session=abc", nil)
	rec := httptest.NewRecorder()
	forward(t, e, rec, inbound, route)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"result":"ok"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestForwardJoinsBackendBasePath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL+"/base")
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	inbound := httptest.NewRequest(http.MethodGet, "/test/items", nil)
	rec := httptest.NewRecorder()
	forward(t, e, rec, inbound, route)

	assert.Equal(t, "/base/test/items", rec.Body.String())
}

func TestForwardAppliesResponseFilters(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "backend-internal")
		w.Header().Set("Content-Length", "2")
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL,
		filter.Config{Type: filter.TypeAddResponseHeader, Name: "X-Handled-By", Value: "ponte"},
		filter.Config{Type: filter.TypeRemoveResponseHeader, Name: "Server"},
	)
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	rec := httptest.NewRecorder()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/x", nil), route)

	assert.Equal(t, "ponte", rec.Header().Get("X-Handled-By"))
	assert.Empty(t, rec.Header().Get("Server"))
}

func TestForwardStreamsSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: event-%d\n\n", i)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL)
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/stream", nil), route)

	// Events arrive in order and each chunk was flushed rather than
	// buffered until the end.
	body := rec.Body.String()
	for i := 0; i < 5; i++ {
		assert.Contains(t, body, fmt.Sprintf("data: event-%d", i))
	}
	assert.Less(t, strings.Index(body, "event-0"), strings.Index(body, "event-4"))
	assert.GreaterOrEqual(t, rec.flushes, 2)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestForwardClientDisconnectMidStream(t *testing.T) {
	backendGone := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(backendGone)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			if _, err := fmt.Fprint(w, "data: tick\n\n"); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL)
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	ctx, cancel := context.WithCancel(context.Background())
	inbound := httptest.NewRequest(http.MethodGet, "/test/stream", nil).WithContext(ctx)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	done := make(chan struct{})
	go func() {
		forward(t, e, rec, inbound, route)
		close(done)
	}()

	// The disconnect must release the proxy goroutine and the backend
	// handler; neither may hang on the dead stream.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after client disconnect")
	}
	select {
	case <-backendGone:
	case <-time.After(2 * time.Second):
		t.Fatal("backend handler was not released after client disconnect")
	}
}

func TestForwardIdleTimeoutEndsStalledStream(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	route := testRoute(t, backend.URL)
	route.IdleTimeout = 50 * time.Millisecond
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	rec := httptest.NewRecorder()
	start := time.Now()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/stream", nil), route)

	assert.Contains(t, rec.Body.String(), "data: first")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwardFailsFastOnSaturatedPool(t *testing.T) {
	streaming := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: tick\n\n")
		w.(http.Flusher).Flush()
		close(streaming)
		<-r.Context().Done()
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL)
	route.Transport.HTTP.MaxConnsPerHost = 1
	route.Transport.HTTP.PoolWaitTimeout = 50 * time.Millisecond
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := httptest.NewRequest(http.MethodGet, "/test/stream", nil).WithContext(ctx)

	firstDone := make(chan struct{})
	go func() {
		forward(t, e, &flushRecorder{ResponseRecorder: httptest.NewRecorder()}, first, route)
		close(firstDone)
	}()

	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the backend")
	}

	// The stream holds the route's only slot; the second request must be
	// refused within the admission timeout, not queued behind it.
	rec := httptest.NewRecorder()
	start := time.Now()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/x", nil), route)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), time.Second)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Service Unavailable", payload["message"])
	assert.Equal(t, "test-route", payload["route_id"])

	// Releasing the stream frees the slot for the next request.
	cancel()
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("streaming request did not finish after cancel")
	}

	backendOK := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		fmt.Fprint(w, "ok")
	}))
	defer backendOK.Close()
	route.Target, _ = url.Parse(backendOK.URL)

	rec = httptest.NewRecorder()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/x", nil), route)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForwardBackendUnreachable(t *testing.T) {
	// Grab a port that refuses connections.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	route := testRoute(t, deadURL)
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	rec := httptest.NewRecorder()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/x", nil), route)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Backend Unreachable", payload["message"])
	assert.Equal(t, "test-route", payload["route_id"])
}

func TestForwardBackendTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer backend.Close()

	route := testRoute(t, backend.URL)
	route.Transport.HTTP.ResponseHeaderTimeout = 50 * time.Millisecond
	e := NewExecutor(testLogger(), transport.NewCache(), false)

	rec := httptest.NewRecorder()
	forward(t, e, rec, httptest.NewRequest(http.MethodGet, "/test/slow", nil), route)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

// countingRT fails the first n attempts, then delegates to a canned
// success.
type countingRT struct {
	failures int
	attempts int
}

func (rt *countingRT) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.attempts++
	if rt.attempts <= rt.failures {
		return nil, errors.New("connect: connection refused")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func TestRetryGetOnceAfterConnectFailure(t *testing.T) {
	e := NewExecutor(testLogger(), transport.NewCache(), false)
	route := testRoute(t, "http://localhost:1")

	rt := &countingRT{failures: 1}
	inbound := httptest.NewRequest(http.MethodGet, "/test/x", nil)
	outbound := inbound.Clone(inbound.Context())
	outbound.RequestURI = ""

	resp, err := e.roundTripWithRetry(rt, inbound, outbound, route)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, rt.attempts)
}

func TestRetryOnlyOnce(t *testing.T) {
	e := NewExecutor(testLogger(), transport.NewCache(), false)
	route := testRoute(t, "http://localhost:1")

	rt := &countingRT{failures: 10}
	inbound := httptest.NewRequest(http.MethodGet, "/test/x", nil)
	outbound := inbound.Clone(inbound.Context())
	outbound.RequestURI = ""

	_, err := e.roundTripWithRetry(rt, inbound, outbound, route)
	assert.Error(t, err)
	assert.Equal(t, 2, rt.attempts)
}

func TestNoRetryForPost(t *testing.T) {
	e := NewExecutor(testLogger(), transport.NewCache(), false)
	route := testRoute(t, "http://localhost:1")

	rt := &countingRT{failures: 10}
	inbound := httptest.NewRequest(http.MethodPost, "/test/x", strings.NewReader("body"))
	outbound := inbound.Clone(inbound.Context())
	outbound.RequestURI = ""

	_, err := e.roundTripWithRetry(rt, inbound, outbound, route)
	assert.Error(t, err)
	assert.Equal(t, 1, rt.attempts)
}

func TestNoRetryWhenClientGone(t *testing.T) {
	e := NewExecutor(testLogger(), transport.NewCache(), false)
	route := testRoute(t, "http://localhost:1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inbound := httptest.NewRequest(http.MethodGet, "/test/x", nil).WithContext(ctx)
	outbound := inbound.Clone(context.Background())
	outbound.RequestURI = ""

	rt := &countingRT{failures: 10}
	_, err := e.roundTripWithRetry(rt, inbound, outbound, route)
	assert.Error(t, err)
	assert.Equal(t, 1, rt.attempts)
}

func TestIsStreamingResponse(t *testing.T) {
	sse := &http.Response{Header: http.Header{"Content-Type": {"text/event-stream"}}, ContentLength: 10}
	assert.True(t, isStreamingResponse(sse))

	chunked := &http.Response{Header: http.Header{}, TransferEncoding: []string{"chunked"}, ContentLength: 10}
	assert.True(t, isStreamingResponse(chunked))

	unknown := &http.Response{Header: http.Header{}, ContentLength: -1}
	assert.True(t, isStreamingResponse(unknown))

	plain := &http.Response{Header: http.Header{"Content-Type": {"application/json"}}, ContentLength: 10}
	assert.False(t, isStreamingResponse(plain))
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/base/path", singleJoiningSlash("/base", "/path"))
	assert.Equal(t, "/base/path", singleJoiningSlash("/base/", "/path"))
	assert.Equal(t, "/base/path", singleJoiningSlash("/base", "path"))
	assert.Equal(t, "/path", singleJoiningSlash("", "/path"))
}
