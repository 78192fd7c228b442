package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"ponte/config"
)

// Forwarding headers stamped on every proxied request.
const (
	XForwardedFor   = "X-Forwarded-For"
	XForwardedProto = "X-Forwarded-Proto"
	XForwardedHost  = "X-Forwarded-Host"
	GatewayHeader   = "X-Gateway" // Marker identifying requests that crossed the gateway.
	GatewayName     = "ponte"
)

// hopHeaders are connection-scoped and must not be forwarded to the
// backend or back to the client.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers from a header map.
func RemoveHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Traghetto ferries a single request across to the route's backend. It
// stamps the gateway marker and X-Forwarded-* headers and strips
// hop-by-hop headers before handing the request to the pooled transport.
type Traghetto struct {
	RT          http.RoundTripper // Pooled transport for the route's backend.
	ClientIP    string            // Remote address of the inbound connection.
	ClientHost  string            // Host header of the inbound request.
	ClientProto string            // "http" or "https" as seen by the client.
}

// RoundTrip executes a single HTTP transaction against the backend.
func (t *Traghetto) RoundTrip(req *http.Request) (*http.Response, error) {
	t.ForwardHeaders(req)
	return t.RT.RoundTrip(req)
}

// ForwardHeaders prepares the outbound header set: gateway marker,
// X-Forwarded-* chain and hop-by-hop removal.
func (t *Traghetto) ForwardHeaders(req *http.Request) {
	RemoveHopHeaders(req.Header)

	req.Header.Set(GatewayHeader, GatewayName)

	if t.ClientIP != "" {
		if prior := req.Header.Get(XForwardedFor); prior != "" {
			req.Header.Set(XForwardedFor, prior+", "+t.ClientIP)
		} else {
			req.Header.Set(XForwardedFor, t.ClientIP)
		}
	}
	if t.ClientProto != "" {
		req.Header.Set(XForwardedProto, t.ClientProto)
	}
	if t.ClientHost != "" {
		req.Header.Set(XForwardedHost, t.ClientHost)
	}
}

// ErrPoolSaturated is returned by Acquire when no backend slot frees up
// within the route's admission timeout.
var ErrPoolSaturated = errors.New("backend connection pool saturated")

// Cache holds one pooled *http.Transport per route, plus the admission
// slots bounding how many requests may hold a backend connection at
// once. Transports carry the backend connection pool, so they must be
// reused across requests and rebuilt only on configuration reload.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	transport *http.Transport
	slots     chan struct{}
	wait      time.Duration
}

// NewCache creates an empty transport cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Get returns the pooled transport for a route, building it on first use.
func (c *Cache) Get(route *config.RouteConfig) *http.Transport {
	return c.get(route).transport
}

// Acquire claims a backend slot for the route, blocking at most the
// configured pool wait. The slot is held for the request's whole
// lifetime, streams included, so saturation is visible here instead of
// in the transport's unbounded internal queue. Returns ErrPoolSaturated
// on timeout, the context error if the client goes away first.
func (c *Cache) Acquire(ctx context.Context, route *config.RouteConfig) (func(), error) {
	e := c.get(route)

	timer := time.NewTimer(e.wait)
	defer timer.Stop()

	select {
	case e.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.slots }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrPoolSaturated
	}
}

func (c *Cache) get(route *config.RouteConfig) *entry {
	c.mu.RLock()
	e, ok := c.entries[route.ID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[route.ID]; ok {
		return e
	}
	e = newEntry(route.Transport.HTTP)
	c.entries[route.ID] = e
	return e
}

func newEntry(cfg config.HTTPTransportConfig) *entry {
	maxConns := cfg.MaxConnsPerHost
	if maxConns == 0 {
		maxConns = 128
	}
	wait := cfg.PoolWaitTimeout
	if wait == 0 {
		wait = 5 * time.Second
	}
	return &entry{
		transport: build(cfg),
		slots:     make(chan struct{}, maxConns),
		wait:      wait,
	}
}

// Clear drops every cached transport, closing idle backend connections.
// Called when a cache is retired on configuration reload; in-flight
// requests keep the transport and slot they started with.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.transport.CloseIdleConnections()
	}
	c.entries = make(map[string]*entry)
}

// build constructs a pooled transport from configuration, applying
// defaults that keep the pool bounded and the connect phase time-limited.
func build(cfg config.HTTPTransportConfig) *http.Transport {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	maxIdlePerHost := cfg.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 10
	}
	maxConnsPerHost := cfg.MaxConnsPerHost
	if maxConnsPerHost == 0 {
		maxConnsPerHost = 128
	}
	tlsHandshakeTimeout := cfg.TLSHandshakeTimeout
	if tlsHandshakeTimeout == 0 {
		tlsHandshakeTimeout = 10 * time.Second
	}
	expectContinueTimeout := cfg.ExpectContinueTimeout
	if expectContinueTimeout == 0 {
		expectContinueTimeout = 1 * time.Second
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    cfg.DisableCompression,
	}
}
