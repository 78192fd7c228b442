// Package health exposes the gateway liveness endpoint and an optional
// background prober that reports backend reachability. Probe results
// are advisory: they never gate request dispatch.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ponte/config"
)

// Status values reported per backend.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// BackendStatus is the last observed probe result for one route's backend.
type BackendStatus struct {
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Prober periodically probes each configured backend with a lightweight
// request and remembers the result.
type Prober struct {
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	statuses map[string]BackendStatus

	cancel context.CancelFunc
	done   chan struct{}

	// routes returns the current route set, so a config reload is picked
	// up on the next probe cycle without restarting the prober.
	routes func() []*config.RouteConfig
}

// NewProber creates a prober over the routes returned by the given
// snapshot function.
func NewProber(cfg config.HealthConfig, routes func() []*config.RouteConfig, logger *slog.Logger) *Prober {
	return &Prober{
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
		logger:   logger,
		statuses: make(map[string]BackendStatus),
		routes:   routes,
	}
}

// Start launches the background probe loop. It is a no-op if the prober
// is already running.
func (p *Prober) Start() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.probeAll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Prober) probeAll(ctx context.Context) {
	seen := make(map[string]bool)
	for _, route := range p.routes() {
		if seen[route.ID] {
			continue
		}
		seen[route.ID] = true
		p.probe(ctx, route)
	}

	// Drop entries for routes removed by a reload.
	p.mu.Lock()
	for id := range p.statuses {
		if !seen[id] {
			delete(p.statuses, id)
		}
	}
	p.mu.Unlock()
}

func (p *Prober) probe(ctx context.Context, route *config.RouteConfig) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, route.Target.String(), nil)
	if err != nil {
		p.record(route.ID, StatusUnhealthy, time.Since(start), err)
		return
	}

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.record(route.ID, StatusUnhealthy, latency, err)
		return
	}
	resp.Body.Close()

	// Any response at all proves the backend is reachable. 405 on HEAD
	// is common and still counts.
	p.record(route.ID, StatusHealthy, latency, nil)
}

func (p *Prober) record(routeID string, status Status, latency time.Duration, err error) {
	bs := BackendStatus{
		Status:    status,
		Latency:   latency / time.Millisecond,
		CheckedAt: time.Now(),
	}
	if err != nil {
		bs.Error = err.Error()
		p.logger.Debug("Backend probe failed", "route_id", routeID, "error", err)
	}

	p.mu.Lock()
	p.statuses[routeID] = bs
	p.mu.Unlock()
}

// Statuses returns a snapshot of the last probe result per route.
func (p *Prober) Statuses() map[string]BackendStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]BackendStatus, len(p.statuses))
	for id, bs := range p.statuses {
		out[id] = bs
	}
	return out
}

// Report is the payload served by the health endpoint.
type Report struct {
	Status   string                   `json:"status"`
	Redis    string                   `json:"redis,omitempty"`
	Backends map[string]BackendStatus `json:"backends,omitempty"`
}

// Handler serves the gateway health report. The prober and the redis
// ping function may both be nil; the gateway itself being able to answer
// is the liveness signal.
func Handler(prober *Prober, redisPing func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: "ok"}

		if prober != nil {
			report.Backends = prober.Statuses()
		}
		if redisPing != nil {
			if err := redisPing(r.Context()); err != nil {
				report.Redis = "unreachable"
			} else {
				report.Redis = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(report)
	})
}
