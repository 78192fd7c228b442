package handlers

import (
	"context"
	"net/http"

	"ponte/app"
	"ponte/auth"
	"ponte/authz"
	credis "ponte/client/redis"
	"ponte/config"
	"ponte/gerrors"
	"ponte/health"
	"ponte/metrics"
	cmid "ponte/middlewares"
	"ponte/proxy"
	"ponte/websocket"
	"ponte/writer"
)

// DynamicGatewayHandler is the entry point for every request. It serves
// the operational endpoints, then runs the request through the gateway
// pipeline: authenticate, authorize, resolve a route, apply the route's
// filters and proxy to the backend. Each request resolves the runtime
// bundle exactly once.
func DynamicGatewayHandler(p *app.Ponte, w http.ResponseWriter, r *http.Request) {
	rt := p.Runtime()
	cfg := rt.Config

	if cfg.Metrics.Enabled && r.URL.Path == cfg.Metrics.Path {
		metrics.ExposeMetricsHandler().ServeHTTP(w, r)
		return
	}

	if cfg.Health.Enabled && r.URL.Path == cfg.Health.Path {
		var redisPing func(context.Context) error
		if cfg.Redis.Enabled && p.RedisClient != nil {
			client := p.RedisClient
			redisPing = func(ctx context.Context) error { return credis.Ping(ctx, client) }
		}
		health.Handler(p.Prober, redisPing).ServeHTTP(w, r)
		return
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatch(p, rt, w, r)
	})
	cmid.RequestIDMiddleware(handler).ServeHTTP(w, r)
}

// dispatch runs the authorization gate, resolves the route and hands the
// request to the proxy pipeline.
func dispatch(p *app.Ponte, rt *app.Runtime, w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(cmid.RequestIDHeader)
	cfg := rt.Config

	principal := authenticate(rt, r)

	decision := rt.Rules.Authorize(r.URL.Path, principal)
	switch decision.Outcome {
	case authz.DenyUnauthenticated:
		if cfg.Metrics.Enabled {
			metrics.RecordAuthDecision("unauthenticated")
		}
		p.Logger.Info("Request rejected: unauthenticated",
			"path", r.URL.Path, "rule", decision.Rule, "request_id", requestID)
		w.Header().Set("WWW-Authenticate", `Basic realm="ponte"`)
		gerrors.ErrUnauthenticated.WithRequestID(requestID).WriteJSON(w)
		return
	case authz.DenyForbidden:
		if cfg.Metrics.Enabled {
			metrics.RecordAuthDecision("forbidden")
		}
		p.Logger.Info("Request rejected: forbidden",
			"path", r.URL.Path, "rule", decision.Rule, "role", decision.Role,
			"principal", principal.Username, "request_id", requestID)
		gerrors.ErrForbidden.WithRequestID(requestID).WriteJSON(w)
		return
	}
	if cfg.Metrics.Enabled {
		metrics.RecordAuthDecision("allow")
	}

	route := rt.Routes.Resolve(r.URL.Path)
	if route == nil {
		p.Logger.Debug("No route matched", "path", r.URL.Path, "request_id", requestID)
		gerrors.ErrNoRouteMatch.WithRequestID(requestID).WriteJSON(w)
		return
	}

	if route.EnableWebsocket && websocket.IsWebSocketRequest(r) {
		p.Logger.Info("Upgrading to WebSocket", "route_id", route.ID, "path", r.URL.Path)
		rewritten := r.Clone(r.Context())
		route.Chain.ApplyRequest(rewritten)
		target := websocket.BackendURL(route.Target, rewritten.URL.Path, r.URL.RawQuery)
		websocket.HandleWebSocketProxy(w, r, target, websocket.ProxyHeaders(rewritten.Header), p.Logger)
		return
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeProxy(p, rt, route, w, r)
	})

	wrapped := applyMiddlewares(p, rt, route, principal, handler)
	lrw := writer.NewResponseWriter(w)
	wrapped.ServeHTTP(lrw, r)
}

// authenticate extracts and verifies the request's credentials. A
// request with no credentials, or with credentials the verifier rejects,
// proceeds with no principal; the policy table decides what that means
// for the requested path.
func authenticate(rt *app.Runtime, r *http.Request) *auth.Principal {
	creds := auth.FromRequest(r)
	if creds == nil {
		return nil
	}
	principal, err := rt.Verifier.Verify(r.Context(), creds)
	if err != nil {
		return nil
	}
	return principal
}

// applyMiddlewares wraps the proxy handler with the route's admission
// control and the request logger. Logging sits outermost so refused
// requests are logged and counted too.
func applyMiddlewares(p *app.Ponte, rt *app.Runtime, route *config.RouteConfig, principal *auth.Principal, handler http.Handler) http.Handler {
	cfg := rt.Config

	if route.RateLimiting.Enabled {
		if route.RateLimiting.UseRedis && cfg.Redis.Enabled && p.RedisClient != nil {
			handler = cmid.RateLimiterRedisMiddleware(handler, route.ID, route.RateLimiting, p.RedisClient, p.Logger)
		} else {
			handler = cmid.RateLimiterMiddleware(handler, route.ID, route.RateLimiting, p.Logger)
		}
	}

	principalName := ""
	if principal != nil {
		principalName = principal.Username
	}
	return cmid.LoggingMiddleware(handler, p.Logger, cfg.Logging, cfg.Metrics.Enabled, route.ID, principalName)
}

// ServeProxy applies the route's filter chain to a clone of the request
// and forwards it. The inbound request is never mutated: the filters and
// the executor only ever touch the outbound clone.
func ServeProxy(p *app.Ponte, rt *app.Runtime, route *config.RouteConfig, w http.ResponseWriter, r *http.Request) {
	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	route.Chain.ApplyRequest(outbound)

	executor := proxy.NewExecutor(p.Logger, rt.Transports, rt.Config.Metrics.Enabled)
	executor.Forward(w, r, outbound, route)
}
