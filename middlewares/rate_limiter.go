package middlewares

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ponte/config"
	"ponte/gerrors"
)

// clientLimiter is the token bucket for one client on one route.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen int64 // Unix timestamp for thread-safe updates
}

// In-memory store of per-route, per-client limiters.
var (
	clients     = make(map[string]*clientLimiter)
	clientsMu   sync.RWMutex
	cleanupOnce sync.Once
)

// RateLimiterMiddleware applies per-client admission control for one
// route. Requests over the limit are refused with 429 before any route
// filters run or backend I/O starts.
func RateLimiterMiddleware(next http.Handler, routeID string, cfg config.RateLimiting, logger *slog.Logger) http.Handler {
	if !cfg.Enabled {
		return next
	}

	cleanupOnce.Do(func() {
		go cleanupOldClients(logger)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		key := routeID + ":" + ip

		limiter := getOrCreateLimiter(key, cfg)
		if !limiter.limiter.Allow() {
			logger.Debug("Rate limit exceeded", "route_id", routeID, "client_ip", ip)
			gerrors.ErrTooManyRequests.WithRoute(routeID).WriteJSON(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getOrCreateLimiter retrieves or creates the limiter for a key.
func getOrCreateLimiter(key string, cfg config.RateLimiting) *clientLimiter {
	clientsMu.RLock()
	limiter, exists := clients[key]
	clientsMu.RUnlock()

	if !exists {
		clientsMu.Lock()
		// Double check after upgrading the lock.
		limiter, exists = clients[key]
		if !exists {
			limiter = &clientLimiter{
				limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
				lastSeen: time.Now().Unix(),
			}
			clients[key] = limiter
		}
		clientsMu.Unlock()
	}

	atomic.StoreInt64(&limiter.lastSeen, time.Now().Unix())
	return limiter
}

// cleanupOldClients drops limiters not seen for more than 3 minutes.
func cleanupOldClients(logger *slog.Logger) {
	for {
		time.Sleep(time.Minute)
		clientsMu.Lock()
		for key, limiter := range clients {
			if time.Now().Unix()-atomic.LoadInt64(&limiter.lastSeen) > 3*60 {
				logger.Debug("Cleaning up idle rate limiter", "key", key)
				delete(clients, key)
			}
		}
		clientsMu.Unlock()
	}
}

// ClientIP extracts the client's IP address from the request, preferring
// an existing X-Forwarded-For chain when the gateway sits behind another
// proxy.
func ClientIP(r *http.Request) string {
	ip := r.RemoteAddr

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	// Strip a trailing port ([::1]:51260 or 127.0.0.1:8080). A bare IPv6
	// address from X-Forwarded-For has no port to strip.
	if strings.HasPrefix(ip, "[") || strings.Count(ip, ":") == 1 {
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}
	}
	return strings.Trim(ip, "[]")
}
