package middlewares

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ponte/config"
	"ponte/gerrors"
)

// RateLimiterRedisMiddleware applies per-client admission control for
// one route with counters shared across gateway instances. The counter
// window is one second, so requests_per_second maps directly onto the
// Redis key TTL.
func RateLimiterRedisMiddleware(next http.Handler, routeID string, cfg config.RateLimiting, client *redis.Client, logger *slog.Logger) http.Handler {
	if !cfg.Enabled || client == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		allowed, err := allowRequest(r, client, routeID, ip, cfg)
		if err != nil {
			// Redis being down must not take the gateway with it.
			logger.Warn("Rate limiter unavailable, allowing request", "route_id", routeID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			logger.Debug("Rate limit exceeded", "route_id", routeID, "client_ip", ip)
			gerrors.ErrTooManyRequests.WithRoute(routeID).WriteJSON(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowRequest increments the per-second counter for the client and
// reports whether it is still within the configured budget.
func allowRequest(r *http.Request, client *redis.Client, routeID, ip string, cfg config.RateLimiting) (bool, error) {
	key := fmt.Sprintf("rate_limiter:%s:%s", routeID, ip)

	count, err := client.Incr(r.Context(), key).Result()
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := client.Expire(r.Context(), key, time.Second).Err(); err != nil {
			return false, err
		}
	}

	limit := int64(cfg.RequestsPerSecond) + int64(cfg.Burst)
	return count <= limit, nil
}
