package app

import (
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"ponte/auth"
	"ponte/authz"
	credis "ponte/client/redis"
	"ponte/config"
	"ponte/health"
	"ponte/logging"
	"ponte/router"
	"ponte/transport"
)

// Runtime bundles everything derived from one configuration snapshot.
// A request resolves the bundle once and uses it for its whole
// lifetime, so a reload mid-flight can never mix old and new state.
type Runtime struct {
	Config     *config.GatewayConfig
	Routes     *router.Table
	Rules      *authz.Table
	Verifier   auth.CredentialVerifier
	Transports *transport.Cache
}

// Ponte represents the main application structure. It holds the current
// runtime bundle, the Redis client and the logger.
type Ponte struct {
	runtime     atomic.Pointer[Runtime]
	RedisClient *redis.Client
	Logger      *slog.Logger
	Prober      *health.Prober // nil unless backend probing is enabled
}

// NewPonte creates a new instance of Ponte from the currently loaded
// configuration.
func NewPonte(redisClient *redis.Client, logger *slog.Logger) *Ponte {
	p := &Ponte{
		RedisClient: redisClient,
		Logger:      logger,
	}
	p.runtime.Store(buildRuntime(config.GetCurrentConfig(), transport.NewCache()))
	return p
}

// buildRuntime compiles a configuration snapshot into a runtime bundle.
func buildRuntime(cfg *config.GatewayConfig, transports *transport.Cache) *Runtime {
	return &Runtime{
		Config:     cfg,
		Routes:     router.NewTable(cfg.Routes),
		Rules:      authz.NewTable(cfg.AuthRules),
		Verifier:   auth.NewVerifier(cfg.Auth),
		Transports: transports,
	}
}

// Runtime returns the current runtime bundle.
func (p *Ponte) Runtime() *Runtime {
	return p.runtime.Load()
}

// Config returns the configuration of the current runtime bundle.
func (p *Ponte) Config() *config.GatewayConfig {
	return p.Runtime().Config
}

// UpdateConfig swaps in a new runtime bundle built from the given
// configuration. The swap is a single atomic store: requests started
// before it keep the old bundle, requests started after it see only the
// new one. The new bundle gets a fresh transport cache so changed
// per-route transport settings take effect; the retired cache only
// closes its idle connections, since in-flight requests on the old
// bundle still hold its transports.
func (p *Ponte) UpdateConfig(newConfig *config.GatewayConfig) {
	old := p.Runtime()
	p.runtime.Store(buildRuntime(newConfig, transport.NewCache()))
	old.Transports.Clear()
	p.Logger.Warn("Configuration updated")
}

// UpdateComponents refreshes the logger and Redis client when the new
// configuration changes them, then swaps in the new runtime bundle.
func (p *Ponte) UpdateComponents(newConfig *config.GatewayConfig) {
	current := p.Config()

	if newConfig.Logging.Level != current.Logging.Level {
		p.Logger = logging.InitializeLogger(newConfig.Logging.Level)
	}

	if newConfig.Redis != current.Redis {
		if p.RedisClient != nil {
			p.RedisClient.Close()
		}
		p.RedisClient = nil
		if newConfig.Redis.Enabled {
			client, err := credis.InitRedis(p.Logger, newConfig.Redis)
			if err != nil {
				p.Logger.Error("Failed to initialize Redis client", "error", err)
			} else {
				p.RedisClient = client
			}
		}
	}

	p.UpdateConfig(newConfig)
}
