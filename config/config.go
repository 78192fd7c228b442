package config

import (
	"bytes"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"ponte/filter"
)

// Requirement values accepted in auth rule configuration.
const (
	RequirePublic        = "public"
	RequireAuthenticated = "authenticated"
	RequireRole          = "role"
)

// HTTPTransportConfig holds the configuration settings for the HTTP
// transport used to reach backends. Dial timeout bounds the Connecting
// phase; the pool limits bound concurrent backend connections.
type HTTPTransportConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableCompression    bool          `yaml:"disable_compression"`
	PoolWaitTimeout       time.Duration `yaml:"pool_wait_timeout"` // Max wait for a backend slot; saturation past this fails fast.
}

// TransportConfig wraps HTTP transport configuration.
type TransportConfig struct {
	HTTP HTTPTransportConfig `yaml:"http"`
}

// MetricsConfig holds the configuration for the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables the metrics endpoint.
	Path    string `yaml:"path"`    // Path the metrics endpoint responds to.
}

// HealthConfig holds the configuration for the health endpoint and the
// optional backend reachability prober. Advisory only; never gates the
// dispatch path.
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	ProbeBackends bool          `yaml:"probe_backends"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Logging holds the configuration for logging.
type Logging struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables request logging.
	Verbose bool   `yaml:"verbose"` // Enables/disables verbose request dumps.
	Level   string `yaml:"level"`   // Log level (e.g., debug, info, warn, error).
}

// RedisConfig holds the connection settings for the optional Redis
// client backing the distributed rate limiter.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
}

// RateLimiting holds the admission-control configuration for a route.
// Rejected requests are refused before any backend I/O.
type RateLimiting struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	UseRedis          bool    `yaml:"use_redis"` // Use the shared Redis counter instead of per-process buckets.
}

// RouteConfig is one routing rule: a path pattern, a backend target and
// an ordered filter chain. Routes are immutable once loaded; reload
// replaces the whole table.
type RouteConfig struct {
	ID              string           `yaml:"id"`
	Path            string           `yaml:"path"`        // Segment glob: "*" one segment, "**" one-or-more trailing segments.
	BackendURL      string           `yaml:"backend_url"` // Scheme + host (+ optional base path) of the backend.
	Order           int              `yaml:"order"`       // Tie-break: routes are tried in ascending order.
	Filters         []filter.Config  `yaml:"filters"`
	EnableWebsocket bool             `yaml:"enable_websocket"`
	RateLimiting    RateLimiting     `yaml:"rate_limiting"`
	IdleTimeout     time.Duration    `yaml:"idle_timeout"` // No-bytes bound while streaming; 0 = global default.
	Transport       *TransportConfig `yaml:"transport"`    // Optional per-route transport overrides.

	// Compiled at load time; never touched afterwards.
	Chain  *filter.Chain `yaml:"-"`
	Target *url.URL      `yaml:"-"`
}

// AuthRuleConfig is one entry of the ordered authorization policy table.
type AuthRuleConfig struct {
	Path    string `yaml:"path"`    // Segment glob, same semantics as route paths.
	Require string `yaml:"require"` // "public", "authenticated" or "role".
	Role    string `yaml:"role"`    // Required role when Require is "role".
}

// UserConfig is one entry of the static credential table consumed by the
// in-process verifier. Stands in for the external identity collaborator
// in development and tests.
type UserConfig struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// AuthConfig groups identity-verification settings.
type AuthConfig struct {
	Users        []UserConfig `yaml:"users"`
	BearerSecret string       `yaml:"bearer_secret"` // Enables HS256 bearer-token verification when set.
}

// GatewayConfig is the root configuration for the gateway process.
type GatewayConfig struct {
	Port        string           `yaml:"port"`
	HotReload   bool             `yaml:"hot_reload"`
	Logging     Logging          `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Health      HealthConfig     `yaml:"health"`
	Redis       RedisConfig      `yaml:"redis"`
	Transport   TransportConfig  `yaml:"transport"`
	Routes      []RouteConfig    `yaml:"routes"`
	AuthRules   []AuthRuleConfig `yaml:"auth_rules"`
	Auth        AuthConfig       `yaml:"auth"`
	IdleTimeout time.Duration    `yaml:"idle_timeout"` // Default streaming idle timeout for all routes.

	raw []byte // Source bytes, for change detection on reload.
}

var currentConfig atomic.Value

// LoadConfiguration loads the gateway configuration from a YAML file,
// validates it and compiles route patterns and filter chains. Any
// validation failure is a configuration error: the caller must treat it
// as fatal and refuse to serve traffic.
func LoadConfiguration(file string) (*GatewayConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config GatewayConfig
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	config.raw = data

	if err := validateAndCompile(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// validateAndCompile validates the configuration, sets defaults and
// compiles every route's pattern, target URL and filter chain.
func validateAndCompile(config *GatewayConfig) error {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be non-negative")
	}
	if config.Metrics.Enabled && config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Health.Enabled && config.Health.Path == "" {
		config.Health.Path = "/healthz"
	}
	if config.Health.Interval == 0 {
		config.Health.Interval = 10 * time.Second
	}
	if config.Health.Timeout == 0 {
		config.Health.Timeout = 5 * time.Second
	}

	if err := validateTransport(config.Transport.HTTP); err != nil {
		return err
	}

	seen := make(map[string]bool, len(config.Routes))
	for i := range config.Routes {
		route := &config.Routes[i]
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if seen[route.ID] {
			return fmt.Errorf("route %q: duplicate id", route.ID)
		}
		seen[route.ID] = true

		if !strings.HasPrefix(route.Path, "/") || !doublestar.ValidatePattern(route.Path) {
			return fmt.Errorf("route %q: invalid path pattern %q", route.ID, route.Path)
		}

		target, err := url.Parse(route.BackendURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("route %q: invalid backend_url %q", route.ID, route.BackendURL)
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return fmt.Errorf("route %q: unsupported backend scheme %q", route.ID, target.Scheme)
		}
		route.Target = target

		chain, err := filter.BuildChain(route.Filters)
		if err != nil {
			return fmt.Errorf("route %q: %w", route.ID, err)
		}
		route.Chain = chain

		// A strip deeper than the pattern's literal prefix would produce
		// invalid backend paths at request time; fail at load instead.
		depth := literalDepth(route.Path)
		for _, fc := range route.Filters {
			if fc.Type == filter.TypeStripPrefix && fc.Parts > depth {
				return fmt.Errorf("route %q: strip_prefix parts %d exceeds pattern depth %d",
					route.ID, fc.Parts, depth)
			}
		}

		if route.RateLimiting.Enabled {
			if route.RateLimiting.RequestsPerSecond <= 0 {
				return fmt.Errorf("route %q: requests_per_second must be positive", route.ID)
			}
			if route.RateLimiting.Burst < 0 {
				return fmt.Errorf("route %q: burst must be non-negative", route.ID)
			}
		}

		if route.IdleTimeout == 0 {
			route.IdleTimeout = config.IdleTimeout
		}

		if route.Transport == nil {
			route.Transport = &config.Transport
		} else if err := validateTransport(route.Transport.HTTP); err != nil {
			return fmt.Errorf("route %q: %w", route.ID, err)
		}
	}

	for i, rule := range config.AuthRules {
		if !strings.HasPrefix(rule.Path, "/") || !doublestar.ValidatePattern(rule.Path) {
			return fmt.Errorf("auth rule %d: invalid path pattern %q", i, rule.Path)
		}
		switch rule.Require {
		case RequirePublic, RequireAuthenticated:
		case RequireRole:
			if rule.Role == "" {
				return fmt.Errorf("auth rule %d (%s): role is required", i, rule.Path)
			}
		default:
			return fmt.Errorf("auth rule %d (%s): unknown requirement %q", i, rule.Path, rule.Require)
		}
	}

	for i, user := range config.Auth.Users {
		if user.Username == "" || user.Password == "" {
			return fmt.Errorf("auth user %d: username and password are required", i)
		}
	}

	return nil
}

// validateTransport checks that every transport timeout is non-negative.
func validateTransport(t HTTPTransportConfig) error {
	if t.DialTimeout < 0 || t.KeepAlive < 0 || t.IdleConnTimeout < 0 ||
		t.TLSHandshakeTimeout < 0 || t.ResponseHeaderTimeout < 0 ||
		t.ExpectContinueTimeout < 0 || t.PoolWaitTimeout < 0 {
		return fmt.Errorf("transport timeouts must be non-negative")
	}
	return nil
}

// literalDepth counts the leading path segments of a pattern before the
// first wildcard segment. "/calculator/**" has depth 1, "/a/b/*" depth 2.
func literalDepth(pattern string) int {
	depth := 0
	for _, segment := range strings.Split(strings.TrimPrefix(pattern, "/"), "/") {
		if strings.ContainsAny(segment, "*?[") {
			break
		}
		if segment != "" {
			depth++
		}
	}
	return depth
}

// UpdateConfig replaces the current configuration in a single atomic
// store; in-flight requests keep the snapshot they started with.
func UpdateConfig(newConfig *GatewayConfig) {
	currentConfig.Store(newConfig)
}

// GetCurrentConfig returns the current gateway configuration.
func GetCurrentConfig() *GatewayConfig {
	config := currentConfig.Load()
	if config == nil {
		return nil
	}
	return config.(*GatewayConfig)
}

// LoadAndSetConfig loads the configuration from a file and sets it as
// the current configuration. Any error is fatal: the gateway must never
// start serving with an invalid or partially-loaded table.
func LoadAndSetConfig(configFile string) {
	config, err := LoadConfiguration(configFile)
	if err != nil {
		log.Fatal(err)
	}
	UpdateConfig(config)
}

// IsConfigDifferent compares two configurations by their source bytes.
func IsConfigDifferent(config1, config2 *GatewayConfig) bool {
	return !bytes.Equal(config1.raw, config2.raw)
}

// WatchConfig watches the configuration file for changes and invokes a
// callback when a new, valid configuration is detected. It uses a polling
// mechanism; an invalid file is logged and the previous configuration
// stays in effect.
func WatchConfig(configFile string, onChange func(*GatewayConfig), logger *slog.Logger) {
	var lastModified time.Time
	isFirstCheck := true

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		fileInfo, err := os.Stat(configFile)
		if err != nil {
			logger.Error("Error statting configuration file", "error", err)
			continue
		}

		if fileInfo.ModTime().After(lastModified) {
			// Wait a bit to ensure file write is complete
			time.Sleep(1 * time.Second)

			newConfig, err := LoadConfiguration(configFile)
			if err != nil {
				logger.Error("Error loading configuration", "error", err)
				continue
			}

			if isFirstCheck {
				isFirstCheck = false
			} else if IsConfigDifferent(GetCurrentConfig(), newConfig) {
				onChange(newConfig)
				logger.Info("Configuration reloaded successfully")
			}
			lastModified = fileInfo.ModTime()
		}
	}
}
