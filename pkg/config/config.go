// Package config holds the gateway's runtime configuration, decoded from
// the environment via struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries every tunable the gateway consumes. Credentials are read
// once at startup and never mutated.
type Config struct {
	// ServerURL is the MT5 WebAPI base URL, e.g. "https://192.0.2.10:443".
	ServerURL string `env:"MT5_SERVER,default=https://127.0.0.1:443"`

	// Login is the manager account login.
	Login string `env:"MT5_LOGIN,required"`

	// Password is the shared secret used in the challenge-response handshake.
	Password string `env:"MT5_PASSWORD,required"`

	// Agent identifies the client to the server.
	Agent string `env:"MT5_AGENT,default=WebManager"`

	// Version is the WebAPI protocol version (must be >= 484).
	Version int `env:"MT5_VERSION,default=1290"`

	// SessionTTL is how long an authenticated session is trusted before a
	// new handshake is required.
	SessionTTL time.Duration `env:"MT5_SESSION_TTL,default=300s"`

	// KeepAliveInterval is the period of the background session probe.
	KeepAliveInterval time.Duration `env:"MT5_KEEPALIVE_INTERVAL,default=20s"`

	// RequestTimeout bounds every upstream call.
	RequestTimeout time.Duration `env:"MT5_REQUEST_TIMEOUT,default=30s"`

	// InsecureTLS skips upstream certificate verification. The MT5 WebAPI
	// is commonly deployed with a self-signed certificate.
	InsecureTLS bool `env:"MT5_INSECURE_TLS,default=true"`

	// UserCacheTTL is the cache TTL for account/user records.
	UserCacheTTL time.Duration `env:"CACHE_USER_TTL,default=60s"`

	// PositionCacheTTL is the cache TTL for open-position records.
	PositionCacheTTL time.Duration `env:"CACHE_POSITION_TTL,default=30s"`

	// RedisAddr is the optional shared cache tier, like "localhost:6379".
	// Empty disables the shared tier; the gateway runs on memory alone.
	RedisAddr string `env:"REDIS_ADDR,default="`

	// ListenAddr is the HTTP surface bind address.
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	// APIKey protects the HTTP surface. Empty disables the check
	// (development mode).
	APIKey string `env:"API_KEY,default="`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// FromEnv decodes the configuration from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c Config) Validate() error {
	if c.Version < 484 {
		return fmt.Errorf("MT5_VERSION must be >= 484 (got %d)", c.Version)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("MT5_SESSION_TTL must be positive (got %s)", c.SessionTTL)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("MT5_KEEPALIVE_INTERVAL must be positive (got %s)", c.KeepAliveInterval)
	}
	if c.KeepAliveInterval >= c.SessionTTL {
		return fmt.Errorf("keep-alive interval %s must be shorter than session TTL %s",
			c.KeepAliveInterval, c.SessionTTL)
	}
	return nil
}
