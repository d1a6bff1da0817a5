// Package config holds the service configuration, loadable from the
// environment via envdecode struct tags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address. ENV: TOOLGATE_LISTEN_ADDR
	ListenAddr string `env:"TOOLGATE_LISTEN_ADDR,default=:8080"`
	// PublicBaseURL is the externally reachable base URL, used as the token
	// audience and in well-known metadata. ENV: TOOLGATE_PUBLIC_BASE_URL
	PublicBaseURL string `env:"TOOLGATE_PUBLIC_BASE_URL,default=http://localhost:8080"`

	// CatalogPath points at the YAML server catalog. ENV: TOOLGATE_CATALOG_PATH
	CatalogPath string `env:"TOOLGATE_CATALOG_PATH,default=catalog.yaml"`

	// OIDCIssuer is the authorization server validating inbound bearer
	// tokens. Empty disables OIDC (tests use a static authenticator).
	// ENV: TOOLGATE_OIDC_ISSUER
	OIDCIssuer string `env:"TOOLGATE_OIDC_ISSUER,default="`

	// OAuthRedirectURI is the redirect registered with upstream
	// authorization servers. ENV: TOOLGATE_OAUTH_REDIRECT_URI
	OAuthRedirectURI string `env:"TOOLGATE_OAUTH_REDIRECT_URI,default="`

	// RedisAddr switches the credential store and usage meter to Redis when
	// non-empty; empty keeps everything in process memory.
	// ENV: TOOLGATE_REDIS_ADDR
	RedisAddr string `env:"TOOLGATE_REDIS_ADDR,default="`

	// SessionTTL bounds how long a ready connection is reused without a
	// fresh dial. ENV: TOOLGATE_SESSION_TTL
	SessionTTL time.Duration `env:"TOOLGATE_SESSION_TTL,default=30m"`
	// ConnectTimeout bounds one dial attempt. ENV: TOOLGATE_CONNECT_TIMEOUT
	ConnectTimeout time.Duration `env:"TOOLGATE_CONNECT_TIMEOUT,default=15s"`
	// PingTimeout bounds one maintenance ping; keep it shorter than
	// ConnectTimeout. ENV: TOOLGATE_PING_TIMEOUT
	PingTimeout time.Duration `env:"TOOLGATE_PING_TIMEOUT,default=3s"`

	// UsageBudgetTokens is the default per-window token budget.
	// ENV: TOOLGATE_USAGE_BUDGET_TOKENS
	UsageBudgetTokens int64 `env:"TOOLGATE_USAGE_BUDGET_TOKENS,default=1000000"`
	// UsageWindow is the fixed metering window length.
	// ENV: TOOLGATE_USAGE_WINDOW
	UsageWindow time.Duration `env:"TOOLGATE_USAGE_WINDOW,default=720h"`

	// MaintenanceCron schedules the background sweep. Empty disables it.
	// ENV: TOOLGATE_MAINTENANCE_CRON
	MaintenanceCron string `env:"TOOLGATE_MAINTENANCE_CRON,default="`
}

// FromEnv loads Config from the environment, applying tag defaults.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants that tags cannot express.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.CatalogPath == "" {
		return errors.New("catalog path is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.PingTimeout <= 0 || c.PingTimeout >= c.ConnectTimeout {
		return fmt.Errorf("ping timeout must be positive and shorter than connect timeout, got %s", c.PingTimeout)
	}
	if c.UsageBudgetTokens <= 0 {
		return fmt.Errorf("usage budget must be positive, got %d", c.UsageBudgetTokens)
	}
	if c.UsageWindow <= 0 {
		return fmt.Errorf("usage window must be positive, got %s", c.UsageWindow)
	}
	return nil
}
