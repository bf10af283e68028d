package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	RelayPort      string   `mapstructure:"RELAY_PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	RelayAllowedOrigins        []string      `mapstructure:"RELAY_ALLOWED_ORIGINS"`
	RelayTokenSecret           string        `mapstructure:"RELAY_TOKEN_SECRET"`
	RelayTokenTTL              time.Duration `mapstructure:"RELAY_TOKEN_TTL"`
	RelayRequireSignedAnnounce bool          `mapstructure:"RELAY_REQUIRE_SIGNED_ANNOUNCE"`
	RelaySendBuffer            int           `mapstructure:"RELAY_SEND_BUFFER"`
}

var keys = []string{
	"PORT", "RELAY_PORT", "ENV",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RELAY_ALLOWED_ORIGINS", "RELAY_TOKEN_SECRET", "RELAY_TOKEN_TTL",
	"RELAY_REQUIRE_SIGNED_ANNOUNCE", "RELAY_SEND_BUFFER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("RELAY_PORT", "3001")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RELAY_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RELAY_TOKEN_TTL", "1m")
	v.SetDefault("RELAY_SEND_BUFFER", 64)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.RelayAllowedOrigins = splitList(cfg.RelayAllowedOrigins)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("ENV=development: requests are authenticated from X-Dev-User/X-Dev-Role headers; do not expose this server")
	}

	return cfg, nil
}

// splitList normalizes comma-separated settings, trimming blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT key source must be configured, and a signed announce requirement
// needs a relay token secret.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}

	if c.RelayRequireSignedAnnounce && c.RelayTokenSecret == "" {
		return fmt.Errorf("RELAY_TOKEN_SECRET is required when RELAY_REQUIRE_SIGNED_ANNOUNCE is true")
	}
	if c.IsProduction() && c.RelayTokenSecret != "" && len(c.RelayTokenSecret) < 32 {
		return fmt.Errorf("RELAY_TOKEN_SECRET must be at least 32 bytes in production, got %d", len(c.RelayTokenSecret))
	}
	if c.RelayTokenTTL <= 0 {
		return fmt.Errorf("RELAY_TOKEN_TTL must be positive, got %s", c.RelayTokenTTL)
	}
	if c.RelaySendBuffer <= 0 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be positive, got %d", c.RelaySendBuffer)
	}

	if c.Port == c.RelayPort {
		return fmt.Errorf("PORT and RELAY_PORT must differ, both are %q", c.Port)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}
