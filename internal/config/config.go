package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const (
	// DefaultJWTSecret is only suitable for local development.
	DefaultJWTSecret = "mySecretKey1234567890123456789012345678901234567890"
	// DefaultTokenTTLSeconds is 24 hours.
	DefaultTokenTTLSeconds = 86400

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Auth struct {
		JWTSecret       string
		TokenTTLSeconds int
	}
	RateLimit struct {
		Backend         string
		IntervalSeconds int
		Authenticated   struct {
			Capacity int64
		}
		Unauthenticated struct {
			Capacity int64
		}
		Redis struct {
			Addr     string
			Password string
			DB       int
			Prefix   string
		}
	}
	Log struct {
		Level string
	}
}

// TokenTTL returns the configured token lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLSeconds) * time.Second
}

// RateLimitInterval returns the refill interval shared by both policies.
func (c Config) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimit.IntervalSeconds) * time.Second
}

// Load reads configuration from environment variables and optional config files.
// Environment variables use the TASKHUB_ prefix with "." replaced by "_",
// e.g. TASKHUB_AUTH_JWTSECRET.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("TASKHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/taskhub.db")
	v.SetDefault("auth.jwtsecret", DefaultJWTSecret)
	v.SetDefault("auth.tokenttlseconds", DefaultTokenTTLSeconds)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.intervalseconds", 60)
	v.SetDefault("ratelimit.authenticated.capacity", 10)
	v.SetDefault("ratelimit.unauthenticated.capacity", 3)
	v.SetDefault("ratelimit.redis.addr", "localhost:6379")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.prefix", "taskhub:ratelimit:")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth jwt secret is required")
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		return fmt.Errorf("auth token ttl must be positive, got %d", c.Auth.TokenTTLSeconds)
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.IntervalSeconds <= 0 {
		return fmt.Errorf("rate limit interval must be positive")
	}
	if c.RateLimit.Authenticated.Capacity <= 0 || c.RateLimit.Unauthenticated.Capacity <= 0 {
		return fmt.Errorf("rate limit capacities must be positive")
	}
	return nil
}

// loadDotEnv exports variables from path that the environment does not
// already define. A missing file is not an error.
func loadDotEnv(path string) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	env, err := gotenv.StrictParse(file)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for key, value := range env {
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
	return nil
}
