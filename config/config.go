package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTHZ_HTTP_PORT.
const EnvPrefix = "AUTHZ"

// Store and directory backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreBolt   = "bolt"

	DirectoryStatic = "static"
	DirectoryMongo  = "mongo"
)

// ServerConfig holds all configuration for the server.
// Durations are whole seconds, as in the environment.
type ServerConfig struct {
	HTTPPort        string `mapstructure:"HTTP_PORT"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	TracingEnabled  bool   `mapstructure:"TRACING_ENABLED"`
	MetricsEnabled  bool   `mapstructure:"METRICS_ENABLED"`
	AuditEnabled    bool   `mapstructure:"AUDIT_ENABLED"`

	AccessTokenTTL  int `mapstructure:"ACCESS_TOKEN_TTL"`
	CodeTTL         int `mapstructure:"CODE_TTL"`
	RefreshTokenTTL int `mapstructure:"REFRESH_TOKEN_TTL"`
	SweepInterval   int `mapstructure:"SWEEP_INTERVAL"`

	SigningKeyPath string `mapstructure:"SIGNING_KEY_PATH"`
	SigningKeyID   string `mapstructure:"SIGNING_KEY_ID"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDBName   string `mapstructure:"MONGO_DB_NAME"`
	BoltPath      string `mapstructure:"BOLT_PATH"`

	DirectoryBackend  string `mapstructure:"DIRECTORY_BACKEND"`
	DirectoryFile     string `mapstructure:"DIRECTORY_FILE"`
	DirectoryCacheTTL int    `mapstructure:"DIRECTORY_CACHE_TTL"`

	SessionTTL     int     `mapstructure:"SESSION_TTL"`
	TransactionTTL int     `mapstructure:"TRANSACTION_TTL"`
	TokenRateLimit float64 `mapstructure:"TOKEN_RATE_LIMIT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "authz")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("AUDIT_ENABLED", true)

	v.SetDefault("ACCESS_TOKEN_TTL", 3600)
	v.SetDefault("CODE_TTL", 300)
	v.SetDefault("REFRESH_TOKEN_TTL", 52560000) // about a century
	v.SetDefault("SWEEP_INTERVAL", 3600)

	v.SetDefault("SIGNING_KEY_PATH", "")
	v.SetDefault("SIGNING_KEY_ID", "")

	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "authz")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "authz")
	v.SetDefault("BOLT_PATH", "data/authz.db")

	v.SetDefault("DIRECTORY_BACKEND", DirectoryStatic)
	v.SetDefault("DIRECTORY_FILE", "")
	v.SetDefault("DIRECTORY_CACHE_TTL", 60)

	v.SetDefault("SESSION_TTL", 86400)
	v.SetDefault("TRANSACTION_TTL", 600)
	v.SetDefault("TOKEN_RATE_LIMIT", 0)
}

// LoadConfig reads configuration from defaults, an optional config.yaml, a
// .env file in the working directory and AUTHZ_* environment variables, with
// later sources winning.
func LoadConfig() (*ServerConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/authz/")
	v.AddConfigPath("$HOME/.authz")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *ServerConfig) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreMongo, StoreBolt:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.DirectoryBackend {
	case DirectoryStatic, DirectoryMongo:
	default:
		return fmt.Errorf("unknown DIRECTORY_BACKEND %q", c.DirectoryBackend)
	}

	for name, v := range map[string]int{
		"ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
		"CODE_TTL":          c.CodeTTL,
		"REFRESH_TOKEN_TTL": c.RefreshTokenTTL,
		"SWEEP_INTERVAL":    c.SweepInterval,
		"SESSION_TTL":       c.SessionTTL,
		"TRANSACTION_TTL":   c.TransactionTTL,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.TokenRateLimit < 0 {
		return fmt.Errorf("TOKEN_RATE_LIMIT must not be negative, got %g", c.TokenRateLimit)
	}

	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *ServerConfig) AccessTokenLifetime() time.Duration  { return seconds(c.AccessTokenTTL) }
func (c *ServerConfig) CodeLifetime() time.Duration         { return seconds(c.CodeTTL) }
func (c *ServerConfig) RefreshTokenLifetime() time.Duration { return seconds(c.RefreshTokenTTL) }
func (c *ServerConfig) SweepEvery() time.Duration           { return seconds(c.SweepInterval) }
func (c *ServerConfig) SessionLifetime() time.Duration      { return seconds(c.SessionTTL) }
func (c *ServerConfig) TransactionLifetime() time.Duration  { return seconds(c.TransactionTTL) }
func (c *ServerConfig) DirectoryCacheLifetime() time.Duration {
	return seconds(c.DirectoryCacheTTL)
}
