package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Token store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
)

type Config struct {
	API      APIConfig
	Store    StoreConfig
	Redis    RedisConfig
	DynamoDB DynamoDBConfig
	Log      LogConfig
	Metrics  MetricsConfig
	Server   ServerConfig
	JWT      JWTConfig
}

type APIConfig struct {
	BaseURL        string        `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	Timeout        time.Duration `env:"API_TIMEOUT" envDefault:"15s"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s"`
}

type StoreConfig struct {
	Backend   string `env:"TOKEN_STORE" envDefault:"file"`
	File      string `env:"TOKEN_FILE" envDefault:".dirsession.json"`
	Namespace string `env:"TOKEN_NAMESPACE" envDefault:"default"`
}

type RedisConfig struct {
	Endpoint string `env:"REDIS_ENDPOINT" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type DynamoDBConfig struct {
	Endpoint  string `env:"DYNAMODB_ENDPOINT"`
	Region    string `env:"DYNAMODB_REGION" envDefault:"us-east-1"`
	TableName string `env:"DYNAMODB_TABLE_NAME" envDefault:"DirSessionTable"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR"`
}

// ServerConfig configures the development identity server.
type ServerConfig struct {
	Port                string        `env:"PORT" envDefault:"8080"`
	ReadTimeout         time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout        time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT" envDefault:"15m"`
	RenewAt             time.Duration `env:"JWT_RENEW_AT" envDefault:"60s"`
	RotateRefreshTokens bool          `env:"ROTATE_REFRESH_TOKENS" envDefault:"true"`
	// Users is a comma separated list of username:password[:flag|flag] entries,
	// flags being "staff" and "superuser".
	Users string `env:"DEV_USERS" envDefault:"admin:admin:staff|superuser"`
}

type JWTConfig struct {
	SecretKey     string        `env:"JWT_SECRET_KEY"`
	AccessExpiry  time.Duration `env:"JWT_ACCESS_EXPIRY" envDefault:"5m"`
	RefreshExpiry time.Duration `env:"JWT_REFRESH_EXPIRY" envDefault:"24h"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings used by the session client.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL must use http or https, got %q", u.Scheme)
	}

	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.Store.File == "" {
			return fmt.Errorf("TOKEN_FILE is required for the file token store")
		}
	case StoreDynamoDB:
		if c.DynamoDB.TableName == "" {
			return fmt.Errorf("DYNAMODB_TABLE_NAME is required for the dynamodb token store")
		}
	default:
		return fmt.Errorf("unknown TOKEN_STORE %q", c.Store.Backend)
	}

	if c.API.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive")
	}

	return nil
}

// ValidateServer checks the settings used by the development identity server.
func (c *Config) ValidateServer() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("JWT expiries must be positive")
	}

	return nil
}
