package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the guardian.
type Config struct {
	HTTPPort   string
	Production bool

	// MasterKey protects the credential vault. Required.
	MasterKey string

	// AdminKey gates reset, credential management and token minting. Empty
	// disables those endpoints.
	AdminKey  string
	JWTSecret []byte

	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Pricing   PricingConfig
	Probe     ProbeConfig
	Redis     RedisConfig
}

// DatabaseConfig holds usage-store settings.
type DatabaseConfig struct {
	Driver          string
	Path            string
	LegacyPaths     []string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RateLimitConfig holds admission-control settings.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	ExemptPaths       []string
}

// PricingConfig holds cost-table settings.
type PricingConfig struct {
	// FilePath points at a YAML pricing table. Empty selects the built-in
	// defaults.
	FilePath string
}

// ProbeConfig holds credential-heartbeat settings.
type ProbeConfig struct {
	Enabled        bool
	BaseURL        string
	Model          string
	Prompt         string
	Interval       time.Duration
	RequestTimeout time.Duration
}

// RedisConfig holds Redis connection settings for the submission queue.
type RedisConfig struct {
	// Enabled switches the probe queue from the in-memory backend to Redis.
	Enabled  bool
	Address  string
	Password string
	DB       int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	masterKey := os.Getenv("MASTER_KEY")
	if masterKey == "" {
		return nil, fmt.Errorf("MASTER_KEY is required")
	}

	cfg := &Config{
		HTTPPort:   getEnvString("HTTP_PORT", "8080"),
		Production: getEnvString("ENV", "") == "production",
		MasterKey:  masterKey,
		AdminKey:   getEnvString("ADMIN_KEY", ""),
		JWTSecret:  []byte(getEnvString("JWT_SECRET", "supersecretkey")),
		Database: DatabaseConfig{
			Driver:          getEnvString("DB_DRIVER", "sqlite"),
			Path:            getEnvString("DB_PATH", "data/cost_guardian.db"),
			LegacyPaths:     getEnvList("DB_LEGACY_PATHS", []string{"cost_guardian.db"}),
			DSN:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_RPM", 60),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 0),
			ExemptPaths:       getEnvList("RATE_LIMIT_EXEMPT", []string{"/ping", "/metrics"}),
		},
		Pricing: PricingConfig{
			FilePath: getEnvString("PRICING_FILE", ""),
		},
		Probe: ProbeConfig{
			Enabled:        getEnvBool("PROBE_ENABLED", false),
			BaseURL:        getEnvString("PROBE_BASE_URL", "https://api.openai.com/v1"),
			Model:          getEnvString("PROBE_MODEL", "gpt-4o-mini"),
			Prompt:         getEnvString("PROBE_PROMPT", "Return a one-word heartbeat: 'ping'."),
			Interval:       getEnvDuration("PROBE_INTERVAL", 5*time.Minute),
			RequestTimeout: getEnvDuration("PROBE_REQUEST_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Address:  getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
	}

	return cfg, nil
}
