// Package config
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string

	// Oracle configuration
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	OracleTimeout time.Duration

	// Filter and file locations
	AllowedActivities []string
	DataDir           string

	// Oracle response cache; an empty RedisAddr disables it
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	OracleCacheTTL time.Duration

	// Observability; an empty MetricsAddr disables the listener
	MetricsAddr string
	LogFile     string
	LogLevel    string
}

func Load() Config {
	cfg := Config{}

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", "gpt-4o")
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", "https://api.openai.com")

	var err error
	cfg.OracleTimeout, err = time.ParseDuration(getEnv("ORACLE_TIMEOUT", "60s"))
	if err != nil {
		slog.Warn("Invalid ORACLE_TIMEOUT", "value", getEnv("ORACLE_TIMEOUT", "60s"), "error", err)
		cfg.OracleTimeout = 60 * time.Second
	}

	cfg.AllowedActivities = strings.Split(getEnv("ALLOWED_ACTIVITIES", "rock_climbing,bouldering,mountain_climbing"), ",")
	cfg.DataDir = getEnv("DATA_DIR", "data")

	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB, _ = strconv.Atoi(getEnv("REDIS_DB", "0"))
	cfg.OracleCacheTTL, err = time.ParseDuration(getEnv("ORACLE_CACHE_TTL", "720h"))
	if err != nil {
		slog.Warn("Invalid ORACLE_CACHE_TTL", "value", getEnv("ORACLE_CACHE_TTL", "720h"), "error", err)
		cfg.OracleCacheTTL = 720 * time.Hour
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.LogFile = getEnv("LOG_FILE", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	return cfg
}

// RequireDB guards commands that talk to the route table.
func (c Config) RequireDB() error {
	if c.DatabaseURL == "" {
		return errors.New("missing required environment variable: DATABASE_URL")
	}
	return nil
}

// RequireOracle guards commands that call the extraction oracle.
func (c Config) RequireOracle() error {
	if c.OpenAIAPIKey == "" {
		return errors.New("missing required environment variable: OPENAI_API_KEY")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
