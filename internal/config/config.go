package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	ServerURL         string
	StreamPath        string
	HistoryPath       string
	RecentLimit       int
	LogLimit          int // Stored lines per execution
	DialTimeout       time.Duration
	HTTPTimeout       time.Duration
	Port              int
	MetricsAddr       string // Empty serves /metrics on the main router
	ClientMetricsAddr string // Empty disables client metrics
	DatabaseURL       string
	ScriptsFile       string
	LogLevel          string
	envFileError      error
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	envErr := godotenv.Load()

	cfg := &Config{
		ServerURL:         envStr("EXECFLOW_SERVER_URL", "http://localhost:8080"),
		StreamPath:        envStr("EXECFLOW_STREAM_PATH", "/api/execution/stream"),
		HistoryPath:       envStr("EXECFLOW_HISTORY_PATH", "/api/executions"),
		RecentLimit:       envInt("EXECFLOW_RECENT_LIMIT", 20),
		LogLimit:          envInt("EXECFLOW_LOG_LIMIT", 500),
		DialTimeout:       envDuration("EXECFLOW_DIAL_TIMEOUT", 10*time.Second),
		HTTPTimeout:       envDuration("EXECFLOW_HTTP_TIMEOUT", 15*time.Second),
		Port:              envInt("PORT", 8080),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		ClientMetricsAddr: os.Getenv("EXECFLOW_CLIENT_METRICS_ADDR"),
		DatabaseURL:       databaseURL(),
		ScriptsFile:       os.Getenv("SCRIPTS_FILE"),
		LogLevel:          envStr("LOG_LEVEL", "INFO"),
		envFileError:      envErr,
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}
	return cfg, nil
}

// EnvFileError is the reason .env was not loaded, nil when it was.
func (c *Config) EnvFileError() error {
	return c.envFileError
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return errors.Errorf("EXECFLOW_SERVER_URL must be an absolute URL, got %q", c.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("EXECFLOW_SERVER_URL scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RecentLimit < 1 {
		return errors.Errorf("EXECFLOW_RECENT_LIMIT must be positive, got %d", c.RecentLimit)
	}
	if c.LogLimit < 1 {
		return errors.Errorf("EXECFLOW_LOG_LIMIT must be positive, got %d", c.LogLimit)
	}
	if c.DialTimeout <= 0 || c.HTTPTimeout <= 0 {
		return errors.New("EXECFLOW_DIAL_TIMEOUT and EXECFLOW_HTTP_TIMEOUT must be positive")
	}
	return nil
}

// ListenAddr is the address the log service binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// databaseURL prefers DATABASE_URL, then builds one from the DB_* variables.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := envStr("DB_PORT", "5432")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbHost == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
