// Package config loads server settings from a YAML file, environment
// variables, and AWS Secrets Manager, in increasing order of precedence for
// secrets and with env vars overriding the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs to start.
type Config struct {
	// ServerURL is the public base URL clients reach this server at.
	ServerURL string `yaml:"server_url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// SessionStoragePath is the directory holding per-user Garmin token
	// files.
	SessionStoragePath string `yaml:"session_storage_path"`

	// Scope is the single OAuth scope this server grants.
	Scope string `yaml:"scope"`

	// RedisURL, when set, backs the token-to-user map so it survives
	// restarts without a warm-up.
	RedisURL string `yaml:"redis_url"`

	// AMQPURL, when set, enables audit event publishing.
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	LoginTTL        time.Duration `yaml:"login_ttl"`
	AuthCodeTTL     time.Duration `yaml:"auth_code_ttl"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	SessionCacheTTL time.Duration `yaml:"session_cache_ttl"`

	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration. A YAML file named by CONFIG_FILE (or
// config.yaml when present) supplies defaults; environment variables
// override it.
func Load(logger *slog.Logger) (*Config, error) {
	LoadEnv(logger, ".env")

	cfg := &Config{
		Host:               "0.0.0.0",
		Port:               8080,
		DBPath:             "data/garmin-mcp.db",
		SessionStoragePath: "data/sessions",
		Scope:              "garmin",
		AMQPExchange:       "garmin-mcp.audit",
	}

	if err := loadYAML(cfg, logger); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("GARMIN_MCP_SERVER_URL is required")
	}
	return cfg, nil
}

func loadYAML(cfg *Config, logger *slog.Logger) error {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	logger.Info("loaded config file", "path", path)
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ServerURL, "GARMIN_MCP_SERVER_URL")
	setString(&cfg.Host, "HOST")
	setInt(&cfg.Port, "PORT")
	setString(&cfg.DBPath, "DB_PATH")
	setString(&cfg.SessionStoragePath, "SESSION_STORAGE_PATH")
	setString(&cfg.Scope, "MCP_SCOPE")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setDuration(&cfg.LoginTTL, "LOGIN_TTL")
	setDuration(&cfg.AuthCodeTTL, "AUTH_CODE_TTL")
	setDuration(&cfg.AccessTokenTTL, "ACCESS_TOKEN_TTL")
	setDuration(&cfg.RefreshTokenTTL, "REFRESH_TOKEN_TTL")
	setDuration(&cfg.SessionCacheTTL, "SESSION_CACHE_TTL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps the configured level name to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
