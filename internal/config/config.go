// Package config loads EasyTransfer settings from an optional .env file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the serve command.
type Config struct {
	// Port is the first TCP port tried for the listener.
	Port int
	// PortAttempts bounds how many ports are tried before giving up.
	PortAttempts int
	// UPnP enables mapping the listening port on the gateway.
	UPnP bool
	// Sleep stops the server after this long. Zero runs until signalled.
	Sleep time.Duration

	// DefaultCount and DefaultTTL apply when a share request has no override.
	DefaultCount int
	DefaultTTL   time.Duration

	// WorkDir holds packaged archives. Empty means the system temp dir.
	WorkDir     string
	PackWorkers int
	PackTimeout time.Duration

	LogLevel  slog.Level
	LogFormat string

	// MongoURI enables the audit journal when set.
	MongoURI string
	MongoDB  string

	// MinioEndpoint enables the archive mirror when set.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// Load reads .env (if present) and the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = getEnvInt("EASYTRANSFER_PORT", 1235); err != nil {
		return nil, err
	}
	if cfg.PortAttempts, err = getEnvInt("EASYTRANSFER_PORT_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.UPnP, err = getEnvBool("EASYTRANSFER_UPNP", true); err != nil {
		return nil, err
	}
	if cfg.Sleep, err = getEnvDuration("EASYTRANSFER_SLEEP", 0); err != nil {
		return nil, err
	}
	if cfg.DefaultCount, err = getEnvInt("EASYTRANSFER_COUNT", 1); err != nil {
		return nil, err
	}
	if cfg.DefaultTTL, err = getEnvDuration("EASYTRANSFER_TTL", time.Hour); err != nil {
		return nil, err
	}
	cfg.WorkDir = os.Getenv("EASYTRANSFER_WORKDIR")
	if cfg.PackWorkers, err = getEnvInt("EASYTRANSFER_PACK_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.PackTimeout, err = getEnvDuration("EASYTRANSFER_PACK_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = ParseLogLevel(getEnvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("LOG_FORMAT", "text")

	cfg.MongoURI = os.Getenv("MONGO_URI")
	cfg.MongoDB = getEnvDefault("MONGO_DB", "easytransfer")

	cfg.MinioEndpoint = os.Getenv("MINIO_ENDPOINT")
	cfg.MinioAccessKey = getEnvDefault("MINIO_ACCESS_KEY", "minioadmin")
	cfg.MinioSecretKey = getEnvDefault("MINIO_SECRET_KEY", "minioadmin")
	cfg.MinioBucket = getEnvDefault("MINIO_BUCKET", "easytransfer-archives")
	if cfg.MinioUseSSL, err = getEnvBool("MINIO_USE_SSL", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges after environment and flags have been applied.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is outside 1-65535", c.Port)
	}
	if c.PortAttempts < 1 {
		return fmt.Errorf("port attempts must be at least 1, got %d", c.PortAttempts)
	}
	if c.DefaultCount < 1 {
		return fmt.Errorf("default count must be at least 1, got %d", c.DefaultCount)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default ttl must be positive, got %s", c.DefaultTTL)
	}
	if c.PackWorkers < 1 {
		return fmt.Errorf("pack workers must be at least 1, got %d", c.PackWorkers)
	}
	if c.PackTimeout <= 0 {
		return fmt.Errorf("pack timeout must be positive, got %s", c.PackTimeout)
	}
	if c.Sleep < 0 {
		return fmt.Errorf("sleep must not be negative, got %s", c.Sleep)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT: invalid value %q, allowed: json, text", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ParseLogLevel converts debug, info, warn or error into a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, allowed: debug, info, warn, error", s)
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("90s", "2h") or a bare number of
// seconds.
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
