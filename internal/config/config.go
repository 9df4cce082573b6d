// Package config loads client configuration from .env, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend endpoints
	ServerURL string `yaml:"server_url"`
	SocketURL string `yaml:"socket_url"`

	// Bearer token issued by the sign-in flow
	Token string `yaml:"token"`

	// HTTP collaborator timeout
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// Typing announce debounce
	TypingDebounce time.Duration `yaml:"typing_debounce"`

	// Event channel reconnect policy
	ReconnectMaxRetries  int           `yaml:"reconnect_max_retries"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
	RawLevel string     `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ServerURL:            "http://localhost:4000",
		SocketURL:            "ws://localhost:4000/ws",
		ClientTimeout:        30 * time.Second,
		TypingDebounce:       300 * time.Millisecond,
		ReconnectMaxRetries:  8,
		ReconnectMaxInterval: 10 * time.Second,
		LogFile:              filepath.Join(os.TempDir(), "parley.log"),
		RawLevel:             "INFO",
		LogLevel:             slog.LevelInfo,
	}
}

// Load reads configuration in order of increasing precedence: defaults,
// YAML file (PARLEY_CONFIG or ~/.config/parley/config.yaml), environment.
// A .env file in the working directory is loaded into the environment first.
func Load() (Config, error) {
	// Missing .env is normal.
	_ = godotenv.Load()

	cfg := Defaults()

	path := getEnv("PARLEY_CONFIG", defaultConfigPath())
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	cfg.LogLevel = parseLogLevel(cfg.RawLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	if c.SocketURL == "" {
		return errors.New("socket url is required")
	}
	if c.TypingDebounce <= 0 {
		return fmt.Errorf("typing debounce must be positive, got %s", c.TypingDebounce)
	}
	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must not be negative, got %d", c.ReconnectMaxRetries)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnv("PARLEY_SERVER_URL", cfg.ServerURL)
	cfg.SocketURL = getEnv("PARLEY_SOCKET_URL", cfg.SocketURL)
	cfg.Token = getEnv("PARLEY_TOKEN", cfg.Token)
	cfg.ClientTimeout = getDuration("PARLEY_CLIENT_TIMEOUT", cfg.ClientTimeout)
	cfg.TypingDebounce = getDuration("PARLEY_TYPING_DEBOUNCE", cfg.TypingDebounce)
	cfg.ReconnectMaxRetries = getInt("PARLEY_RECONNECT_MAX_RETRIES", cfg.ReconnectMaxRetries)
	cfg.ReconnectMaxInterval = getDuration("PARLEY_RECONNECT_MAX_INTERVAL", cfg.ReconnectMaxInterval)
	cfg.LogFile = getEnv("PARLEY_LOG_FILE", cfg.LogFile)
	cfg.RawLevel = getEnv("PARLEY_LOG_LEVEL", cfg.RawLevel)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "parley", "config.yaml")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration", "key", key, "value", val)
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer", "key", key, "value", val)
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
