package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the config reads
const EnvPrefix = "FLICKRTWIN_"

// Config holds all configuration options for the favorite graph crawler
type Config struct {
	// Upstream API settings
	Flickr FlickrConfig `yaml:"flickr" json:"flickr"`

	// Rolling budget and dispatch pacing
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Scheduler and batch parameters
	Crawl CrawlConfig `yaml:"crawl" json:"crawl"`

	// Graph snapshot persistence
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Call history persistence
	History HistoryConfig `yaml:"history" json:"history"`

	// Prometheus side server
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// FlickrConfig holds upstream API configuration
type FlickrConfig struct {
	APIKey  string        `yaml:"api_key" json:"api_key"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// RateLimitConfig holds the rolling window budget and queue pacing
type RateLimitConfig struct {
	CallsPerWindow int           `yaml:"calls_per_window" json:"calls_per_window"`
	Window         time.Duration `yaml:"window" json:"window"`
	Spacing        time.Duration `yaml:"spacing" json:"spacing"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
	TaskTimeout    time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// CrawlConfig holds the smart crawl heuristics and batch defaults
type CrawlConfig struct {
	MaxRequests         int     `yaml:"max_requests" json:"max_requests"`
	CallsPerUser        int     `yaml:"calls_per_user" json:"calls_per_user"`
	MaxActiveUsers      int     `yaml:"max_active_users" json:"max_active_users"`
	MaxBacklog          int     `yaml:"max_backlog" json:"max_backlog"`
	Decay               float64 `yaml:"decay" json:"decay"`
	RefillRatio         float64 `yaml:"refill_ratio" json:"refill_ratio"`
	BackpressureDivisor int     `yaml:"backpressure_divisor" json:"backpressure_divisor"`
	MaxUserPages        int     `yaml:"max_user_pages" json:"max_user_pages"`
	UsersFromDB         int     `yaml:"users_from_db" json:"users_from_db"`
	MinPhotoFaves       int     `yaml:"min_photo_faves" json:"min_photo_faves"`
}

// StorageConfig selects where the favorite graph snapshot is kept
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
	DSN     string `yaml:"dsn" json:"dsn"`
}

// HistoryConfig selects where the rate budget call history is kept
type HistoryConfig struct {
	Backend   string `yaml:"backend" json:"backend"`
	Path      string `yaml:"path" json:"path"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	RedisKey  string `yaml:"redis_key" json:"redis_key"`
}

// MetricsConfig holds the side server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Flickr: FlickrConfig{
			BaseURL: "https://www.flickr.com/services/rest/",
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CallsPerWindow: 3500,
			Window:         time.Hour,
			Spacing:        10 * time.Millisecond,
			Cooldown:       60 * time.Second,
			TaskTimeout:    30 * time.Second,
		},
		Crawl: CrawlConfig{
			MaxRequests:         1000,
			CallsPerUser:        5,
			MaxActiveUsers:      100,
			MaxBacklog:          1000,
			Decay:               0.9,
			RefillRatio:         0.75,
			BackpressureDivisor: 4,
			MaxUserPages:        50,
			UsersFromDB:         20,
			MinPhotoFaves:       2,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    filepath.Join(DataDir(), "graph.json"),
		},
		History: HistoryConfig{
			Backend:  "file",
			Path:     filepath.Join(DataDir(), "call_history.json"),
			RedisKey: "flickrtwin:call_history",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v := os.Getenv(EnvPrefix + "API_KEY"); v != "" {
		c.Flickr.APIKey = v
	}
	if v := os.Getenv(EnvPrefix + "BASE_URL"); v != "" {
		c.Flickr.BaseURL = v
	}
	errs = append(errs, envDuration("TIMEOUT", &c.Flickr.Timeout))

	errs = append(errs, envInt("CALLS_PER_WINDOW", &c.RateLimit.CallsPerWindow))
	errs = append(errs, envDuration("WINDOW", &c.RateLimit.Window))
	errs = append(errs, envDuration("SPACING", &c.RateLimit.Spacing))
	errs = append(errs, envDuration("COOLDOWN", &c.RateLimit.Cooldown))
	errs = append(errs, envDuration("TASK_TIMEOUT", &c.RateLimit.TaskTimeout))

	errs = append(errs, envInt("MAX_REQUESTS", &c.Crawl.MaxRequests))
	errs = append(errs, envInt("MAX_USER_PAGES", &c.Crawl.MaxUserPages))

	if v := os.Getenv(EnvPrefix + "STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvPrefix + "DATABASE_URL"); v != "" {
		c.Storage.DSN = v
	}

	if v := os.Getenv(EnvPrefix + "HISTORY_BACKEND"); v != "" {
		c.History.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_ADDR"); v != "" {
		c.History.RedisAddr = v
	}

	if v := os.Getenv(EnvPrefix + "METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}

	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	return errors.Join(errs...)
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = val
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = val
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".flickrtwin.yaml",
		".flickrtwin.yml",
		filepath.Join(home, ".config", "flickrtwin", "config.yaml"),
		filepath.Join(home, ".config", "flickrtwin", "config.yml"),
		filepath.Join(home, ".flickrtwin.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// DefaultPath returns the per-user config file location used by `config init`
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "flickrtwin", "config.yaml")
}

// DataDir returns the directory for snapshots and call history, honoring XDG_DATA_HOME
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "flickrtwin")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flickrtwin"
	}
	return filepath.Join(home, ".local", "share", "flickrtwin")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Flickr.BaseURL == "" {
		errs = append(errs, errors.New("flickr base URL is required"))
	}
	if c.Flickr.Timeout <= 0 {
		errs = append(errs, errors.New("flickr timeout must be positive"))
	}

	if c.RateLimit.CallsPerWindow <= 0 {
		errs = append(errs, errors.New("calls per window must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.RateLimit.Spacing < 0 {
		errs = append(errs, errors.New("dispatch spacing cannot be negative"))
	}
	if c.RateLimit.Cooldown <= 0 {
		errs = append(errs, errors.New("cooldown must be positive"))
	}
	if c.RateLimit.TaskTimeout <= 0 {
		errs = append(errs, errors.New("task timeout must be positive"))
	}

	if c.Crawl.MaxRequests <= 0 {
		errs = append(errs, errors.New("max requests must be positive"))
	}
	if c.Crawl.CallsPerUser <= 0 {
		errs = append(errs, errors.New("calls per user must be positive"))
	}
	if c.Crawl.MaxActiveUsers <= 0 {
		errs = append(errs, errors.New("max active users must be positive"))
	}
	if c.Crawl.MaxBacklog <= 0 {
		errs = append(errs, errors.New("max backlog must be positive"))
	}
	if c.Crawl.Decay <= 0 || c.Crawl.Decay > 1 {
		errs = append(errs, errors.New("decay must be in (0, 1]"))
	}
	if c.Crawl.RefillRatio <= 0 || c.Crawl.RefillRatio > 1 {
		errs = append(errs, errors.New("refill ratio must be in (0, 1]"))
	}
	if c.Crawl.BackpressureDivisor <= 0 {
		errs = append(errs, errors.New("backpressure divisor must be positive"))
	}
	if c.Crawl.MaxUserPages <= 0 {
		errs = append(errs, errors.New("max user pages must be positive"))
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "none":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage path is required for the %s backend", c.Storage.Backend))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage backend: %q", c.Storage.Backend))
	}

	switch strings.ToLower(c.History.Backend) {
	case "none":
	case "file":
		if c.History.Path == "" {
			errs = append(errs, errors.New("history path is required for the file backend"))
		}
	case "redis":
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis history backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid history backend: %q", c.History.Backend))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics address is required when metrics are enabled"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only keys present in the map are applied.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["api-key"].(string); ok && v != "" {
		c.Flickr.APIKey = v
	}
	if v, ok := flags["max-requests"].(int); ok && v > 0 {
		c.Crawl.MaxRequests = v
	}
	if v, ok := flags["storage"].(string); ok && v != "" {
		c.Storage.Backend = v
	}
	if v, ok := flags["storage-path"].(string); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := flags["dsn"].(string); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := flags["metrics-addr"].(string); ok && v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".flickrtwin.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
