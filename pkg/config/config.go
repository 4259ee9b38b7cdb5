package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Instance  InstanceConfig
	Feed      FeedConfig
	Media     MediaConfig
	Stream    StreamConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// InstanceConfig holds the remote server the client is signed in to
type InstanceConfig struct {
	URL            string
	AccessToken    string
	RequestTimeout time.Duration
	MaxRetries     int
}

// FeedConfig holds timeline configuration
type FeedConfig struct {
	PageSize        int
	PublicTimelines []string
}

// MediaConfig holds media cache configuration
type MediaConfig struct {
	FetchTimeout time.Duration
	MaxWorkers   int
	MaxBytes     int64
	RedisTTL     time.Duration
}

// StreamConfig holds live stream configuration
type StreamConfig struct {
	Enabled     bool
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string
	Enabled bool
}

// DatabaseConfig holds session store configuration
type DatabaseConfig struct {
	URL     string
	Enabled bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	Host string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string
	Format       string // "json" or "text"
	ScalyrFormat bool   // Enable Scalyr-compatible JSON format
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled           bool
	JaegerURL         string
	PrometheusEnabled bool
	ServiceName       string
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("FEEDSYNC")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.feedsync")
	viper.AddConfigPath("/etc/feedsync")

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found; this is OK if we have env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Instance: InstanceConfig{
			URL:            strings.TrimSuffix(getString("instance_url", ""), "/"),
			AccessToken:    getString("access_token", ""),
			RequestTimeout: getDuration("request_timeout", 15*time.Second),
			MaxRetries:     getInt("request_max_retries", 3),
		},
		Feed: FeedConfig{
			PageSize:        getInt("page_size", 20),
			PublicTimelines: getStringSlice("public_timelines", []string{"public", "local", "remote"}),
		},
		Media: MediaConfig{
			FetchTimeout: getDuration("media_fetch_timeout", 15*time.Second),
			MaxWorkers:   getInt("media_max_workers", 8),
			MaxBytes:     int64(getInt("media_max_bytes", 8<<20)),
			RedisTTL:     getDuration("media_redis_ttl", 24*time.Hour),
		},
		Stream: StreamConfig{
			Enabled:     getBool("stream_enabled", true),
			MinBackoff:  getDuration("stream_min_backoff", time.Second),
			MaxBackoff:  getDuration("stream_max_backoff", 2*time.Minute),
			MaxAttempts: getInt("stream_max_attempts", 10),
		},
		Redis: RedisConfig{
			URL:     getString("redis_url", ""),
			Enabled: getString("redis_url", "") != "",
		},
		Database: DatabaseConfig{
			URL:     getString("database_url", ""),
			Enabled: getString("database_url", "") != "",
		},
		Server: ServerConfig{
			Port: getInt("http_server_port", 8080),
			Host: getString("http_server_host", "127.0.0.1"),
		},
		Logging: LoggingConfig{
			Level:        getString("log_level", "INFO"),
			Format:       getString("log_format", "json"),
			ScalyrFormat: getBool("log_scalyr_format", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:           getBool("telemetry_enabled", false),
			JaegerURL:         getString("jaeger_url", ""),
			PrometheusEnabled: getBool("prometheus_enabled", true),
			ServiceName:       getString("service_name", "feedsync"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Watch invokes onChange with a freshly loaded config whenever the config
// file changes on disk. It is a no-op when no config file was found.
func Watch(onChange func(*Config, fsnotify.Event)) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ignoring config change from %s: %v\n", e.Name, err)
			return
		}
		onChange(cfg, e)
	})
	viper.WatchConfig()
}

func setDefaults() {
	viper.SetDefault("request_timeout", "15s")
	viper.SetDefault("request_max_retries", 3)
	viper.SetDefault("page_size", 20)
	viper.SetDefault("media_fetch_timeout", "15s")
	viper.SetDefault("media_max_workers", 8)
	viper.SetDefault("media_redis_ttl", "24h")
	viper.SetDefault("stream_enabled", true)
	viper.SetDefault("stream_min_backoff", "1s")
	viper.SetDefault("stream_max_backoff", "2m")
	viper.SetDefault("stream_max_attempts", 10)
	viper.SetDefault("http_server_port", 8080)
	viper.SetDefault("http_server_host", "127.0.0.1")
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("service_name", "feedsync")
}

func getString(key, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	// Also check environment variable directly
	if val := os.Getenv(envKey(key)); val != "" {
		return val
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	if val := os.Getenv(envKey(key)); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	if val := os.Getenv(envKey(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if viper.IsSet(key) {
		if d := viper.GetDuration(key); d > 0 {
			return d
		}
	}
	if val := os.Getenv(envKey(key)); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultValue
}

// getStringSlice accepts either a YAML list or a comma separated string.
func getStringSlice(key string, defaultValue []string) []string {
	var raw []string
	if viper.IsSet(key) {
		raw = viper.GetStringSlice(key)
	} else if val := os.Getenv(envKey(key)); val != "" {
		raw = []string{val}
	} else {
		return defaultValue
	}

	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func envKey(key string) string {
	return "FEEDSYNC_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Instance.URL == "" {
		return fmt.Errorf("instance_url is required")
	}
	if !strings.HasPrefix(c.Instance.URL, "http://") && !strings.HasPrefix(c.Instance.URL, "https://") {
		return fmt.Errorf("instance_url must start with http:// or https://")
	}
	if c.Feed.PageSize <= 0 || c.Feed.PageSize > 40 {
		return fmt.Errorf("page_size must be between 1 and 40")
	}
	for _, name := range c.Feed.PublicTimelines {
		switch name {
		case "public", "local", "remote":
		default:
			return fmt.Errorf("unknown public timeline %q", name)
		}
	}
	if c.Media.MaxWorkers <= 0 || c.Media.MaxWorkers > 64 {
		return fmt.Errorf("media_max_workers must be between 1 and 64")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("media_max_bytes must be positive")
	}
	if c.Stream.MinBackoff > c.Stream.MaxBackoff {
		return fmt.Errorf("stream_min_backoff must not exceed stream_max_backoff")
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream_max_attempts must be positive")
	}
	return nil
}
