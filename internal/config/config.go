package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	HTTPPort     int    `mapstructure:"http_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis", "postgres" or "bolt"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	URL            string `mapstructure:"url"`
	MaxConns       int32  `mapstructure:"max_conns"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// BoltConfig defines the embedded store location
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	RecordCacheSize int    `mapstructure:"record_cache_size"`
	RetentionMonths int    `mapstructure:"retention_months"` // 0 disables the sweeper
	SweepInterval   string `mapstructure:"sweep_interval"`
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// PolicyConfig defines policy engine settings
type PolicyConfig struct {
	OPAPolicyDir string   `mapstructure:"opa_policy_dir"` // empty uses the embedded policy
	AllowedTiers []string `mapstructure:"allowed_tiers"`
}

// AnalyticsConfig defines the analytics event queue
type AnalyticsConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Sink           string   `mapstructure:"sink"` // "redis" or "log"
	Stream         string   `mapstructure:"stream"`
	StreamMaxLen   int64    `mapstructure:"stream_max_len"`
	BatchSize      int      `mapstructure:"batch_size"`
	MaxQueue       int      `mapstructure:"max_queue"`
	FlushInterval  string   `mapstructure:"flush_interval"`
	CriticalEvents []string `mapstructure:"critical_events"`
}

// RateLimitConfig defines per-user request limiting
type RateLimitConfig struct {
	Requests int    `mapstructure:"requests"` // 0 disables limiting
	Window   string `mapstructure:"window"`
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// .env files only fill variables that are not already set
	loadDotEnv(configPath)

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("VOICEUSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration built from default values only
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// KnownKeys returns the set of recognised configuration keys
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

func loadDotEnv(configPath string) {
	paths := []string{".env"}
	if configPath != "" {
		if dir := filepath.Dir(configPath); dir != "." {
			paths = append([]string{filepath.Join(dir, ".env")}, paths...)
		}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.connect_timeout", "5s")
	v.SetDefault("storage.bolt.path", "/var/lib/voiceusage/voiceusage.bolt")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage defaults
	v.SetDefault("usage.record_cache_size", 10000)
	v.SetDefault("usage.retention_months", 13)
	v.SetDefault("usage.sweep_interval", "24h")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")
	v.SetDefault("policy.allowed_tiers", []string{"premium"})

	// Analytics defaults
	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.sink", "log")
	v.SetDefault("analytics.stream", "voiceusage:events")
	v.SetDefault("analytics.stream_max_len", 100000)
	v.SetDefault("analytics.batch_size", 50)
	v.SetDefault("analytics.max_queue", 1000)
	v.SetDefault("analytics.flush_interval", "5s")
	v.SetDefault("analytics.critical_events", []string{"voice_soft_cap_crossed"})

	// Rate limit defaults
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.backend", "memory")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	durations := map[string]string{
		"server.read_timeout":      cfg.Server.ReadTimeout,
		"server.write_timeout":     cfg.Server.WriteTimeout,
		"usage.sweep_interval":     cfg.Usage.SweepInterval,
		"analytics.flush_interval": cfg.Analytics.FlushInterval,
		"rate_limit.window":        cfg.RateLimit.Window,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	if cfg.RateLimit.Window != "" {
		if window, _ := time.ParseDuration(cfg.RateLimit.Window); window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive, got %q", cfg.RateLimit.Window)
		}
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "bolt":
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" {
		if cfg.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required for bolt storage")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Bolt.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if cfg.Usage.RetentionMonths < 0 {
		return fmt.Errorf("usage.retention_months must not be negative")
	}
	if cfg.Usage.RecordCacheSize < 0 {
		return fmt.Errorf("usage.record_cache_size must not be negative")
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch cfg.Analytics.Sink {
	case "redis", "log":
	default:
		return fmt.Errorf("unknown analytics sink: %s", cfg.Analytics.Sink)
	}
	if cfg.Analytics.BatchSize <= 0 {
		cfg.Analytics.BatchSize = 1
	}

	switch cfg.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend: %s", cfg.RateLimit.Backend)
	}

	return nil
}
