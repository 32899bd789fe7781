package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/policy"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the voiceusage configuration file and policy files for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Compile the policies the server would load
	engine, err := policy.NewEngine(policy.Config{
		PolicyDir:    cfg.Policy.OPAPolicyDir,
		AllowedTiers: cfg.Policy.AllowedTiers,
	}, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Policy validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)
	_, _ = fmt.Fprintf(os.Stdout, "✅ Policies compiled: %s\n", strings.Join(engine.Modules(), ", "))

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  http_port", cfg.Server.HTTPPort, defaultCfg.Server.HTTPPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  read_timeout", cfg.Server.ReadTimeout, defaultCfg.Server.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Server.WriteTimeout, defaultCfg.Server.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	_, _ = cyan.Println("  [storage.postgres]")
	dumpField("    url", redactSecret(cfg.Storage.Postgres.URL), redactSecret(defaultCfg.Storage.Postgres.URL), yellow, green)
	dumpField("    max_conns", cfg.Storage.Postgres.MaxConns, defaultCfg.Storage.Postgres.MaxConns, yellow, green)
	dumpField("    connect_timeout", cfg.Storage.Postgres.ConnectTimeout, defaultCfg.Storage.Postgres.ConnectTimeout, yellow, green)
	_, _ = cyan.Println("  [storage.bolt]")
	dumpField("    path", cfg.Storage.Bolt.Path, defaultCfg.Storage.Bolt.Path, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[usage]")
	dumpField("  record_cache_size", cfg.Usage.RecordCacheSize, defaultCfg.Usage.RecordCacheSize, yellow, green)
	dumpField("  retention_months", cfg.Usage.RetentionMonths, defaultCfg.Usage.RetentionMonths, yellow, green)
	dumpField("  sweep_interval", cfg.Usage.SweepInterval, defaultCfg.Usage.SweepInterval, yellow, green)

	_, _ = cyan.Println("\n[auth]")
	dumpField("  jwt_secret", redactSecret(cfg.Auth.JWTSecret), redactSecret(defaultCfg.Auth.JWTSecret), yellow, green)
	dumpField("  issuer", cfg.Auth.Issuer, defaultCfg.Auth.Issuer, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)
	dumpField("  allowed_tiers", cfg.Policy.AllowedTiers, defaultCfg.Policy.AllowedTiers, yellow, green)

	_, _ = cyan.Println("\n[analytics]")
	dumpField("  enabled", cfg.Analytics.Enabled, defaultCfg.Analytics.Enabled, yellow, green)
	dumpField("  sink", cfg.Analytics.Sink, defaultCfg.Analytics.Sink, yellow, green)
	dumpField("  stream", cfg.Analytics.Stream, defaultCfg.Analytics.Stream, yellow, green)
	dumpField("  stream_max_len", cfg.Analytics.StreamMaxLen, defaultCfg.Analytics.StreamMaxLen, yellow, green)
	dumpField("  batch_size", cfg.Analytics.BatchSize, defaultCfg.Analytics.BatchSize, yellow, green)
	dumpField("  max_queue", cfg.Analytics.MaxQueue, defaultCfg.Analytics.MaxQueue, yellow, green)
	dumpField("  flush_interval", cfg.Analytics.FlushInterval, defaultCfg.Analytics.FlushInterval, yellow, green)
	dumpField("  critical_events", cfg.Analytics.CriticalEvents, defaultCfg.Analytics.CriticalEvents, yellow, green)

	_, _ = cyan.Println("\n[rate_limit]")
	dumpField("  requests", cfg.RateLimit.Requests, defaultCfg.RateLimit.Requests, yellow, green)
	dumpField("  window", cfg.RateLimit.Window, defaultCfg.RateLimit.Window, yellow, green)
	dumpField("  backend", cfg.RateLimit.Backend, defaultCfg.RateLimit.Backend, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret hides credentials if set
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
