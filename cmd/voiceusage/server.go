package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/urgood/voiceusage/internal/analytics"
	"github.com/urgood/voiceusage/internal/api"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/metrics"
	"github.com/urgood/voiceusage/internal/policy"
	redisstore "github.com/urgood/voiceusage/internal/storage/redis"
	"github.com/urgood/voiceusage/internal/systemd"
	"github.com/urgood/voiceusage/internal/usage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the voiceusage server",
	Long:  `Start the voiceusage HTTP API, retention sweeper, analytics queue and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting voiceusage")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, redisClient, err := openStorage(openCtx, cfg.Storage)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Analytics and the shared rate limiter need Redis even when usage
	// records live elsewhere
	needsRedis := (cfg.Analytics.Enabled && cfg.Analytics.Sink == "redis") ||
		(cfg.RateLimit.Requests > 0 && cfg.RateLimit.Backend == "redis")
	if redisClient == nil && needsRedis {
		redisClient, err = redisstore.NewClient(cfg.Storage.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close redis client")
			}
		}()
	}

	// Initialize analytics queue
	var (
		events         usage.EventTracker
		analyticsQueue *analytics.Queue
	)
	if cfg.Analytics.Enabled {
		analyticsQueue = newAnalyticsQueue(cfg.Analytics, redisClient, logger)
		analyticsQueue.Start()
		events = analyticsQueue
	}

	// Initialize usage tracker
	tracker, err := usage.NewTracker(store.VoiceUsage(), usage.Config{
		RecordCacheSize: cfg.Usage.RecordCacheSize,
		Events:          events,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize usage tracker: %w", err)
	}

	logger.Info().Int("record_cache_size", cfg.Usage.RecordCacheSize).Msg("Usage Tracker initialized")

	// Initialize retention sweeper
	var sweeper *usage.RetentionSweeper
	if cfg.Usage.RetentionMonths > 0 {
		sweeper, err = usage.NewRetentionSweeper(store.VoiceUsage(), usage.RetentionConfig{
			Months:   cfg.Usage.RetentionMonths,
			Interval: parseDuration(cfg.Usage.SweepInterval, usage.DefaultSweepInterval),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize retention sweeper: %w", err)
		}
		sweeper.Start()
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(policy.Config{
		PolicyDir:    cfg.Policy.OPAPolicyDir,
		AllowedTiers: cfg.Policy.AllowedTiers,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	logger.Info().
		Strs("allowed_tiers", cfg.Policy.AllowedTiers).
		Strs("modules", policyEngine.Modules()).
		Msg("Policy Engine initialized")

	// Initialize rate limiter
	var limiter api.Limiter
	window := parseDuration(cfg.RateLimit.Window, time.Minute)
	if cfg.RateLimit.Requests > 0 {
		switch cfg.RateLimit.Backend {
		case "redis":
			limiter = api.NewRedisLimiter(redisClient, cfg.RateLimit.Requests, window)
		default:
			memoryLimiter := api.NewMemoryLimiter(cfg.RateLimit.Requests, window)
			defer memoryLimiter.Stop()
			limiter = memoryLimiter
		}
	}

	// Initialize API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:   fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		ReadTimeout:  parseDuration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout: parseDuration(cfg.Server.WriteTimeout, 10*time.Second),
	}, api.Deps{
		Tracker:    tracker,
		Authorizer: policyEngine,
		Events:     events,
		Store:      store,
		Verifier:   api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Limiter:    limiter,
	}, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || (sdListeners.Activated && sdListeners.Metrics != nil) {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("voiceusage startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	stopWatchdog := startWatchdog(logger)
	defer stopWatchdog()

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		_ = systemd.NotifyReloading()
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies, keeping previous policies")
		} else {
			logger.Info().Strs("modules", policyEngine.Modules()).Msg("Policies reloaded successfully")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if sweeper != nil {
		sweeper.Stop()
	}

	if analyticsQueue != nil {
		if err := analyticsQueue.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error flushing analytics queue")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("voiceusage stopped")

	return nil
}

func newAnalyticsQueue(cfg config.AnalyticsConfig, client *redis.Client, logger zerolog.Logger) *analytics.Queue {
	var sink analytics.Sink
	switch cfg.Sink {
	case "redis":
		sink = analytics.NewRedisStreamSink(client, cfg.Stream, cfg.StreamMaxLen)
	default:
		sink = analytics.NewLogSink(logger)
	}

	return analytics.NewQueue(sink, analytics.Config{
		BatchSize:      cfg.BatchSize,
		MaxQueue:       cfg.MaxQueue,
		FlushInterval:  parseDuration(cfg.FlushInterval, analytics.DefaultFlushInterval),
		CriticalEvents: cfg.CriticalEvents,
	}, logger)
}

// startWatchdog pings the systemd watchdog until the returned func is called
func startWatchdog(logger zerolog.Logger) func() {
	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return func() {}
	}

	logger.Info().Dur("interval", interval).Msg("systemd watchdog enabled")

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
