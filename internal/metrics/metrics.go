package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Voice session metrics
	VoiceSessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_sessions_started_total",
			Help: "Total voice sessions started",
		},
	)

	VoiceSessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_sessions_completed_total",
			Help: "Total voice sessions completed",
		},
	)

	VoiceSecondsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_seconds_consumed_total",
			Help: "Total voice seconds recorded after sanitization",
		},
	)

	SoftCapCrossings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_soft_cap_crossings_total",
			Help: "Number of monthly records that crossed the soft cap",
		},
	)

	// Storage metrics
	UsageStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceusage_store_errors_total",
			Help: "Usage store failures by operation",
		},
		[]string{"operation"},
	)

	RecordCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_record_cache_hits_total",
			Help: "Record id cache hits",
		},
	)

	RecordCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_record_cache_misses_total",
			Help: "Record id cache misses",
		},
	)

	RecordsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_records_swept_total",
			Help: "Usage records removed by the retention sweeper",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceusage_http_requests_total",
			Help: "Total API requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voiceusage_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceusage_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"backend"},
	)

	RateLimiterErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_rate_limiter_errors_total",
			Help: "Rate limiter backend errors (requests were allowed)",
		},
	)

	// Policy metrics
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceusage_policy_decisions_total",
			Help: "Voice authorization decisions",
		},
		[]string{"allowed", "reason"},
	)

	// Analytics metrics
	AnalyticsEventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceusage_analytics_events_enqueued_total",
			Help: "Analytics events accepted by the queue",
		},
		[]string{"event"},
	)

	AnalyticsEventsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_analytics_events_flushed_total",
			Help: "Analytics events written to the sink",
		},
	)

	AnalyticsEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_analytics_events_dropped_total",
			Help: "Analytics events dropped because the queue was full",
		},
	)

	AnalyticsFlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceusage_analytics_flush_errors_total",
			Help: "Failed analytics sink writes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		VoiceSessionsStarted,
		VoiceSessionsCompleted,
		VoiceSecondsConsumed,
		SoftCapCrossings,
		UsageStoreErrors,
		RecordCacheHits,
		RecordCacheMisses,
		RecordsSwept,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedRequests,
		RateLimiterErrors,
		PolicyDecisions,
		AnalyticsEventsEnqueued,
		AnalyticsEventsFlushed,
		AnalyticsEventsDropped,
		AnalyticsFlushErrors,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
