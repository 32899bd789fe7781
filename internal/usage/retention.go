package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/metrics"
	"github.com/urgood/voiceusage/internal/storage"
)

// DefaultSweepInterval is how often the retention sweeper runs
const DefaultSweepInterval = 24 * time.Hour

// RetentionConfig holds retention sweeper configuration
type RetentionConfig struct {
	Months   int // records older than this many whole months are removed
	Interval time.Duration
	Clock    Clock
}

// RetentionSweeper periodically removes old monthly records.
// The current month is never eligible.
type RetentionSweeper struct {
	store    storage.VoiceUsageStore
	months   int
	interval time.Duration
	clock    Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRetentionSweeper creates a new retention sweeper
func NewRetentionSweeper(store storage.VoiceUsageStore, config RetentionConfig, logger zerolog.Logger) (*RetentionSweeper, error) {
	if config.Months < 1 {
		return nil, fmt.Errorf("retention must be at least one month, got %d", config.Months)
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	return &RetentionSweeper{
		store:    store,
		months:   config.Months,
		interval: config.Interval,
		clock:    config.Clock,
		logger:   logger.With().Str("component", "retention-sweeper").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Cutoff returns the instant at or before which a record's period must
// have ended to be removed.
func (rs *RetentionSweeper) Cutoff(now time.Time) time.Time {
	start, _ := UsageWindow(now)
	return start.AddDate(0, -rs.months, 0)
}

// RunOnce performs a single sweep and returns the number of records removed
func (rs *RetentionSweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := rs.Cutoff(rs.clock.Now())

	deleted, err := rs.store.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("%w: delete_records: %w", ErrStoreUnavailable, err)
	}

	metrics.RecordsSwept.Add(float64(deleted))
	rs.logger.Info().
		Int("records_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Voice usage retention sweep complete")

	return deleted, nil
}

// Start begins the sweep loop
func (rs *RetentionSweeper) Start() {
	go rs.run()
	rs.logger.Info().
		Int("retention_months", rs.months).
		Dur("interval", rs.interval).
		Msg("Retention sweeper started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish
func (rs *RetentionSweeper) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Retention sweeper stopped")
}

func (rs *RetentionSweeper) run() {
	defer close(rs.doneChan)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := rs.RunOnce(ctx); err != nil {
				rs.logger.Error().Err(err).Msg("Retention sweep failed")
			}
			cancel()
		case <-rs.stopChan:
			return
		}
	}
}
