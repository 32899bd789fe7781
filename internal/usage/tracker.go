package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/metrics"
	"github.com/urgood/voiceusage/internal/storage"
)

// DefaultRecordCacheSize is the number of (user, month) record ids kept in memory
const DefaultRecordCacheSize = 10000

// Tracker maintains per-user monthly voice usage records.
//
// Counters are only changed through the store's atomic increments, so
// any number of trackers may share one store.
type Tracker struct {
	store     storage.VoiceUsageStore
	clock     Clock
	events    EventTracker
	recordIDs *lru.Cache[string, string] // user|period start -> record id
	logger    zerolog.Logger
}

// Config holds tracker configuration
type Config struct {
	RecordCacheSize int // negative disables the cache, 0 uses the default
	Clock           Clock
	Events          EventTracker
}

// NewTracker creates a new usage tracker
func NewTracker(store storage.VoiceUsageStore, config Config, logger zerolog.Logger) (*Tracker, error) {
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if config.RecordCacheSize == 0 {
		config.RecordCacheSize = DefaultRecordCacheSize
	}

	t := &Tracker{
		store:  store,
		clock:  config.Clock,
		events: config.Events,
		logger: logger.With().Str("component", "usage-tracker").Logger(),
	}

	if config.RecordCacheSize > 0 {
		cache, err := lru.New[string, string](config.RecordCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create record cache: %w", err)
		}
		t.recordIDs = cache
	}

	return t, nil
}

// EnsureUsageRecord returns the current month's record for a user,
// creating a zeroed one if none exists yet.
func (t *Tracker) EnsureUsageRecord(ctx context.Context, userID string) (*storage.VoiceUsageRecord, error) {
	return t.ensureAt(ctx, userID, t.clock.Now())
}

func (t *Tracker) ensureAt(ctx context.Context, userID string, now time.Time) (*storage.VoiceUsageRecord, error) {
	start, end := UsageWindow(now)

	record, err := t.store.GetRecord(ctx, userID, start, end)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		record, err = t.createRecord(ctx, userID, start, end, now)
		if err != nil {
			return nil, err
		}
	default:
		return nil, t.storeError("get_record", err)
	}

	t.remember(userID, start, record.ID)
	return record, nil
}

func (t *Tracker) createRecord(ctx context.Context, userID string, start, end, now time.Time) (*storage.VoiceUsageRecord, error) {
	now = now.UTC()
	record, err := t.store.CreateRecord(ctx, storage.VoiceUsageRecord{
		UserID:      userID,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err == nil {
		t.logger.Debug().
			Str("user_id", userID).
			Str("record_id", record.ID).
			Time("period_start", start).
			Msg("Created voice usage record")
		return record, nil
	}

	if !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, t.storeError("create_record", err)
	}

	// Another request created the record first
	record, err = t.store.GetRecord(ctx, userID, start, end)
	if err != nil {
		return nil, t.storeError("get_record", err)
	}
	return record, nil
}

// GetUsageSummary returns the current month's usage without changing it
func (t *Tracker) GetUsageSummary(ctx context.Context, userID string) (*Summary, error) {
	record, err := t.EnsureUsageRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newSummary(record), nil
}

// IncrementSessionsStarted records the start of a voice session
func (t *Tracker) IncrementSessionsStarted(ctx context.Context, userID string) (*Summary, error) {
	now := t.clock.Now()

	record, err := t.withRecord(ctx, userID, now, "increment_started", func(id string) (*storage.VoiceUsageRecord, error) {
		return t.store.IncrementSessionsStarted(ctx, id, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.VoiceSessionsStarted.Inc()
	t.logger.Debug().
		Str("user_id", userID).
		Int64("sessions_started", record.SessionsStarted).
		Msg("Voice session started")

	return newSummary(record), nil
}

// IncrementSessionsCompleted records the end of a voice session and adds
// its duration (seconds, sanitized) to the month's usage.
func (t *Tracker) IncrementSessionsCompleted(ctx context.Context, userID string, duration any) (*Summary, error) {
	now := t.clock.Now()
	seconds := clampToWindow(SanitizeDuration(duration), now)

	record, err := t.withRecord(ctx, userID, now, "increment_completed", func(id string) (*storage.VoiceUsageRecord, error) {
		return t.store.IncrementSessionsCompleted(ctx, id, seconds, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.VoiceSessionsCompleted.Inc()
	metrics.VoiceSecondsConsumed.Add(float64(seconds))

	summary := newSummary(record)

	// The store applied our delta atomically, so subtracting it yields the
	// exact value this call started from.
	previouslyAtSoftCap := record.SecondsUsed-seconds >= SoftCapSeconds
	if summary.SoftCapReached && !previouslyAtSoftCap {
		summary.SoftCapCrossed = true
		t.softCapCrossed(record, seconds)
	}

	t.logger.Debug().
		Str("user_id", userID).
		Int64("duration_seconds", seconds).
		Int64("seconds_used", record.SecondsUsed).
		Bool("soft_cap_reached", summary.SoftCapReached).
		Msg("Voice session completed")

	return summary, nil
}

// clampToWindow caps a single session at the length of the usage window
// it is recorded in.
func clampToWindow(seconds int64, now time.Time) int64 {
	start, end := UsageWindow(now)
	if limit := int64(end.Sub(start) / time.Second); seconds > limit {
		return limit
	}
	return seconds
}

// UsageHistory returns a user's monthly records, newest first
func (t *Tracker) UsageHistory(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error) {
	records, err := t.store.ListUserRecords(ctx, userID, limit)
	if err != nil {
		return nil, t.storeError("list_records", err)
	}
	return records, nil
}

// withRecord resolves the current month's record id and runs fn against it.
// A cached id whose record has disappeared is dropped and resolved again.
func (t *Tracker) withRecord(ctx context.Context, userID string, now time.Time, op string, fn func(id string) (*storage.VoiceUsageRecord, error)) (*storage.VoiceUsageRecord, error) {
	id, cached, err := t.recordID(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	record, err := fn(id)
	if errors.Is(err, storage.ErrNotFound) && cached {
		t.forget(userID, now)
		id, _, err = t.recordID(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		record, err = fn(id)
	}
	if err != nil {
		return nil, t.storeError(op, err)
	}
	return record, nil
}

func (t *Tracker) recordID(ctx context.Context, userID string, now time.Time) (string, bool, error) {
	start, _ := UsageWindow(now)
	if t.recordIDs != nil {
		if id, ok := t.recordIDs.Get(cacheKey(userID, start)); ok {
			metrics.RecordCacheHits.Inc()
			return id, true, nil
		}
		metrics.RecordCacheMisses.Inc()
	}

	record, err := t.ensureAt(ctx, userID, now)
	if err != nil {
		return "", false, err
	}
	return record.ID, false, nil
}

func (t *Tracker) remember(userID string, start time.Time, id string) {
	if t.recordIDs != nil {
		t.recordIDs.Add(cacheKey(userID, start), id)
	}
}

func (t *Tracker) forget(userID string, now time.Time) {
	if t.recordIDs != nil {
		start, _ := UsageWindow(now)
		t.recordIDs.Remove(cacheKey(userID, start))
	}
}

func cacheKey(userID string, start time.Time) string {
	return userID + "|" + strconv.FormatInt(start.Unix(), 10)
}

func (t *Tracker) softCapCrossed(record *storage.VoiceUsageRecord, seconds int64) {
	metrics.SoftCapCrossings.Inc()

	t.logger.Info().
		Str("user_id", record.UserID).
		Str("record_id", record.ID).
		Int64("seconds_used", record.SecondsUsed).
		Int64("soft_cap_seconds", SoftCapSeconds).
		Time("period_start", record.PeriodStart).
		Msg("Voice soft cap reached")

	if t.events != nil {
		t.events.Track(EventSoftCapCrossed, record.UserID, map[string]any{
			"seconds_used":     record.SecondsUsed,
			"soft_cap_seconds": SoftCapSeconds,
			"last_duration":    seconds,
			"period_start":     record.PeriodStart.Format(time.RFC3339),
		})
	}
}

func (t *Tracker) storeError(op string, err error) error {
	metrics.UsageStoreErrors.WithLabelValues(op).Inc()
	t.logger.Error().Err(err).Str("operation", op).Msg("Usage store operation failed")
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
