package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrAlreadyExists is returned when a record with the same natural key
// (user, period start, period end) is already stored.
var ErrAlreadyExists = errors.New("storage: record already exists")

// MaxSecondsUsed is the ceiling for a record's seconds_used. Backends
// saturate at this value instead of overflowing. It is the largest integer
// a float64 (and so a Redis Lua number) holds exactly.
const MaxSecondsUsed int64 = 1 << 53

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	VoiceUsage() VoiceUsageStore
}

// VoiceUsageStore manages per-user monthly voice usage records.
//
// Increments are applied atomically by the backend and return the
// post-update record. Implementations never reorder counters, and
// seconds_used saturates at MaxSecondsUsed.
type VoiceUsageStore interface {
	GetRecord(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*VoiceUsageRecord, error)
	CreateRecord(ctx context.Context, record VoiceUsageRecord) (*VoiceUsageRecord, error)
	IncrementSessionsStarted(ctx context.Context, id string, at time.Time) (*VoiceUsageRecord, error)
	IncrementSessionsCompleted(ctx context.Context, id string, seconds int64, at time.Time) (*VoiceUsageRecord, error)
	ListUserRecords(ctx context.Context, userID string, limit int) ([]VoiceUsageRecord, error)
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// VoiceUsageRecord is one user's voice activity for one UTC calendar month.
type VoiceUsageRecord struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	PeriodStart       time.Time  `json:"period_start"`
	PeriodEnd         time.Time  `json:"period_end"`
	SessionsStarted   int64      `json:"sessions_started"`
	SessionsCompleted int64      `json:"sessions_completed"`
	SecondsUsed       int64      `json:"seconds_used"`
	LastSessionAt     *time.Time `json:"last_session_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
