package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urgood/voiceusage/internal/storage"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

const recordColumns = `id, user_id, period_start, period_end, sessions_started, sessions_completed,
	seconds_used, last_session_at, created_at, updated_at`

type voiceUsageStore struct {
	pool *pgxpool.Pool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.VoiceUsageRecord, error) {
	var (
		record        storage.VoiceUsageRecord
		lastSessionAt *time.Time
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.PeriodStart,
		&record.PeriodEnd,
		&record.SessionsStarted,
		&record.SessionsCompleted,
		&record.SecondsUsed,
		&lastSessionAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record.PeriodStart = record.PeriodStart.UTC()
	record.PeriodEnd = record.PeriodEnd.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if lastSessionAt != nil {
		last := lastSessionAt.UTC()
		record.LastSessionAt = &last
	}
	return &record, nil
}

func (s *voiceUsageStore) GetRecord(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*storage.VoiceUsageRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		FROM voice_usage
		WHERE user_id = $1 AND period_start = $2 AND period_end = $3`,
		userID, periodStart.UTC(), periodEnd.UTC(),
	)
	return scanRecord(row)
}

// CreateRecord inserts a record. A conflicting natural key inserts nothing
// and reports ErrAlreadyExists so the caller re-reads the winner.
func (s *voiceUsageStore) CreateRecord(ctx context.Context, record storage.VoiceUsageRecord) (*storage.VoiceUsageRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO voice_usage (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (user_id, period_start, period_end) DO NOTHING
		RETURNING `+recordColumns,
		record.ID,
		record.UserID,
		record.PeriodStart.UTC(),
		record.PeriodEnd.UTC(),
		record.SessionsStarted,
		record.SessionsCompleted,
		record.SecondsUsed,
		record.LastSessionAt,
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)

	created, err := scanRecord(row)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrAlreadyExists
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, storage.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert voice usage: %w", err)
	}
	return created, nil
}

func (s *voiceUsageStore) IncrementSessionsStarted(ctx context.Context, id string, at time.Time) (*storage.VoiceUsageRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE voice_usage
		SET sessions_started = sessions_started + 1,
			last_session_at = $2,
			updated_at = $2
		WHERE id = $1
		RETURNING `+recordColumns,
		id, at.UTC(),
	)
	return scanRecord(row)
}

func (s *voiceUsageStore) IncrementSessionsCompleted(ctx context.Context, id string, seconds int64, at time.Time) (*storage.VoiceUsageRecord, error) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > storage.MaxSecondsUsed {
		seconds = storage.MaxSecondsUsed
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE voice_usage
		SET sessions_completed = sessions_completed + 1,
			seconds_used = LEAST(seconds_used + $2, $4),
			last_session_at = $3,
			updated_at = $3
		WHERE id = $1
		RETURNING `+recordColumns,
		id, seconds, at.UTC(), storage.MaxSecondsUsed,
	)
	return scanRecord(row)
}

func (s *voiceUsageStore) ListUserRecords(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM voice_usage
		WHERE user_id = $1
		ORDER BY period_start DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list voice usage: %w", err)
	}
	defer rows.Close()

	records := make([]storage.VoiceUsageRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *voiceUsageStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voice_usage WHERE period_end <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete voice usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
