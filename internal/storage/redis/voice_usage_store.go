package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urgood/voiceusage/internal/storage"
)

type voiceUsageStore struct {
	client       *redis.Client
	createScript *redis.Script
	incrScript   *redis.Script
	deleteScript *redis.Script
}

// GetRecord retrieves the record for a user and period using the natural-key index
func (s *voiceUsageStore) GetRecord(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*storage.VoiceUsageRecord, error) {
	id, err := s.client.Get(ctx, periodKey(userID, periodStart, periodEnd)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.getByID(ctx, id)
}

func (s *voiceUsageStore) getByID(ctx context.Context, id string) (*storage.VoiceUsageRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseVoiceUsageRecord(data)
}

// CreateRecord stores a new record. If another record already owns the same
// (user, period) key, nothing is written and ErrAlreadyExists is returned.
func (s *voiceUsageStore) CreateRecord(ctx context.Context, record storage.VoiceUsageRecord) (*storage.VoiceUsageRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	keys := []string{
		periodKey(record.UserID, record.PeriodStart, record.PeriodEnd),
		recordKey(record.ID),
		userIndexKey(record.UserID),
		periodIndexKey,
	}
	args := []interface{}{
		record.ID,
		record.UserID,
		formatTime(record.PeriodStart),
		formatTime(record.PeriodEnd),
		record.PeriodStart.Unix(),
		record.PeriodEnd.Unix(),
		record.SessionsStarted,
		record.SessionsCompleted,
		record.SecondsUsed,
		formatOptionalTime(record.LastSessionAt),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	}

	owner, err := s.createScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if owner != record.ID {
		return nil, storage.ErrAlreadyExists
	}

	return s.getByID(ctx, record.ID)
}

// IncrementSessionsStarted atomically adds one started session
func (s *voiceUsageStore) IncrementSessionsStarted(ctx context.Context, id string, at time.Time) (*storage.VoiceUsageRecord, error) {
	return s.increment(ctx, id, 1, 0, 0, at)
}

// IncrementSessionsCompleted atomically adds one completed session and its seconds
func (s *voiceUsageStore) IncrementSessionsCompleted(ctx context.Context, id string, seconds int64, at time.Time) (*storage.VoiceUsageRecord, error) {
	if seconds < 0 {
		seconds = 0
	}
	return s.increment(ctx, id, 0, 1, seconds, at)
}

func (s *voiceUsageStore) increment(ctx context.Context, id string, started, completed, seconds int64, at time.Time) (*storage.VoiceUsageRecord, error) {
	reply, err := s.incrScript.Run(ctx, s.client, []string{recordKey(id)}, started, completed, seconds, formatTime(at), storage.MaxSecondsUsed).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increment record: %w", err)
	}

	data, err := hashFromReply(reply)
	if err != nil {
		return nil, err
	}

	return parseVoiceUsageRecord(data)
}

// ListUserRecords returns a user's records, newest period first
func (s *voiceUsageStore) ListUserRecords(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, userIndexKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.VoiceUsageRecord{}, nil
	}

	// Fetch all records in one round-trip
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	records := make([]storage.VoiceUsageRecord, 0, len(ids))
	for _, cmd := range cmds {
		record, err := parseVoiceUsageRecord(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, nil
}

// DeleteRecordsBefore removes records whose period ended at or before cutoff
func (s *voiceUsageStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, periodIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, recordKey(id)).Result()
		if err != nil {
			return deleted, err
		}
		if len(data) == 0 {
			// Stale index entry
			if err := s.client.ZRem(ctx, periodIndexKey, id).Err(); err != nil {
				return deleted, err
			}
			continue
		}

		record, err := parseVoiceUsageRecord(data)
		if err != nil {
			return deleted, err
		}

		keys := []string{
			recordKey(id),
			periodKey(record.UserID, record.PeriodStart, record.PeriodEnd),
			userIndexKey(record.UserID),
			periodIndexKey,
		}
		removed, err := s.deleteScript.Run(ctx, s.client, keys, id).Int()
		if err != nil {
			return deleted, fmt.Errorf("delete record %s: %w", id, err)
		}
		deleted += removed
	}

	return deleted, nil
}
