package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urgood/voiceusage/internal/storage"
	"go.etcd.io/bbolt"
)

type voiceUsageStore struct {
	db *bbolt.DB
}

func periodKey(userID string, start, end time.Time) string {
	return fmt.Sprintf("%s\x00%020d\x00%020d", userID, start.Unix(), end.Unix())
}

func userIndexPrefix(userID string) string {
	return userID + "\x00"
}

func userIndexKey(userID string, start time.Time) string {
	return fmt.Sprintf("%s%020d", userIndexPrefix(userID), start.Unix())
}

func (s *voiceUsageStore) GetRecord(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*storage.VoiceUsageRecord, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		periods, err := bucket(tx, bucketPeriods)
		if err != nil {
			return err
		}
		value := periods.Get([]byte(periodKey(userID, periodStart, periodEnd)))
		if value == nil {
			return storage.ErrNotFound
		}
		id = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return getBucketValue[storage.VoiceUsageRecord](ctx, s.db, bucketVoiceUsage, string(id))
}

func (s *voiceUsageStore) CreateRecord(ctx context.Context, record storage.VoiceUsageRecord) (*storage.VoiceUsageRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	normalize(&record)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		periods, err := bucket(tx, bucketPeriods)
		if err != nil {
			return err
		}
		key := []byte(periodKey(record.UserID, record.PeriodStart, record.PeriodEnd))
		if periods.Get(key) != nil {
			return storage.ErrAlreadyExists
		}

		records, err := bucket(tx, bucketVoiceUsage)
		if err != nil {
			return err
		}
		users, err := bucket(tx, bucketUserIndex)
		if err != nil {
			return err
		}

		data, err := marshal(record)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(record.ID), data); err != nil {
			return err
		}
		if err := periods.Put(key, []byte(record.ID)); err != nil {
			return err
		}
		return users.Put([]byte(userIndexKey(record.UserID, record.PeriodStart)), []byte(record.ID))
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *voiceUsageStore) IncrementSessionsStarted(ctx context.Context, id string, at time.Time) (*storage.VoiceUsageRecord, error) {
	return s.update(ctx, id, func(record *storage.VoiceUsageRecord) {
		record.SessionsStarted++
		touch(record, at)
	})
}

func (s *voiceUsageStore) IncrementSessionsCompleted(ctx context.Context, id string, seconds int64, at time.Time) (*storage.VoiceUsageRecord, error) {
	if seconds < 0 {
		seconds = 0
	}
	return s.update(ctx, id, func(record *storage.VoiceUsageRecord) {
		record.SessionsCompleted++
		record.SecondsUsed = addSeconds(record.SecondsUsed, seconds)
		touch(record, at)
	})
}

// addSeconds adds to a seconds_used total, saturating at MaxSecondsUsed
func addSeconds(used, seconds int64) int64 {
	if seconds >= storage.MaxSecondsUsed-used {
		return storage.MaxSecondsUsed
	}
	return used + seconds
}

// update applies fn inside a single write transaction. bbolt allows one
// writer at a time, so the read-modify-write cannot interleave.
func (s *voiceUsageStore) update(ctx context.Context, id string, fn func(*storage.VoiceUsageRecord)) (*storage.VoiceUsageRecord, error) {
	var record storage.VoiceUsageRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		records, err := bucket(tx, bucketVoiceUsage)
		if err != nil {
			return err
		}
		existing := records.Get([]byte(id))
		if existing == nil {
			return storage.ErrNotFound
		}
		if err := unmarshal(existing, &record); err != nil {
			return err
		}

		fn(&record)

		data, err := marshal(record)
		if err != nil {
			return err
		}
		return records.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *voiceUsageStore) ListUserRecords(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error) {
	items := make([]storage.VoiceUsageRecord, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		users, err := bucket(tx, bucketUserIndex)
		if err != nil {
			return err
		}
		records, err := bucket(tx, bucketVoiceUsage)
		if err != nil {
			return err
		}

		prefix := []byte(userIndexPrefix(userID))
		var ids [][]byte
		c := users.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, v)
		}

		// Keys sort by period start ascending; walk backwards for newest first
		for i := len(ids) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(items) >= limit {
				break
			}
			value := records.Get(ids[i])
			if value == nil {
				continue
			}
			var record storage.VoiceUsageRecord
			if err := unmarshal(value, &record); err != nil {
				return err
			}
			items = append(items, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *voiceUsageStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		records, err := bucket(tx, bucketVoiceUsage)
		if err != nil {
			return err
		}
		periods, err := bucket(tx, bucketPeriods)
		if err != nil {
			return err
		}
		users, err := bucket(tx, bucketUserIndex)
		if err != nil {
			return err
		}

		var expired []storage.VoiceUsageRecord
		c := records.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record storage.VoiceUsageRecord
			if err := unmarshal(v, &record); err != nil {
				return err
			}
			if !record.PeriodEnd.After(cutoff) {
				expired = append(expired, record)
			}
		}

		for _, record := range expired {
			if err := records.Delete([]byte(record.ID)); err != nil {
				return err
			}
			if err := periods.Delete([]byte(periodKey(record.UserID, record.PeriodStart, record.PeriodEnd))); err != nil {
				return err
			}
			if err := users.Delete([]byte(userIndexKey(record.UserID, record.PeriodStart))); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func normalize(record *storage.VoiceUsageRecord) {
	record.PeriodStart = record.PeriodStart.UTC()
	record.PeriodEnd = record.PeriodEnd.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.LastSessionAt != nil {
		last := record.LastSessionAt.UTC()
		record.LastSessionAt = &last
	}
}

func touch(record *storage.VoiceUsageRecord, at time.Time) {
	at = at.UTC()
	record.LastSessionAt = &at
	record.UpdatedAt = at
}
