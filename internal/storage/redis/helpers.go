package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urgood/voiceusage/internal/storage"
)

const periodIndexKey = "voiceusage:periods"

func recordKey(id string) string {
	return fmt.Sprintf("voiceusage:record:%s", id)
}

// periodKey is the natural-key index entry for one user and month
func periodKey(userID string, start, end time.Time) string {
	return fmt.Sprintf("voiceusage:period:%s:%d:%d", userID, start.Unix(), end.Unix())
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("voiceusage:user:%s", userID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// hashFromReply converts a flat HGETALL reply returned by a script into a map
func hashFromReply(reply []interface{}) (map[string]string, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply length %d", len(reply))
	}

	data := make(map[string]string, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		key, ok := reply[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected hash key type %T", reply[i])
		}
		value, ok := reply[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected hash value type %T", reply[i+1])
		}
		data[key] = value
	}
	return data, nil
}

// parseVoiceUsageRecord converts a Redis hash to VoiceUsageRecord
func parseVoiceUsageRecord(data map[string]string) (*storage.VoiceUsageRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	periodStart, err := time.Parse(time.RFC3339Nano, data["period_start"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse period_start: %w", err)
	}

	periodEnd, err := time.Parse(time.RFC3339Nano, data["period_end"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse period_end: %w", err)
	}

	sessionsStarted, err := strconv.ParseInt(data["sessions_started"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sessions_started: %w", err)
	}

	sessionsCompleted, err := strconv.ParseInt(data["sessions_completed"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sessions_completed: %w", err)
	}

	secondsUsed, err := strconv.ParseInt(data["seconds_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seconds_used: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	record := &storage.VoiceUsageRecord{
		ID:                data["id"],
		UserID:            data["user_id"],
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		SessionsStarted:   sessionsStarted,
		SessionsCompleted: sessionsCompleted,
		SecondsUsed:       secondsUsed,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}

	if raw := data["last_session_at"]; raw != "" {
		lastSessionAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_session_at: %w", err)
		}
		record.LastSessionAt = &lastSessionAt
	}

	return record, nil
}
