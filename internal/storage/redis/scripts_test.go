package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/urgood/voiceusage/internal/storage"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func createKeys(id string) []string {
	return []string{
		"voiceusage:period:user-1:100:200",
		"voiceusage:record:" + id,
		"voiceusage:user:user-1",
		"voiceusage:periods",
	}
}

func createArgs(id string) []interface{} {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return []interface{}{
		id, "user-1", "2025-03-01T00:00:00Z", "2025-04-01T00:00:00Z", 100, 200,
		0, 0, 0, "", now, now,
	}
}

func TestCreateRecordScript(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	owner, err := client.Eval(ctx, createRecordScript, createKeys("rec-1"), createArgs("rec-1")...).Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if owner != "rec-1" {
		t.Errorf("Expected owner rec-1, got %s", owner)
	}

	data := client.HGetAll(ctx, "voiceusage:record:rec-1").Val()
	if data["user_id"] != "user-1" {
		t.Errorf("Expected user_id=user-1, got %s", data["user_id"])
	}
	if data["seconds_used"] != "0" {
		t.Errorf("Expected seconds_used=0, got %s", data["seconds_used"])
	}

	score := client.ZScore(ctx, "voiceusage:periods", "rec-1").Val()
	if score != 200 {
		t.Errorf("Expected period index score 200, got %v", score)
	}
	score = client.ZScore(ctx, "voiceusage:user:user-1", "rec-1").Val()
	if score != 100 {
		t.Errorf("Expected user index score 100, got %v", score)
	}
}

func TestCreateRecordScript_ExistingKey(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	if err := client.Eval(ctx, createRecordScript, createKeys("rec-1"), createArgs("rec-1")...).Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	owner, err := client.Eval(ctx, createRecordScript, createKeys("rec-2"), createArgs("rec-2")...).Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if owner != "rec-1" {
		t.Errorf("Expected existing owner rec-1, got %s", owner)
	}

	if client.Exists(ctx, "voiceusage:record:rec-2").Val() != 0 {
		t.Error("Expected losing record not to be written")
	}
}

func TestIncrementRecordScript(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	if err := client.Eval(ctx, createRecordScript, createKeys("rec-1"), createArgs("rec-1")...).Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	tests := []struct {
		name          string
		started       int64
		completed     int64
		seconds       int64
		wantStarted   string
		wantCompleted string
		wantSeconds   string
	}{
		{"start", 1, 0, 0, "1", "0", "0"},
		{"complete", 0, 1, 90, "1", "1", "90"},
		{"complete again", 0, 1, 30, "1", "2", "120"},
		{"zero seconds", 0, 1, 0, "1", "3", "120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now().UTC().Format(time.RFC3339Nano)
			reply, err := client.Eval(ctx, incrementRecordScript, []string{"voiceusage:record:rec-1"},
				tt.started, tt.completed, tt.seconds, now, storage.MaxSecondsUsed).Slice()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}

			data, err := hashFromReply(reply)
			if err != nil {
				t.Fatalf("hashFromReply failed: %v", err)
			}
			if data["sessions_started"] != tt.wantStarted {
				t.Errorf("Expected sessions_started=%s, got %s", tt.wantStarted, data["sessions_started"])
			}
			if data["sessions_completed"] != tt.wantCompleted {
				t.Errorf("Expected sessions_completed=%s, got %s", tt.wantCompleted, data["sessions_completed"])
			}
			if data["seconds_used"] != tt.wantSeconds {
				t.Errorf("Expected seconds_used=%s, got %s", tt.wantSeconds, data["seconds_used"])
			}
			if data["last_session_at"] != now {
				t.Errorf("Expected last_session_at=%s, got %s", now, data["last_session_at"])
			}
		})
	}
}

func TestIncrementRecordScript_Missing(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	err := client.Eval(ctx, incrementRecordScript, []string{"voiceusage:record:missing"}, 1, 0, 0, "now").Err()
	if !errors.Is(err, redis.Nil) {
		t.Errorf("Expected redis.Nil for missing record, got %v", err)
	}
	if client.Exists(ctx, "voiceusage:record:missing").Val() != 0 {
		t.Error("Expected missing record not to be created")
	}
}

func TestDeleteRecordScript(t *testing.T) {
	client, _ := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	if err := client.Eval(ctx, createRecordScript, createKeys("rec-1"), createArgs("rec-1")...).Err(); err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	keys := []string{
		"voiceusage:record:rec-1",
		"voiceusage:period:user-1:100:200",
		"voiceusage:user:user-1",
		"voiceusage:periods",
	}
	removed, err := client.Eval(ctx, deleteRecordScript, keys, "rec-1").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	for _, key := range keys[:2] {
		if client.Exists(ctx, key).Val() != 0 {
			t.Errorf("Expected %s to be deleted", key)
		}
	}
	if client.ZCard(ctx, "voiceusage:periods").Val() != 0 {
		t.Error("Expected period index to be empty")
	}
}
