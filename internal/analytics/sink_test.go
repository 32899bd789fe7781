package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisStreamSink_Write(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "voiceusage:events", 0)
	ts := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	err := sink.Write(context.Background(), []Event{
		{Name: "voice_session_started", UserID: "u1", Timestamp: ts},
		{Name: "voice_session_ended", UserID: "u1", Timestamp: ts, Properties: map[string]any{"duration": 42}},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := client.XRange(context.Background(), "voiceusage:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 stream entries, got %d", len(entries))
	}

	ended := entries[1].Values
	if ended["event"] != "voice_session_ended" || ended["user_id"] != "u1" {
		t.Errorf("Unexpected entry: %v", ended)
	}
	if ended["timestamp"] != ts.Format(time.RFC3339Nano) {
		t.Errorf("Unexpected timestamp: %v", ended["timestamp"])
	}

	var properties map[string]any
	if err := json.Unmarshal([]byte(ended["properties"].(string)), &properties); err != nil {
		t.Fatalf("unmarshal properties: %v", err)
	}
	if properties["duration"] != float64(42) {
		t.Errorf("Expected duration 42, got %v", properties["duration"])
	}
}

func TestRedisStreamSink_WithQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewQueue(NewRedisStreamSink(client, "events", 0), Config{BatchSize: 10, FlushInterval: time.Hour}, zerolog.Nop())
	q.Track("voice_session_started", "u1", nil)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if n := client.XLen(context.Background(), "events").Val(); n != 1 {
		t.Errorf("Expected 1 stream entry, got %d", n)
	}
}

func TestLogSink_Write(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	if err := sink.Write(context.Background(), []Event{{Name: "x", UserID: "u1"}}); err != nil {
		t.Errorf("Write failed: %v", err)
	}
}
