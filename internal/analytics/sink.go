package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStreamSink appends events to a Redis stream
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to the given stream. maxLen
// caps the stream approximately; 0 leaves it unbounded.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Write appends the batch in one pipeline
func (s *RedisStreamSink) Write(ctx context.Context, events []Event) error {
	pipe := s.client.Pipeline()
	for _, event := range events {
		properties, err := json.Marshal(event.Properties)
		if err != nil {
			return fmt.Errorf("marshal properties for %s: %w", event.Name, err)
		}

		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"event":      event.Name,
				"user_id":    event.UserID,
				"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
				"properties": string(properties),
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append analytics events: %w", err)
	}
	return nil
}

// LogSink writes events as structured log lines
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs events
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "analytics-sink").Logger()}
}

// Write logs each event
func (s *LogSink) Write(_ context.Context, events []Event) error {
	for _, event := range events {
		s.logger.Info().
			Str("event", event.Name).
			Str("user_id", event.UserID).
			Time("timestamp", event.Timestamp).
			Interface("properties", event.Properties).
			Msg("Analytics event")
	}
	return nil
}
