package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/storage"
)

// Tests run against a real database when VOICEUSAGE_TEST_POSTGRES_URL is set.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("VOICEUSAGE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("VOICEUSAGE_TEST_POSTGRES_URL not set")
	}

	store, err := Open(context.Background(), config.PostgresConfig{URL: url, MaxConns: 8, ConnectTimeout: "5s"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMonth() (time.Time, time.Time) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func newRecord(userID string, start, end time.Time) storage.VoiceUsageRecord {
	now := time.Now().UTC()
	return storage.VoiceUsageRecord{
		UserID:      userID,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(context.Background(), config.PostgresConfig{URL: "://bad"})
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestVoiceUsageStore_CreateConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	usage := store.VoiceUsage()
	userID := "pg-" + uuid.NewString()
	start, end := testMonth()

	first, err := usage.CreateRecord(ctx, newRecord(userID, start, end))
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, err := usage.CreateRecord(ctx, newRecord(userID, start, end)); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := usage.GetRecord(ctx, userID, start, end)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected %s, got %s", first.ID, got.ID)
	}
}

func TestVoiceUsageStore_ConcurrentIncrements(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	usage := store.VoiceUsage()
	userID := "pg-" + uuid.NewString()
	start, end := testMonth()

	created, err := usage.CreateRecord(ctx, newRecord(userID, start, end))
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := usage.IncrementSessionsStarted(ctx, created.ID, time.Now()); err != nil {
				t.Errorf("increment started: %v", err)
			}
			if _, err := usage.IncrementSessionsCompleted(ctx, created.ID, 4, time.Now()); err != nil {
				t.Errorf("increment completed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := usage.GetRecord(ctx, userID, start, end)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.SessionsStarted != 25 || got.SessionsCompleted != 25 || got.SecondsUsed != 100 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	if _, err := usage.IncrementSessionsStarted(ctx, uuid.NewString(), time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVoiceUsageStore_ListAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	usage := store.VoiceUsage()
	userID := "pg-" + uuid.NewString()

	base := time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		start := base.AddDate(0, i, 0)
		if _, err := usage.CreateRecord(ctx, newRecord(userID, start, start.AddDate(0, 1, 0))); err != nil {
			t.Fatalf("create record: %v", err)
		}
	}

	records, err := usage.ListUserRecords(ctx, userID, 2)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 || records[0].PeriodStart.Month() != time.March {
		t.Fatalf("expected two records newest first, got %+v", records)
	}

	deleted, err := usage.DeleteRecordsBefore(ctx, base.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("delete records: %v", err)
	}
	if deleted < 1 {
		t.Fatalf("expected at least the January 1999 record deleted, got %d", deleted)
	}

	remaining, err := usage.ListUserRecords(ctx, userID, 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining records, got %d", len(remaining))
	}
}
