package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func month(year int, m time.Month) (time.Time, time.Time) {
	start := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func newRecord(id, userID string, start, end time.Time) storage.VoiceUsageRecord {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return storage.VoiceUsageRecord{
		ID:          id,
		UserID:      userID,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}

func TestStore_Ping(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestVoiceUsageStore_CreateAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()
	start, end := month(2025, time.March)

	if _, err := usage.GetRecord(ctx, "user-1", start, end); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before create, got %v", err)
	}

	created, err := usage.CreateRecord(ctx, newRecord("rec-1", "user-1", start, end))
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if created.ID != "rec-1" {
		t.Errorf("Expected id rec-1, got %s", created.ID)
	}
	if created.LastSessionAt != nil {
		t.Errorf("Expected nil LastSessionAt, got %v", created.LastSessionAt)
	}

	retrieved, err := usage.GetRecord(ctx, "user-1", start, end)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if retrieved.ID != created.ID {
		t.Errorf("Expected id %s, got %s", created.ID, retrieved.ID)
	}
	if !retrieved.PeriodStart.Equal(start) || !retrieved.PeriodEnd.Equal(end) {
		t.Errorf("Unexpected period [%v, %v)", retrieved.PeriodStart, retrieved.PeriodEnd)
	}
	if retrieved.SecondsUsed != 0 || retrieved.SessionsStarted != 0 || retrieved.SessionsCompleted != 0 {
		t.Errorf("Expected zeroed counters, got %+v", retrieved)
	}
}

func TestVoiceUsageStore_CreateDuplicateKeepsFirst(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()
	start, end := month(2025, time.March)

	if _, err := usage.CreateRecord(ctx, newRecord("rec-1", "user-1", start, end)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	_, err := usage.CreateRecord(ctx, newRecord("rec-2", "user-1", start, end))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	retrieved, err := usage.GetRecord(ctx, "user-1", start, end)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if retrieved.ID != "rec-1" {
		t.Errorf("Expected first record to win, got %s", retrieved.ID)
	}

	records, err := usage.ListUserRecords(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected exactly one record, got %d", len(records))
	}
}

func TestVoiceUsageStore_Increments(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()
	start, end := month(2025, time.March)
	at := time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC)

	if _, err := usage.CreateRecord(ctx, newRecord("rec-1", "user-1", start, end)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	started, err := usage.IncrementSessionsStarted(ctx, "rec-1", at)
	if err != nil {
		t.Fatalf("IncrementSessionsStarted failed: %v", err)
	}
	if started.SessionsStarted != 1 || started.SecondsUsed != 0 || started.SessionsCompleted != 0 {
		t.Errorf("Unexpected counters after start: %+v", started)
	}
	if started.LastSessionAt == nil || !started.LastSessionAt.Equal(at) {
		t.Errorf("Expected LastSessionAt %v, got %v", at, started.LastSessionAt)
	}

	completed, err := usage.IncrementSessionsCompleted(ctx, "rec-1", 125, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("IncrementSessionsCompleted failed: %v", err)
	}
	if completed.SessionsCompleted != 1 || completed.SecondsUsed != 125 || completed.SessionsStarted != 1 {
		t.Errorf("Unexpected counters after completion: %+v", completed)
	}

	// Negative deltas never reduce usage
	completed, err = usage.IncrementSessionsCompleted(ctx, "rec-1", -40, at.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("IncrementSessionsCompleted failed: %v", err)
	}
	if completed.SecondsUsed != 125 || completed.SessionsCompleted != 2 {
		t.Errorf("Unexpected counters after negative delta: %+v", completed)
	}
}

func TestVoiceUsageStore_IncrementUnknownRecord(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	_, err := store.VoiceUsage().IncrementSessionsStarted(ctx, "missing", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = store.VoiceUsage().IncrementSessionsCompleted(ctx, "missing", 10, time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestVoiceUsageStore_ConcurrentIncrements(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()
	start, end := month(2025, time.March)

	if _, err := usage.CreateRecord(ctx, newRecord("rec-1", "user-1", start, end)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := usage.IncrementSessionsStarted(ctx, "rec-1", time.Now()); err != nil {
				t.Errorf("IncrementSessionsStarted failed: %v", err)
			}
			if _, err := usage.IncrementSessionsCompleted(ctx, "rec-1", 3, time.Now()); err != nil {
				t.Errorf("IncrementSessionsCompleted failed: %v", err)
			}
		}()
	}
	wg.Wait()

	record, err := usage.GetRecord(ctx, "user-1", start, end)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record.SessionsStarted != workers {
		t.Errorf("Expected %d sessions started, got %d", workers, record.SessionsStarted)
	}
	if record.SessionsCompleted != workers {
		t.Errorf("Expected %d sessions completed, got %d", workers, record.SessionsCompleted)
	}
	if record.SecondsUsed != workers*3 {
		t.Errorf("Expected %d seconds, got %d", workers*3, record.SecondsUsed)
	}
}

func TestVoiceUsageStore_ListUserRecords(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()

	for i, m := range []time.Month{time.January, time.February, time.March} {
		start, end := month(2025, m)
		rec := newRecord("", "user-1", start, end)
		rec.SecondsUsed = int64(i * 100)
		if _, err := usage.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}
	start, end := month(2025, time.March)
	if _, err := usage.CreateRecord(ctx, newRecord("", "user-2", start, end)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	records, err := usage.ListUserRecords(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].PeriodStart.Month() != time.March || records[1].PeriodStart.Month() != time.February {
		t.Errorf("Expected newest first, got %v then %v", records[0].PeriodStart, records[1].PeriodStart)
	}
	if records[0].SecondsUsed != 200 {
		t.Errorf("Expected 200 seconds for March, got %d", records[0].SecondsUsed)
	}

	empty, err := usage.ListUserRecords(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no records, got %d", len(empty))
	}
}

func TestVoiceUsageStore_DeleteRecordsBefore(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.VoiceUsage()

	for _, m := range []time.Month{time.January, time.February, time.March} {
		start, end := month(2025, m)
		if _, err := usage.CreateRecord(ctx, newRecord("", "user-1", start, end)); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}

	// Cutoff equal to February's end removes January and February
	_, cutoff := month(2025, time.February)
	deleted, err := usage.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteRecordsBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	records, err := usage.ListUserRecords(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListUserRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].PeriodStart.Month() != time.March {
		t.Errorf("Expected only March to remain, got %+v", records)
	}

	janStart, janEnd := month(2025, time.January)
	if mr.Exists(periodKey("user-1", janStart, janEnd)) {
		t.Error("Expected January period index to be removed")
	}

	// A new January record can be created again after the sweep
	if _, err := usage.CreateRecord(ctx, newRecord("", "user-1", janStart, janEnd)); err != nil {
		t.Errorf("CreateRecord after sweep failed: %v", err)
	}
}
