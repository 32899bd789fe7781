package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urgood/voiceusage/internal/storage"
	boltstore "github.com/urgood/voiceusage/internal/storage/bolt"
	"github.com/urgood/voiceusage/internal/usage"
)

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "server:\n  http_port: 8081\n  dns_port: 53\nauth:\n  jwt_secret: s\n  jwt_secrt: typo\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}
	if len(unknown) != 2 || unknown[0] != "auth.jwt_secrt" || unknown[1] != "server.dns_port" {
		t.Errorf("Unexpected unknown keys: %v", unknown)
	}
}

func TestBuildUsageReport(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "voiceusage.bolt"))
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	report, err := buildUsageReport(ctx, store.VoiceUsage(), "user-1", now, 0)
	if err != nil {
		t.Fatalf("buildUsageReport failed: %v", err)
	}
	if report.SecondsUsed != 0 || report.DailySessions.Status != usage.StatusAvailable {
		t.Errorf("Unexpected empty report: %+v", report)
	}
	if records, _ := store.VoiceUsage().ListUserRecords(ctx, "user-1", 0); len(records) != 0 {
		t.Error("Report must not create a record")
	}

	start, end := usage.UsageWindow(now)
	created, err := store.VoiceUsage().CreateRecord(ctx, storage.VoiceUsageRecord{
		UserID:      "user-1",
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if _, err := store.VoiceUsage().IncrementSessionsCompleted(ctx, created.ID, usage.SoftCapSeconds, now); err != nil {
		t.Fatalf("IncrementSessionsCompleted failed: %v", err)
	}

	report, err = buildUsageReport(ctx, store.VoiceUsage(), "user-1", now, 3)
	if err != nil {
		t.Fatalf("buildUsageReport failed: %v", err)
	}
	if !report.DailySessions.SoftCapReached || report.DailySessions.Status != usage.StatusSoftCapReached {
		t.Errorf("Expected soft cap reached, got %+v", report.DailySessions)
	}
	if len(report.History) != 1 {
		t.Errorf("Expected 1 history record, got %d", len(report.History))
	}
}
