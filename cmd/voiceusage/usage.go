package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/storage"
	"github.com/urgood/voiceusage/internal/usage"
)

var (
	usageJSON    bool
	usageHistory int
)

var usageCmd = &cobra.Command{
	Use:   "usage [flags] USER_ID",
	Short: "Show a user's voice usage",
	Long:  `Show the current month's voice usage and soft cap status for a user. Nothing is written.`,
	Example: `  voiceusage -c config.yaml usage 6f1c2a9e-user
  voiceusage usage --history 6 --json 6f1c2a9e-user`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Print JSON instead of text")
	usageCmd.Flags().IntVar(&usageHistory, "history", 0, "Also list up to this many monthly records")
	rootCmd.AddCommand(usageCmd)
}

type usageReport struct {
	UserID         string                     `json:"userId"`
	PeriodStart    time.Time                  `json:"periodStart"`
	PeriodEnd      time.Time                  `json:"periodEnd"`
	SecondsUsed    int64                      `json:"secondsUsed"`
	SoftCapSeconds int64                      `json:"softCapSeconds"`
	LastSessionAt  *time.Time                 `json:"lastSessionAt"`
	DailySessions  usage.Status               `json:"dailySessions"`
	History        []storage.VoiceUsageRecord `json:"history,omitempty"`
}

func runUsage(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, _, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	report, err := buildUsageReport(ctx, store.VoiceUsage(), userID, time.Now(), usageHistory)
	if err != nil {
		return err
	}

	if usageJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	printUsageReport(report)
	return nil
}

// buildUsageReport reads the month containing now without creating a record
func buildUsageReport(ctx context.Context, store storage.VoiceUsageStore, userID string, now time.Time, history int) (*usageReport, error) {
	start, end := usage.UsageWindow(now)

	record, err := store.GetRecord(ctx, userID, start, end)
	if errors.Is(err, storage.ErrNotFound) {
		record = &storage.VoiceUsageRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	softCapReached := record.SecondsUsed >= usage.SoftCapSeconds
	report := &usageReport{
		UserID:         userID,
		PeriodStart:    record.PeriodStart,
		PeriodEnd:      record.PeriodEnd,
		SecondsUsed:    record.SecondsUsed,
		SoftCapSeconds: usage.SoftCapSeconds,
		LastSessionAt:  record.LastSessionAt,
		DailySessions:  usage.FormatStatus(record, softCapReached),
	}

	if history > 0 {
		records, err := store.ListUserRecords(ctx, userID, history)
		if err != nil {
			return nil, fmt.Errorf("failed to list usage history: %w", err)
		}
		report.History = records
	}

	return report, nil
}

// printUsageReport prints the usage report with colors
func printUsageReport(report *usageReport) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("VOICE USAGE")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:       %s\n", report.UserID)
	fmt.Printf("Period:     %s to %s (UTC)\n", report.PeriodStart.Format("2006-01-02"), report.PeriodEnd.Format("2006-01-02"))
	fmt.Printf("Started:    %d sessions\n", report.DailySessions.SessionsStartedThisMonth)
	fmt.Printf("Completed:  %d sessions\n", report.DailySessions.SessionsCompletedThisMonth)
	fmt.Printf("Used:       %s of %s\n", formatSeconds(report.SecondsUsed), formatSeconds(report.SoftCapSeconds))
	if report.LastSessionAt != nil {
		fmt.Printf("Last:       %s\n", report.LastSessionAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Printf("Last:       (no sessions this month)\n")
	}
	fmt.Println()

	_, _ = cyan.Print("Status:     ")
	if report.DailySessions.SoftCapReached {
		_, _ = yellow.Println("SOFT CAP REACHED")
		fmt.Println("            → Voice chat stays available")
	} else {
		_, _ = green.Println("AVAILABLE")
	}

	if len(report.History) > 0 {
		fmt.Println()
		_, _ = cyan.Println("History:")
		for _, record := range report.History {
			fmt.Printf("  %s  %4d started  %4d completed  %s\n",
				record.PeriodStart.Format("2006-01"),
				record.SessionsStarted,
				record.SessionsCompleted,
				formatSeconds(record.SecondsUsed))
		}
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func formatSeconds(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}
