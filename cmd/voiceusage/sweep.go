package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/usage"
)

var sweepMonths int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass and exit",
	Long:  `Delete monthly usage records whose period ended more than the retention window ago.`,
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepMonths, "months", 0, "Override usage.retention_months")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	months := cfg.Usage.RetentionMonths
	if sweepMonths > 0 {
		months = sweepMonths
	}
	if months == 0 {
		logger.Info().Msg("Retention disabled, nothing to sweep")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, _, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	sweeper, err := usage.NewRetentionSweeper(store.VoiceUsage(), usage.RetentionConfig{Months: months}, logger)
	if err != nil {
		return err
	}

	deleted, err := sweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("retention sweep failed: %w", err)
	}

	fmt.Printf("Deleted %d usage record(s) older than %d month(s)\n", deleted, months)
	return nil
}
