package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lamim/reelforge/internal/checkpoint"
	"github.com/lamim/reelforge/internal/config"
	"github.com/lamim/reelforge/pkg/models"
)

// checkpointStore opens the configured checkpoint directory without wiring
// providers, so inspection works without API keys
func checkpointStore() (*checkpoint.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return checkpoint.NewStore(cfg.Pipeline.CheckpointDir, logger), nil
}

// listCheckpoints lists all unfinished pipeline runs
func listCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := checkpointStore()
	if err != nil {
		return err
	}

	infos, err := store.ListAll()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	fmt.Printf("%-38s %-10s %-12s %-10s %s\n", "PIPELINE", "STATUS", "STEP", "PROGRESS", "SAVED")
	fmt.Println(strings.Repeat("-", 96))
	for _, info := range infos {
		if info.Err != nil {
			fmt.Printf("%-38s %-10s %-12s %-10s %s\n", info.PipelineID, "corrupt", "-", "-", info.ModTime.Format("2006-01-02 15:04:05"))
			continue
		}
		progress := 0.0
		if info.TotalSteps > 0 {
			progress = float64(info.CompletedSteps) / float64(info.TotalSteps) * 100
		}
		fmt.Printf("%-38s %-10s %-12s %-10s %s\n",
			info.PipelineID,
			displayStatus(info.Status),
			info.CurrentStep,
			fmt.Sprintf("%d/%d %.0f%%", info.CompletedSteps, info.TotalSteps, progress),
			info.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// inspectCheckpoint displays detailed information about a checkpoint
func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	store, err := checkpointStore()
	if err != nil {
		return err
	}

	id := args[0]
	cp, found, err := store.Load(id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !found {
		return fmt.Errorf("no checkpoint found for pipeline %s", id)
	}

	fmt.Printf("Checkpoint Information for: %s\n", id)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Topic:               %s\n", cp.Config.Topic)
	fmt.Printf("Status:              %s\n", displayStatus(cp.Status))
	fmt.Printf("Saved At:            %s\n", cp.Timestamp.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Current Step:        %s\n", cp.CurrentStep)
	fmt.Printf("Progress:            %.1f%%\n", checkpoint.ProgressPercentage(cp))
	fmt.Printf("Output Dir:          %s\n", cp.Config.OutputDir)
	fmt.Println()

	fmt.Println("Steps:")
	for _, step := range cp.Config.StepOrder() {
		fmt.Printf("  %-12s %s\n", step, stepState(cp, step))
	}
	fmt.Println()

	if err := store.Validate(id, cp); err != nil {
		fmt.Printf("Validation:          %v\n", err)
		fmt.Println()
	}

	fmt.Println("To resume this pipeline, run:")
	fmt.Printf("  reelforge resume %s\n", id)
	return nil
}

func stepState(cp *models.Checkpoint, step models.StepName) string {
	for _, done := range cp.CompletedSteps {
		if done != step {
			continue
		}
		if !cp.Config.IsEnabled(step) {
			return "skipped"
		}
		if artifacts := cp.Results[step].Artifacts(); len(artifacts) > 0 {
			return fmt.Sprintf("done (%d files)", len(artifacts))
		}
		return "done"
	}
	if step == cp.CurrentStep {
		return "pending <- next"
	}
	return "pending"
}

func displayStatus(s models.RunStatus) string {
	if s == "" || s == models.StatusRunning {
		return string(models.StatusPending)
	}
	return string(s)
}

// cleanupCheckpoints deletes stale checkpoints
func cleanupCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := checkpointStore()
	if err != nil {
		return err
	}

	removed, err := store.CleanupOlderThan(olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d checkpoint(s) older than %s.\n", len(removed), olderThan)
	for _, id := range removed {
		fmt.Printf("  %s\n", id)
	}
	return nil
}
