package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lamim/reelforge/internal/config"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/orchestrator"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	metricsAddr string

	topics      []string
	sourcePath  string
	pipelineID  string
	stepList    []string
	disableList []string

	olderThan time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reelforge",
		Short: "ReelForge - short-form video pipeline",
		Long: `ReelForge turns a topic into a narrated short-form video by running a
fixed pipeline of AI generation steps. Every step is checkpointed, so a run
that fails on quota or an outage can be resumed later.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file (.toml or .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for one or more topics",
		Long: `Run the pipeline:
1. Extract key points from optional source material
2. Generate titles
3. Generate premises for the chosen title
4. Write the narration script
5. Synthesize narration audio
6. Generate one image per scene
7. Render the video with ffmpeg

Several --topic flags start one pipeline each, executed concurrently up to
pipeline.concurrency.`,
		RunE: runPipelines,
	}
	runCmd.Flags().StringArrayVar(&topics, "topic", nil, "Topic to generate a video for (repeatable)")
	runCmd.Flags().StringVar(&sourcePath, "source", "", "Source material for the extraction step")
	runCmd.Flags().StringVar(&pipelineID, "id", "", "Pipeline ID (single topic only; default: random UUID)")
	runCmd.Flags().StringSliceVar(&stepList, "steps", nil, "Subset of steps to run, in canonical order")
	runCmd.Flags().StringSliceVar(&disableList, "disable", nil, "Steps to skip, recording an empty result")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = runCmd.MarkFlagRequired("topic")

	resumeCmd := &cobra.Command{
		Use:   "resume <pipeline-id>",
		Short: "Resume a failed or interrupted pipeline from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  resumePipeline,
	}
	resumeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cancelCmd := &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Discard a suspended pipeline and its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelPipeline,
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
		Long:  "Inspect and clean up the checkpoints of unfinished pipeline runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all checkpoints",
		RunE:  listCheckpoints,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <pipeline-id>",
		Short: "Inspect a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale checkpoints",
		RunE:  cleanupCheckpoints,
	}
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Delete checkpoints last written before this age")

	checkpointCmd.AddCommand(listCmd, inspectCmd, cleanupCmd)
	rootCmd.AddCommand(runCmd, resumeCmd, cancelCmd, checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app, error) {
	return newApp(ctx, appOptions{
		ConfigPath:  configPath,
		EnvFile:     envFile,
		Verbose:     verbose,
		MetricsAddr: metricsAddr,
	})
}

func runPipelines(cmd *cobra.Command, args []string) error {
	if pipelineID != "" && len(topics) > 1 {
		return fmt.Errorf("--id can only be used with a single --topic")
	}
	for _, t := range topics {
		if err := config.ValidateTopic(t); err != nil {
			return err
		}
	}

	sel := stepSelection{Source: sourcePath}
	var err error
	if sel.Steps, err = parseSteps(stepList); err != nil {
		return err
	}
	if sel.Disable, err = parseSteps(disableList); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("ReelForge starting",
		"version", Version,
		"config", configPath,
		"topics", len(topics),
		"concurrency", a.cfg.Pipeline.Concurrency)

	reqs := make([]orchestrator.Request, 0, len(topics))
	for _, topic := range topics {
		id := pipelineID
		if id == "" {
			id = uuid.NewString()
		}
		rc, err := a.runConfig(id, topic, sel)
		if err != nil {
			return err
		}
		if _, err := a.workspace.BackupConfig(id, configPath); err != nil {
			a.logger.Warn("Failed to back up config", "pipeline_id", id, "error", err)
		}
		reqs = append(reqs, orchestrator.Request{PipelineID: id, Config: rc})
	}

	return report(a, a.orch.RunBatch(ctx, reqs))
}

func resumePipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	if !a.store.Exists(id) {
		return fmt.Errorf("no checkpoint found for pipeline %s", id)
	}

	return report(a, a.orch.RunBatch(ctx, []orchestrator.Request{{PipelineID: id, Resume: true}}))
}

func cancelPipeline(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Cancel(args[0]); err != nil {
		return fmt.Errorf("failed to cancel pipeline: %w", err)
	}
	fmt.Printf("Pipeline %s cancelled, checkpoint removed.\n", args[0])
	return nil
}

// report logs every outcome and fails the command if any run failed
func report(a *app, outcomes []orchestrator.Outcome) error {
	var failed []string
	for _, out := range outcomes {
		if out.Err == nil {
			a.logger.Info("Pipeline finished",
				"pipeline_id", out.PipelineID,
				"duration", out.Duration.Round(time.Millisecond),
				"output_dir", out.Run.Config.OutputDir)
			continue
		}

		failed = append(failed, out.PipelineID)
		var stepErr *errs.StepError
		switch {
		case errors.Is(out.Err, orchestrator.ErrCancelled):
			a.logger.Warn("Pipeline cancelled", "pipeline_id", out.PipelineID)
		case errors.As(out.Err, &stepErr):
			a.logger.Error("Pipeline failed - resume from checkpoint once the cause is fixed",
				"pipeline_id", out.PipelineID,
				"step", stepErr.Step,
				"kind", stepErr.Kind.String(),
				"resume_command", "reelforge resume "+out.PipelineID)
		default:
			a.logger.Error("Pipeline failed", "pipeline_id", out.PipelineID, "error", out.Err)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d pipelines failed: %s", len(failed), len(outcomes), strings.Join(failed, ", "))
	}
	a.logger.Info("All done!", "pipelines", len(outcomes))
	return nil
}
