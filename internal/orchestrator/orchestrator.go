package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/reelforge/internal/checkpoint"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/metrics"
	"github.com/lamim/reelforge/internal/steps"
	"github.com/lamim/reelforge/pkg/models"
)

var (
	// ErrUnknownRun means there is neither an active run nor a checkpoint for the ID
	ErrUnknownRun = errors.New("unknown pipeline run")
	// ErrRunActive means the pipeline ID is already executing in this process
	ErrRunActive = errors.New("pipeline run already active")
	// ErrCancelled is returned by a run that observed a cancel request
	ErrCancelled = errors.New("pipeline run cancelled")
	// ErrRunFinished means the run already reached a terminal status
	ErrRunFinished = errors.New("pipeline run already finished")
)

// Options configures an Orchestrator
type Options struct {
	Metrics *metrics.Collector
	// Concurrency bounds RunBatch (1 if zero)
	Concurrency  int
	ShowProgress bool
	Now          func() time.Time
}

// Orchestrator drives pipeline runs step by step, checkpointing after every
// step. Steps of one run are sequential; distinct runs may execute
// concurrently and share every injected dependency.
type Orchestrator struct {
	store     *checkpoint.Store
	executors map[models.StepName]steps.Executor
	logger    *slog.Logger
	metrics   *metrics.Collector
	opts      Options

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	id              string
	mu              sync.Mutex
	run             *models.PipelineRun // nil while the checkpoint is being loaded
	cancelRequested atomic.Bool
}

func (a *activeRun) snapshot() models.PipelineRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return models.PipelineRun{PipelineID: a.id, Status: models.StatusPending}
	}
	return a.run.Snapshot()
}

// New creates a new orchestrator
func New(store *checkpoint.Store, executors map[models.StepName]steps.Executor, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:     store,
		executors: executors,
		logger:    logger,
		metrics:   opts.Metrics,
		opts:      opts,
		runs:      make(map[string]*activeRun),
	}
}

// Run starts pipeline id with cfg, or continues it from its checkpoint when
// one exists and is still valid. A resumed run keeps the configuration it
// was started with.
func (o *Orchestrator) Run(ctx context.Context, id string, cfg models.RunConfig) (models.PipelineRun, error) {
	return o.start(ctx, id, &cfg)
}

// Resume continues pipeline id from its checkpoint
func (o *Orchestrator) Resume(ctx context.Context, id string) (models.PipelineRun, error) {
	return o.start(ctx, id, nil)
}

func (o *Orchestrator) start(ctx context.Context, id string, cfg *models.RunConfig) (models.PipelineRun, error) {
	if _, err := o.store.Path(id); err != nil {
		return models.PipelineRun{PipelineID: id, Status: models.StatusFailed, Err: err}, err
	}

	ar := &activeRun{id: id}
	o.mu.Lock()
	if _, busy := o.runs[id]; busy {
		o.mu.Unlock()
		return models.PipelineRun{PipelineID: id}, fmt.Errorf("pipeline %s: %w", id, ErrRunActive)
	}
	o.runs[id] = ar
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
	}()

	run, err := o.prepare(id, cfg)
	if err != nil {
		return models.PipelineRun{PipelineID: id, Status: models.StatusFailed, Err: err}, err
	}
	ar.mu.Lock()
	ar.run = run
	ar.mu.Unlock()

	return o.execute(ctx, ar)
}

// prepare builds the run state from a valid checkpoint, a checkpoint
// truncated before a step whose artifact disappeared, or from scratch
func (o *Orchestrator) prepare(id string, cfg *models.RunConfig) (*models.PipelineRun, error) {
	logger := o.logger.With("pipeline_id", id)

	cp, found, err := o.store.Load(id)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		logger.Warn("Discarding unreadable checkpoint, starting fresh", "error", err)
		found = false
	}

	if found {
		verr := o.store.Validate(id, cp)
		var ae *checkpoint.ArtifactError
		if errors.As(verr, &ae) {
			logger.Warn("Artifact missing, re-running from its producing step",
				"step", ae.Step,
				"path", ae.Path)
			checkpoint.TruncateBefore(cp, ae.Step)
			verr = o.store.Validate(id, cp)
		}

		if verr == nil {
			logger.Info("Resuming from checkpoint",
				"completed_steps", len(cp.CompletedSteps),
				"progress", fmt.Sprintf("%.0f%%", checkpoint.ProgressPercentage(cp)))
			return &models.PipelineRun{
				PipelineID:     id,
				Config:         cp.Config,
				Status:         models.StatusPending,
				CurrentStep:    cp.CurrentStep,
				CompletedSteps: cp.CompletedSteps,
				Results:        cp.Results,
			}, nil
		}

		if cfg == nil {
			return nil, fmt.Errorf("checkpoint cannot be resumed: %w", verr)
		}
		logger.Warn("Checkpoint invalid, starting fresh", "error", verr)
	}

	if cfg == nil {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrUnknownRun)
	}
	if err := checkpoint.ValidateOrder(cfg.StepOrder()); err != nil {
		return nil, errs.Validation("orchestrator.run", err)
	}

	return &models.PipelineRun{
		PipelineID:     id,
		Config:         *cfg,
		Status:         models.StatusPending,
		CompletedSteps: []models.StepName{},
		Results:        models.Results{},
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, ar *activeRun) (models.PipelineRun, error) {
	run := ar.run
	id := run.PipelineID
	logger := o.logger.With("pipeline_id", id)
	order := run.Steps()

	ar.mu.Lock()
	run.Status = models.StatusRunning
	run.StartedAt = o.opts.Now()
	ar.mu.Unlock()

	o.metrics.RunStarted()
	defer func() { o.metrics.RunFinished(string(run.Status)) }()

	var bar *progressbar.ProgressBar
	if o.opts.ShowProgress {
		bar = progressbar.Default(int64(len(order)), "Pipeline "+id)
		_ = bar.Set(len(run.CompletedSteps))
		defer func() { _ = bar.Finish() }()
	}

	logger.Info("Starting pipeline run",
		"steps", len(order),
		"completed", len(run.CompletedSteps),
		"topic", run.Config.Topic)

	for {
		if ar.cancelRequested.Load() {
			return o.cancelled(ar)
		}

		next, ok := checkpoint.NextStepIn(order, run.CompletedSteps)
		if !ok {
			return o.completed(ar)
		}

		ar.mu.Lock()
		run.CurrentStep = next
		ar.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return o.failed(ar, next, errs.Transient("orchestrator.run", err))
		}

		// Persist the step about to run so an interrupted process can be resumed
		if err := o.save(run); err != nil {
			return o.failed(ar, next, errs.Fatal("orchestrator.save", err))
		}

		stepLogger := logger.With("step", next)
		start := time.Now()

		var (
			res models.StepResult
			err error
		)
		if !run.Config.IsEnabled(next) {
			stepLogger.Info("Step disabled, recording empty result")
			res, err = models.EmptyResult(next)
		} else {
			exec, found := o.executors[next]
			if !found {
				err = errs.Fatal("orchestrator.run", fmt.Errorf("no executor registered for step %s", next))
			} else {
				stepLogger.Info("Executing step")
				prev := ar.snapshot().Results
				res, err = exec.Execute(ctx, prev, run.Config)
			}
		}

		if err != nil {
			o.metrics.RecordStep(string(next), "failed", time.Since(start))
			return o.failed(ar, next, err)
		}

		ar.mu.Lock()
		run.CompletedSteps = append(run.CompletedSteps, next)
		run.Results[next] = res
		if following, more := checkpoint.NextStepIn(order, run.CompletedSteps); more {
			run.CurrentStep = following
		} else {
			run.CurrentStep = ""
		}
		ar.mu.Unlock()

		if err := o.save(run); err != nil {
			return o.failed(ar, next, errs.Fatal("orchestrator.save", err))
		}

		o.metrics.RecordStep(string(next), "completed", time.Since(start))
		stepLogger.Info("Step completed",
			"duration", time.Since(start).Round(time.Millisecond),
			"completed", len(run.CompletedSteps),
			"total", len(order))

		if bar != nil {
			_ = bar.Add(1)
		}
	}
}

func (o *Orchestrator) save(run *models.PipelineRun) error {
	return o.store.Save(models.NewCheckpoint(run, o.opts.Now()))
}

func (o *Orchestrator) completed(ar *activeRun) (models.PipelineRun, error) {
	run := ar.run
	ar.mu.Lock()
	run.Status = models.StatusCompleted
	run.CurrentStep = ""
	run.FinishedAt = o.opts.Now()
	ar.mu.Unlock()

	if err := o.store.Delete(run.PipelineID); err != nil {
		o.logger.Warn("Failed to delete checkpoint of completed run",
			"pipeline_id", run.PipelineID,
			"error", err)
	}

	o.logger.Info("Pipeline run completed",
		"pipeline_id", run.PipelineID,
		"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return ar.snapshot(), nil
}

func (o *Orchestrator) cancelled(ar *activeRun) (models.PipelineRun, error) {
	run := ar.run
	ar.mu.Lock()
	run.Status = models.StatusCancelled
	run.FinishedAt = o.opts.Now()
	run.Err = ErrCancelled
	ar.mu.Unlock()

	if err := o.store.Delete(run.PipelineID); err != nil {
		o.logger.Warn("Failed to delete checkpoint of cancelled run",
			"pipeline_id", run.PipelineID,
			"error", err)
	}

	o.logger.Info("Pipeline run cancelled",
		"pipeline_id", run.PipelineID,
		"completed_steps", len(run.CompletedSteps))
	return ar.snapshot(), fmt.Errorf("pipeline %s: %w", run.PipelineID, ErrCancelled)
}

// failed keeps the checkpoint so the run can be resumed once the cause
// (quota, outage, interrupted process) is gone
func (o *Orchestrator) failed(ar *activeRun, step models.StepName, cause error) (models.PipelineRun, error) {
	run := ar.run
	stepErr := &errs.StepError{
		PipelineID: run.PipelineID,
		Step:       string(step),
		Kind:       errs.KindOf(cause),
		Err:        cause,
	}

	ar.mu.Lock()
	run.Status = models.StatusFailed
	run.CurrentStep = step
	run.FinishedAt = o.opts.Now()
	run.Err = stepErr
	ar.mu.Unlock()

	if err := o.save(run); err != nil {
		o.logger.Error("Failed to save checkpoint of failed run",
			"pipeline_id", run.PipelineID,
			"error", err)
	}

	o.logger.Error("Pipeline run failed",
		"pipeline_id", run.PipelineID,
		"step", step,
		"kind", stepErr.Kind.String(),
		"completed_steps", len(run.CompletedSteps),
		"error", cause)
	return ar.snapshot(), stepErr
}

// Cancel stops an active run at its next step boundary, or discards the
// checkpoint of a suspended one
func (o *Orchestrator) Cancel(id string) error {
	if _, err := o.store.Path(id); err != nil {
		return err
	}

	o.mu.Lock()
	ar, active := o.runs[id]
	o.mu.Unlock()

	if active {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		if ar.run != nil && ar.run.Status.IsTerminal() {
			return fmt.Errorf("pipeline %s is %s: %w", id, ar.run.Status, ErrRunFinished)
		}
		ar.cancelRequested.Store(true)
		o.logger.Info("Cancel requested", "pipeline_id", id)
		return nil
	}

	if !o.store.Exists(id) {
		return fmt.Errorf("pipeline %s: %w", id, ErrUnknownRun)
	}
	if err := o.store.Delete(id); err != nil {
		return err
	}
	o.logger.Info("Suspended run discarded", "pipeline_id", id)
	return nil
}

// Status reports an active run, or the state recorded in its checkpoint
func (o *Orchestrator) Status(id string) (models.PipelineRun, error) {
	o.mu.Lock()
	ar, active := o.runs[id]
	o.mu.Unlock()
	if active {
		return ar.snapshot(), nil
	}

	cp, found, err := o.store.Load(id)
	if err != nil {
		return models.PipelineRun{}, err
	}
	if !found {
		return models.PipelineRun{}, fmt.Errorf("pipeline %s: %w", id, ErrUnknownRun)
	}

	status := cp.Status
	if status == "" || status == models.StatusRunning {
		// The process that wrote it is gone
		status = models.StatusPending
	}
	return models.PipelineRun{
		PipelineID:     cp.PipelineID,
		Config:         cp.Config,
		Status:         status,
		CurrentStep:    cp.CurrentStep,
		CompletedSteps: cp.CompletedSteps,
		Results:        cp.Results,
	}, nil
}

// Active lists the IDs of runs executing in this process
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}
