package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lamim/reelforge/pkg/models"
)

// Request is one pipeline of a batch
type Request struct {
	PipelineID string
	Config     models.RunConfig
	// Resume continues from the checkpoint and ignores Config
	Resume bool
}

// Outcome is the result of one batch request
type Outcome struct {
	PipelineID string
	Run        models.PipelineRun
	Err        error
	Duration   time.Duration
}

type batchJob struct {
	index int
	req   Request
}

// RunBatch executes every request with at most Options.Concurrency runs in
// flight. Outcomes come back in request order.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	jobs := make(chan batchJob)

	workers := min(o.opts.Concurrency, len(reqs))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, i, jobs, outcomes, &wg)
	}

	for i, req := range reqs {
		jobs <- batchJob{index: i, req: req}
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func (o *Orchestrator) worker(ctx context.Context, workerID int, jobs <-chan batchJob, outcomes []Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	workerLogger := o.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	for job := range jobs {
		startTime := time.Now()

		var (
			run models.PipelineRun
			err error
		)
		if job.req.Resume {
			run, err = o.Resume(ctx, job.req.PipelineID)
		} else {
			run, err = o.Run(ctx, job.req.PipelineID, job.req.Config)
		}

		// Each worker writes only its own indexes
		outcomes[job.index] = Outcome{
			PipelineID: job.req.PipelineID,
			Run:        run,
			Err:        err,
			Duration:   time.Since(startTime),
		}
	}

	workerLogger.Debug("Worker finished")
}
