package models

import "time"

// CheckpointVersion is the schema version written into every checkpoint file
const CheckpointVersion = "1.0"

// Checkpoint is a point-in-time snapshot of a pipeline run
type Checkpoint struct {
	PipelineID     string     `json:"pipeline_id"`
	Timestamp      time.Time  `json:"timestamp"`
	CurrentStep    StepName   `json:"current_step"`
	CompletedSteps []StepName `json:"completed_steps"`
	Results        Results    `json:"results"`
	Config         RunConfig  `json:"config"`
	Status         RunStatus  `json:"status,omitempty"` // Informational; resume ignores it
	Version        string     `json:"version"`
}

// CheckpointInfo describes a checkpoint file on disk
type CheckpointInfo struct {
	PipelineID     string
	Path           string
	Status         RunStatus
	CurrentStep    StepName
	CompletedSteps int
	TotalSteps     int
	Timestamp      time.Time
	ModTime        time.Time
	Size           int64
	Err            error // Set when the file exists but could not be decoded
}

// NewCheckpoint snapshots a run
func NewCheckpoint(run *PipelineRun, now time.Time) *Checkpoint {
	completed := make([]StepName, len(run.CompletedSteps))
	copy(completed, run.CompletedSteps)

	results := make(Results, len(run.Results))
	for k, v := range run.Results {
		results[k] = v
	}

	return &Checkpoint{
		PipelineID:     run.PipelineID,
		Timestamp:      now.UTC(),
		CurrentStep:    run.CurrentStep,
		CompletedSteps: completed,
		Results:        results,
		Config:         run.Config,
		Status:         run.Status,
		Version:        CheckpointVersion,
	}
}
