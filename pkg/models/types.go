package models

import "time"

// StepName identifies one stage of the pipeline
type StepName string

const (
	StepExtraction StepName = "extraction"
	StepTitles     StepName = "titles"
	StepPremises   StepName = "premises"
	StepScripts    StepName = "scripts"
	StepTTS        StepName = "tts"
	StepImages     StepName = "images"
	StepVideo      StepName = "video"
)

// CanonicalSteps is the fixed step order every run follows
var CanonicalSteps = []StepName{
	StepExtraction,
	StepTitles,
	StepPremises,
	StepScripts,
	StepTTS,
	StepImages,
	StepVideo,
}

// IsValid reports whether s is one of the canonical steps
func (s StepName) IsValid() bool {
	return StepIndex(s) >= 0
}

// StepIndex returns the canonical position of s, or -1
func StepIndex(s StepName) int {
	for i, step := range CanonicalSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer make progress by itself
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunConfig is the configuration a run was launched with. It is persisted in
// the checkpoint and never changes after the run starts.
type RunConfig struct {
	Topic       string `json:"topic"`
	SourcePath  string `json:"source_path,omitempty"`
	Language    string `json:"language,omitempty"`
	Title       string `json:"title,omitempty"`   // Used when the titles step is disabled
	TitleIndex  int    `json:"title_index"`       // Which generated title premises build on
	Premise     string `json:"premise,omitempty"` // Used when the premises step is disabled
	NumTitles   int    `json:"num_titles"`
	NumPremises int    `json:"num_premises"`
	Voice       string `json:"voice,omitempty"`
	ImageStyle  string `json:"image_style,omitempty"`
	OutputDir   string `json:"output_dir"`

	Steps     []StepName          `json:"steps"`
	Enabled   map[StepName]bool   `json:"enabled,omitempty"`   // Missing entries mean enabled
	Providers map[StepName]string `json:"providers,omitempty"` // Step -> provider name
}

// IsEnabled reports whether a step should actually execute
func (c RunConfig) IsEnabled(step StepName) bool {
	enabled, ok := c.Enabled[step]
	return !ok || enabled
}

// ProviderFor returns the provider configured for a step
func (c RunConfig) ProviderFor(step StepName) string {
	return c.Providers[step]
}

// StepOrder returns the run's step order, defaulting to the canonical order
func (c RunConfig) StepOrder() []StepName {
	if len(c.Steps) == 0 {
		return CanonicalSteps
	}
	return c.Steps
}

// PipelineRun is the in-memory state of one run
type PipelineRun struct {
	PipelineID     string
	Config         RunConfig
	Status         RunStatus
	CurrentStep    StepName
	CompletedSteps []StepName
	Results        Results
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            error
}

// Steps returns the ordered step list for the run
func (r *PipelineRun) Steps() []StepName {
	return r.Config.StepOrder()
}

// Snapshot returns a copy that is safe to hand to other goroutines
func (r *PipelineRun) Snapshot() PipelineRun {
	cp := *r
	cp.CompletedSteps = append([]StepName(nil), r.CompletedSteps...)
	cp.Results = make(Results, len(r.Results))
	for k, v := range r.Results {
		cp.Results[k] = v
	}
	return cp
}
