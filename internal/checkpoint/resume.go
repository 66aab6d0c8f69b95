package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/pkg/models"
)

// ArtifactError reports a file referenced by a completed step that is no
// longer on disk. The step that produced it has to run again.
type ArtifactError struct {
	Step models.StepName
	Path string
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s produced by step %s is missing", e.Path, e.Step)
}

// Validate checks that cp can seed a resume of pipeline id. A missing
// artifact yields an error wrapping *ArtifactError; every failure is of
// kind Validation.
func (s *Store) Validate(id string, cp *models.Checkpoint) error {
	const op = "checkpoint.validate"

	if cp == nil {
		return errs.Validationf(op, "checkpoint is nil")
	}
	if cp.PipelineID != id {
		return errs.Validationf(op, "checkpoint belongs to pipeline %q, not %q", cp.PipelineID, id)
	}
	if cp.Version != models.CheckpointVersion {
		return errs.Validationf(op, "unsupported checkpoint version %q", cp.Version)
	}

	order := cp.Config.StepOrder()
	if err := validateOrder(order); err != nil {
		return errs.Validation(op, err)
	}

	if len(cp.CompletedSteps) > len(order) {
		return errs.Validationf(op, "%d completed steps exceed the %d configured", len(cp.CompletedSteps), len(order))
	}
	for i, step := range cp.CompletedSteps {
		if order[i] != step {
			return errs.Validationf(op, "completed steps are not a prefix of the step order: position %d is %q, expected %q", i, step, order[i])
		}
	}

	if len(cp.Results) != len(cp.CompletedSteps) {
		return errs.Validationf(op, "%d results for %d completed steps", len(cp.Results), len(cp.CompletedSteps))
	}
	for _, step := range cp.CompletedSteps {
		res, ok := cp.Results[step]
		if !ok || res == nil {
			return errs.Validationf(op, "missing result for completed step %q", step)
		}
		if res.Step() != step {
			return errs.Validationf(op, "result stored under %q belongs to step %q", step, res.Step())
		}
	}

	for _, step := range cp.CompletedSteps {
		for _, path := range cp.Results[step].Artifacts() {
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return errs.Validation(op, &ArtifactError{Step: step, Path: path})
				}
				return errs.Validation(op, fmt.Errorf("failed to stat artifact %s: %w", path, err))
			}
		}
	}

	return nil
}

// validateOrder requires a non-empty, duplicate-free subsequence of the
// canonical order
func validateOrder(order []models.StepName) error {
	if len(order) == 0 {
		return fmt.Errorf("run has no steps")
	}
	last := -1
	for _, step := range order {
		idx := models.StepIndex(step)
		if idx < 0 {
			return fmt.Errorf("unknown step %q", step)
		}
		if idx <= last {
			return fmt.Errorf("step %q is out of canonical order", step)
		}
		last = idx
	}
	return nil
}

// ValidateOrder is exported for callers that build step lists from user input
func ValidateOrder(order []models.StepName) error {
	return validateOrder(order)
}

// NextStep returns the first canonical step not in completed
func NextStep(completed []models.StepName) (models.StepName, bool) {
	return NextStepIn(models.CanonicalSteps, completed)
}

// NextStepIn returns the first step of order not in completed
func NextStepIn(order, completed []models.StepName) (models.StepName, bool) {
	done := make(map[models.StepName]bool, len(completed))
	for _, s := range completed {
		done[s] = true
	}
	for _, s := range order {
		if !done[s] {
			return s, true
		}
	}
	return "", false
}

// TruncateBefore drops step and everything after it from the checkpoint so
// the run restarts at step
func TruncateBefore(cp *models.Checkpoint, step models.StepName) {
	for i, s := range cp.CompletedSteps {
		if s != step {
			continue
		}
		for _, dropped := range cp.CompletedSteps[i:] {
			delete(cp.Results, dropped)
		}
		cp.CompletedSteps = cp.CompletedSteps[:i]
		cp.CurrentStep = step
		return
	}
}

// ProgressPercentage returns the share of configured steps already completed
func ProgressPercentage(cp *models.Checkpoint) float64 {
	total := len(cp.Config.StepOrder())
	if total == 0 {
		return 0.0
	}
	return float64(len(cp.CompletedSteps)) / float64(total) * 100.0
}
