package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/pkg/models"
)

func TestNextStep(t *testing.T) {
	tests := []struct {
		name      string
		completed []models.StepName
		want      models.StepName
		wantOK    bool
	}{
		{"empty", nil, models.StepExtraction, true},
		{"after titles", []models.StepName{models.StepExtraction, models.StepTitles}, models.StepPremises, true},
		{"gap", []models.StepName{models.StepExtraction, models.StepPremises}, models.StepTitles, true},
		{"all done", models.CanonicalSteps, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStep(tt.completed)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NextStep(%v) = %q, %v; want %q, %v", tt.completed, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNextStepIn(t *testing.T) {
	order := []models.StepName{models.StepTitles, models.StepPremises, models.StepScripts}

	got, ok := NextStepIn(order, []models.StepName{models.StepTitles})
	if !ok || got != models.StepPremises {
		t.Errorf("got %q, %v", got, ok)
	}
	if _, ok := NextStepIn(order, order); ok {
		t.Error("expected no next step")
	}
}

func TestValidateAcceptsConsistentCheckpoint(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())
	if err := store.Validate("run1", sampleCheckpoint("run1")); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger())

	tests := []struct {
		name   string
		mutate func(cp *models.Checkpoint)
	}{
		{"id mismatch", func(cp *models.Checkpoint) { cp.PipelineID = "other" }},
		{"version", func(cp *models.Checkpoint) { cp.Version = "0.9" }},
		{"not a prefix", func(cp *models.Checkpoint) {
			cp.CompletedSteps = []models.StepName{models.StepTitles, models.StepExtraction}
		}},
		{"missing result", func(cp *models.Checkpoint) { delete(cp.Results, models.StepTitles) }},
		{"extra result", func(cp *models.Checkpoint) {
			cp.Results[models.StepScripts] = models.ScriptsResult{}
		}},
		{"result under wrong step", func(cp *models.Checkpoint) {
			cp.Results[models.StepTitles] = models.PremisesResult{}
		}},
		{"unknown step in order", func(cp *models.Checkpoint) {
			cp.Config.Steps = []models.StepName{"extraction", "dance"}
		}},
		{"order not canonical", func(cp *models.Checkpoint) {
			cp.Config.Steps = []models.StepName{models.StepTitles, models.StepExtraction}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := sampleCheckpoint("run1")
			tt.mutate(cp)
			err := store.Validate("run1", cp)
			if err == nil {
				t.Fatal("expected validation failure")
			}
			if !errs.Is(err, errs.KindValidation) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestValidateMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger())

	audio := filepath.Join(dir, "narration.mp3")
	if err := os.WriteFile(audio, []byte("ID3"), 0644); err != nil {
		t.Fatal(err)
	}

	cp := sampleCheckpoint("run1")
	cp.CompletedSteps = append(cp.CompletedSteps, models.StepPremises, models.StepScripts, models.StepTTS)
	cp.Results[models.StepPremises] = models.PremisesResult{Title: "One", Premises: []string{"p"}}
	cp.Results[models.StepScripts] = models.ScriptsResult{Script: "x"}
	cp.Results[models.StepTTS] = models.TTSResult{AudioFilePath: audio}

	if err := store.Validate("run1", cp); err != nil {
		t.Fatalf("Validate with artifact present failed: %v", err)
	}

	if err := os.Remove(audio); err != nil {
		t.Fatal(err)
	}

	err := store.Validate("run1", cp)
	if err == nil {
		t.Fatal("expected failure after deleting the audio file")
	}
	var artErr *ArtifactError
	if !errors.As(err, &artErr) {
		t.Fatalf("expected *ArtifactError, got %v", err)
	}
	if artErr.Step != models.StepTTS || artErr.Path != audio {
		t.Errorf("ArtifactError = %+v", artErr)
	}
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation kind, got %v", err)
	}
}

func TestTruncateBefore(t *testing.T) {
	cp := sampleCheckpoint("run1")
	cp.CompletedSteps = append(cp.CompletedSteps, models.StepPremises)
	cp.Results[models.StepPremises] = models.PremisesResult{}

	TruncateBefore(cp, models.StepTitles)

	if len(cp.CompletedSteps) != 1 || cp.CompletedSteps[0] != models.StepExtraction {
		t.Errorf("CompletedSteps = %v", cp.CompletedSteps)
	}
	if len(cp.Results) != 1 {
		t.Errorf("Results = %v", cp.Results)
	}
	if cp.CurrentStep != models.StepTitles {
		t.Errorf("CurrentStep = %s", cp.CurrentStep)
	}
}

func TestProgressPercentage(t *testing.T) {
	cp := sampleCheckpoint("run1")
	cp.Config.Steps = []models.StepName{models.StepExtraction, models.StepTitles, models.StepPremises, models.StepScripts}
	if got := ProgressPercentage(cp); got != 50.0 {
		t.Errorf("ProgressPercentage = %v, want 50", got)
	}
}
