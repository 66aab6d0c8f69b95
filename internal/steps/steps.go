// Package steps implements one executor per pipeline step. Every provider
// call goes through the gateway, so executors only build requests, parse
// responses and write artifacts.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lamim/reelforge/internal/api"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/gateway"
	"github.com/lamim/reelforge/pkg/models"
)

// Executor runs one step against the results of the steps before it
type Executor interface {
	Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	return f(ctx, prev, cfg)
}

// Prompts are the text templates for the text steps
type Prompts struct {
	System     string
	Extraction string
	Titles     string
	Premises   string
	Scripts    string
}

// Generation holds model parameters shared by the text steps
type Generation struct {
	Temperature   float64
	MaxTokens     int
	FrameDuration float64 // Seconds per image when there is no narration
	MaxSourceLen  int     // Source material is truncated to this many runes
}

// Env is everything the executors share. Providers are looked up by the
// name the run configuration assigns to each step.
type Env struct {
	Gateway    *gateway.Gateway
	Text       map[string]api.TextGenerator
	Speech     map[string]api.Speaker
	Images     map[string]api.Painter
	Renderer   Renderer
	Prompts    Prompts
	Generation Generation
	Logger     *slog.Logger
}

// NewExecutors builds the executor for every canonical step
func NewExecutors(env *Env) map[models.StepName]Executor {
	if env.Generation.MaxSourceLen <= 0 {
		env.Generation.MaxSourceLen = 20000
	}
	if env.Generation.FrameDuration <= 0 {
		env.Generation.FrameDuration = 4
	}
	return map[models.StepName]Executor{
		models.StepExtraction: &extractionStep{env: env},
		models.StepTitles:     &titlesStep{env: env},
		models.StepPremises:   &premisesStep{env: env},
		models.StepScripts:    &scriptsStep{env: env},
		models.StepTTS:        &ttsStep{env: env},
		models.StepImages:     &imagesStep{env: env},
		models.StepVideo:      &videoStep{env: env},
	}
}

func (e *Env) textProvider(step models.StepName, cfg models.RunConfig) (string, api.TextGenerator, error) {
	name := cfg.ProviderFor(step)
	gen, ok := e.Text[name]
	if !ok {
		return "", nil, errs.Fatal("steps."+string(step), fmt.Errorf("no text provider %q configured", name))
	}
	return name, gen, nil
}

func (e *Env) speechProvider(cfg models.RunConfig) (string, api.Speaker, error) {
	name := cfg.ProviderFor(models.StepTTS)
	sp, ok := e.Speech[name]
	if !ok {
		return "", nil, errs.Fatal("steps.tts", fmt.Errorf("no speech provider %q configured", name))
	}
	return name, sp, nil
}

func (e *Env) imageProvider(cfg models.RunConfig) (string, api.Painter, error) {
	name := cfg.ProviderFor(models.StepImages)
	p, ok := e.Images[name]
	if !ok {
		return "", nil, errs.Fatal("steps.images", fmt.Errorf("no image provider %q configured", name))
	}
	return name, p, nil
}

// writeFileAtomic writes data to path through a temp file in the same
// directory so a crash never leaves a truncated artifact behind
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// nonEmptyFile reports whether path exists and has content
func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
