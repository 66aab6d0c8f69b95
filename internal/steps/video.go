package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/pkg/models"
)

// RenderRequest describes a slideshow video
type RenderRequest struct {
	Images []string
	// AudioPath is optional; without it every image is shown for FrameDuration
	AudioPath     string
	FrameDuration float64
	OutputPath    string
}

// Renderer assembles the final video
type Renderer interface {
	// Render writes req.OutputPath and returns the video duration in seconds
	Render(ctx context.Context, req RenderRequest) (float64, error)
}

type videoStep struct {
	env *Env
}

func (s *videoStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.video"

	if s.env.Renderer == nil {
		return nil, errs.Fatal(op, fmt.Errorf("no renderer configured"))
	}
	ir, ok := prev.Images()
	if !ok || len(ir.Artifacts()) == 0 {
		return nil, errs.Validationf(op, "no images to render")
	}
	if cfg.OutputDir == "" {
		return nil, errs.Fatal(op, fmt.Errorf("run has no output directory"))
	}

	req := RenderRequest{
		Images:        ir.Artifacts(),
		FrameDuration: s.env.Generation.FrameDuration,
		OutputPath:    filepath.Join(cfg.OutputDir, "video.mp4"),
	}
	if tr, ok := prev.TTS(); ok {
		req.AudioPath = tr.AudioFilePath
	}

	duration, err := s.env.Renderer.Render(ctx, req)
	if err != nil {
		return nil, err
	}

	s.env.Logger.Info("Video rendered",
		"path", req.OutputPath,
		"duration_seconds", duration,
		"images", len(req.Images),
		"narrated", req.AudioPath != "")

	return models.VideoResult{VideoPath: req.OutputPath, Duration: duration}, nil
}
