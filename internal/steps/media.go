package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/gateway"
	"github.com/lamim/reelforge/internal/util"
	"github.com/lamim/reelforge/pkg/models"
)

type ttsStep struct {
	env *Env
}

func (s *ttsStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.tts"

	sr, ok := prev.Scripts()
	if !ok {
		return nil, errs.Validationf(op, "no script to narrate")
	}
	narration := util.CleanNarration(sr.Narration())
	if narration == "" {
		return nil, errs.Validationf(op, "script has no narration")
	}
	if cfg.OutputDir == "" {
		return nil, errs.Fatal(op, fmt.Errorf("run has no output directory"))
	}

	provider, speaker, err := s.env.speechProvider(cfg)
	if err != nil {
		return nil, err
	}

	audio, err := s.env.Gateway.Do(ctx, gateway.Call{
		Provider: provider,
		Endpoint: "speech/" + speaker.Model(),
	}, func(ctx context.Context, apiKey string) ([]byte, error) {
		return speaker.Speak(ctx, apiKey, narration, cfg.Voice)
	})
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.OutputDir, "audio", "narration."+speaker.Format())
	if err := writeFileAtomic(path, audio); err != nil {
		return nil, errs.Fatal(op, err)
	}

	s.env.Logger.Info("Narration synthesized",
		"path", path,
		"bytes", len(audio),
		"voice", cfg.Voice)

	return models.TTSResult{AudioFilePath: path, Voice: cfg.Voice}, nil
}

type imagesStep struct {
	env *Env
}

func (s *imagesStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.images"

	sr, ok := prev.Scripts()
	if !ok || len(sr.Scenes) == 0 {
		return nil, errs.Validationf(op, "no scenes to illustrate")
	}
	if cfg.OutputDir == "" {
		return nil, errs.Fatal(op, fmt.Errorf("run has no output directory"))
	}

	provider, painter, err := s.env.imageProvider(cfg)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(sr.Scenes))
	for i, scene := range sr.Scenes {
		prompt := imagePrompt(scene, cfg.ImageStyle)
		path := filepath.Join(cfg.OutputDir, "images", sceneImageName(i+1, prompt))

		// Images from an interrupted attempt are kept; a different prompt
		// never matches an old file
		if nonEmptyFile(path) {
			s.env.Logger.Debug("Reusing scene image", "scene", i+1, "path", path)
			paths = append(paths, path)
			continue
		}

		img, err := s.env.Gateway.Do(ctx, gateway.Call{
			Provider: provider,
			Endpoint: "images/" + painter.Model(),
		}, func(ctx context.Context, apiKey string) ([]byte, error) {
			return painter.Paint(ctx, apiKey, prompt)
		})
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i+1, err)
		}

		if err := writeFileAtomic(path, img); err != nil {
			return nil, errs.Fatal(op, err)
		}
		paths = append(paths, path)

		s.env.Logger.Debug("Scene image generated", "scene", i+1, "path", path, "bytes", len(img))
	}

	s.env.Logger.Info("Scene images ready", "count", len(paths))
	return models.ImagesResult{ImagePaths: paths}, nil
}

// sceneImageName ties an image file to the prompt that produced it
func sceneImageName(index int, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("scene_%03d_%s.png", index, hex.EncodeToString(sum[:4]))
}

func imagePrompt(scene models.Scene, style string) string {
	prompt := strings.TrimSpace(scene.ImagePrompt)
	if prompt == "" {
		prompt = scene.Narration
	}
	if style != "" && !strings.Contains(strings.ToLower(prompt), strings.ToLower(style)) {
		prompt += ". Style: " + style
	}
	return prompt + ". Vertical 9:16 composition, no text."
}
