package steps

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lamim/reelforge/internal/api"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/gateway"
	"github.com/lamim/reelforge/internal/util"
	"github.com/lamim/reelforge/pkg/models"
)

// textParams is the cache identity of a text request
type textParams struct {
	Model       string  `json:"model"`
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// generateJSON renders tmpl, asks the step's provider for JSON and decodes
// the answer with parse. parse also guards the cache: a response it rejects
// is never stored.
func (e *Env) generateJSON(ctx context.Context, step models.StepName, cfg models.RunConfig, tmpl string, data map[string]interface{}, parse func(string) error) error {
	op := "steps." + string(step)

	prompt, err := util.RenderTemplate(tmpl, data)
	if err != nil {
		return errs.Fatal(op, fmt.Errorf("failed to render %s prompt: %w", step, err))
	}

	provider, gen, err := e.textProvider(step, cfg)
	if err != nil {
		return err
	}

	req := api.TextRequest{
		System:      e.Prompts.System,
		Prompt:      prompt,
		Temperature: e.Generation.Temperature,
		MaxTokens:   e.Generation.MaxTokens,
		JSON:        true,
	}

	raw, err := e.Gateway.Do(ctx, gateway.Call{
		Provider: provider,
		Endpoint: "text/" + gen.Model(),
		Params: textParams{
			Model:       gen.Model(),
			System:      req.System,
			Prompt:      req.Prompt,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
		Cacheable: true,
		Validate:  func(b []byte) error { return parse(string(b)) },
	}, func(ctx context.Context, apiKey string) ([]byte, error) {
		text, err := gen.GenerateText(ctx, apiKey, req)
		if err != nil {
			return nil, err
		}
		return []byte(text), nil
	})
	if err != nil {
		return err
	}

	// Cached responses skip the gateway's validation
	if err := parse(string(raw)); err != nil {
		return errs.Validation(op, err)
	}
	return nil
}

type extractionStep struct {
	env *Env
}

func (s *extractionStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.extraction"

	source := ""
	if cfg.SourcePath != "" {
		data, err := os.ReadFile(cfg.SourcePath)
		if err != nil {
			return nil, errs.Validation(op, fmt.Errorf("failed to read source: %w", err))
		}
		source = util.TruncateString(strings.TrimSpace(string(data)), s.env.Generation.MaxSourceLen)
	}
	if source == "" && cfg.Topic == "" {
		return nil, errs.Validationf(op, "run has neither a topic nor source material")
	}

	var out models.ExtractionResult
	err := s.env.generateJSON(ctx, models.StepExtraction, cfg, s.env.Prompts.Extraction, map[string]interface{}{
		"Topic":    cfg.Topic,
		"Source":   source,
		"Language": cfg.Language,
	}, func(raw string) error {
		var r models.ExtractionResult
		if err := util.DecodeJSON(raw, &r); err != nil {
			return err
		}
		r.Summary = strings.TrimSpace(r.Summary)
		if r.Summary == "" {
			return fmt.Errorf("extraction returned an empty summary")
		}
		points, err := util.ValidateStringArray(r.KeyPoints, 0, "key points")
		if err != nil {
			return err
		}
		r.KeyPoints = points
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type titlesStep struct {
	env *Env
}

func (s *titlesStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.titles"

	if cfg.Topic == "" {
		return nil, errs.Validationf(op, "topic is required")
	}
	num := max(cfg.NumTitles, 1)

	data := map[string]interface{}{
		"Topic":     cfg.Topic,
		"NumTitles": num,
		"Language":  cfg.Language,
		"Summary":   "",
		"KeyPoints": []string(nil),
	}
	if ex, ok := prev.Extraction(); ok {
		data["Summary"] = ex.Summary
		data["KeyPoints"] = ex.KeyPoints
	}

	var out models.TitlesResult
	err := s.env.generateJSON(ctx, models.StepTitles, cfg, s.env.Prompts.Titles, data, func(raw string) error {
		var r struct {
			Titles []string `json:"titles"`
		}
		if err := util.DecodeJSON(raw, &r); err != nil {
			return err
		}
		titles, err := util.ValidateStringArray(r.Titles, 1, "titles")
		if err != nil {
			return err
		}
		if len(titles) > num {
			titles = titles[:num]
		}
		out = models.TitlesResult{Titles: titles}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// chooseTitle picks the generated title at TitleIndex, falling back to the
// configured title when the titles step was disabled
func chooseTitle(op string, prev models.Results, cfg models.RunConfig) (string, error) {
	if tr, ok := prev.Titles(); ok && len(tr.Titles) > 0 {
		if cfg.TitleIndex < 0 || cfg.TitleIndex >= len(tr.Titles) {
			return "", errs.Validationf(op, "title_index %d out of range for %d titles", cfg.TitleIndex, len(tr.Titles))
		}
		return tr.Titles[cfg.TitleIndex], nil
	}
	if cfg.Title != "" {
		return cfg.Title, nil
	}
	return "", errs.Validationf(op, "no generated titles and no configured title")
}

type premisesStep struct {
	env *Env
}

func (s *premisesStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.premises"

	title, err := chooseTitle(op, prev, cfg)
	if err != nil {
		return nil, err
	}
	num := max(cfg.NumPremises, 1)

	summary := ""
	if ex, ok := prev.Extraction(); ok {
		summary = ex.Summary
	}

	var out models.PremisesResult
	err = s.env.generateJSON(ctx, models.StepPremises, cfg, s.env.Prompts.Premises, map[string]interface{}{
		"Title":       title,
		"Topic":       cfg.Topic,
		"Summary":     summary,
		"NumPremises": num,
		"Language":    cfg.Language,
	}, func(raw string) error {
		var r struct {
			Premises []string `json:"premises"`
		}
		if err := util.DecodeJSON(raw, &r); err != nil {
			return err
		}
		premises, err := util.ValidateStringArray(r.Premises, 1, "premises")
		if err != nil {
			return err
		}
		if len(premises) > num {
			premises = premises[:num]
		}
		out = models.PremisesResult{Title: title, Premises: premises}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type scriptsStep struct {
	env *Env
}

func (s *scriptsStep) Execute(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
	const op = "steps.scripts"

	var title, premise string
	if pr, ok := prev.Premises(); ok && len(pr.Premises) > 0 {
		title, premise = pr.Title, pr.Premises[0]
	} else {
		if cfg.Premise == "" {
			return nil, errs.Validationf(op, "no generated premises and no configured premise")
		}
		premise = cfg.Premise
		t, err := chooseTitle(op, prev, cfg)
		if err != nil {
			t = cfg.Topic
		}
		title = t
	}

	var out models.ScriptsResult
	err := s.env.generateJSON(ctx, models.StepScripts, cfg, s.env.Prompts.Scripts, map[string]interface{}{
		"Title":      title,
		"Premise":    premise,
		"Topic":      cfg.Topic,
		"ImageStyle": cfg.ImageStyle,
		"Language":   cfg.Language,
	}, func(raw string) error {
		var r struct {
			Script string         `json:"script"`
			Scenes []models.Scene `json:"scenes"`
		}
		if err := util.DecodeJSON(raw, &r); err != nil {
			return err
		}

		scenes := make([]models.Scene, 0, len(r.Scenes))
		for _, sc := range r.Scenes {
			sc.Narration = util.CleanNarration(sc.Narration)
			sc.ImagePrompt = strings.TrimSpace(sc.ImagePrompt)
			if sc.Narration == "" {
				continue
			}
			if sc.ImagePrompt == "" {
				sc.ImagePrompt = sc.Narration
			}
			scenes = append(scenes, sc)
		}

		script := util.CleanNarration(r.Script)
		if len(scenes) == 0 {
			if script == "" {
				return fmt.Errorf("script response has no narration")
			}
			scenes = []models.Scene{{Narration: script, ImagePrompt: title}}
		}

		out = models.ScriptsResult{Title: title, Premise: premise, Script: script, Scenes: scenes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
