package models

import (
	"encoding/json"
	"fmt"
)

// StepResult is the output of one step. Each step kind has its own concrete
// type so validation can reason about produced artifacts without lookups by
// string key.
type StepResult interface {
	Step() StepName
	// Artifacts lists files on disk this result depends on
	Artifacts() []string
}

// ExtractionResult holds the facts pulled out of the source material
type ExtractionResult struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

func (ExtractionResult) Step() StepName      { return StepExtraction }
func (ExtractionResult) Artifacts() []string { return nil }

// TitlesResult holds candidate titles
type TitlesResult struct {
	Titles []string `json:"titles"`
}

func (TitlesResult) Step() StepName      { return StepTitles }
func (TitlesResult) Artifacts() []string { return nil }

// PremisesResult holds premises written for one title
type PremisesResult struct {
	Title    string   `json:"title"`
	Premises []string `json:"premises"`
}

func (PremisesResult) Step() StepName      { return StepPremises }
func (PremisesResult) Artifacts() []string { return nil }

// Scene is one narrated segment of a script
type Scene struct {
	Narration   string `json:"narration"`
	ImagePrompt string `json:"image_prompt"`
}

// ScriptsResult holds the full narration script
type ScriptsResult struct {
	Title   string  `json:"title"`
	Premise string  `json:"premise"`
	Script  string  `json:"script"`
	Scenes  []Scene `json:"scenes"`
}

func (ScriptsResult) Step() StepName      { return StepScripts }
func (ScriptsResult) Artifacts() []string { return nil }

// Narration joins every scene narration, falling back to the raw script
func (r ScriptsResult) Narration() string {
	if len(r.Scenes) == 0 {
		return r.Script
	}
	var out string
	for i, s := range r.Scenes {
		if i > 0 {
			out += "\n\n"
		}
		out += s.Narration
	}
	return out
}

// TTSResult points at the synthesized narration
type TTSResult struct {
	AudioFilePath string `json:"audio_file_path"`
	Voice         string `json:"voice,omitempty"`
}

func (TTSResult) Step() StepName { return StepTTS }
func (r TTSResult) Artifacts() []string {
	if r.AudioFilePath == "" {
		return nil
	}
	return []string{r.AudioFilePath}
}

// ImagesResult points at one image per scene
type ImagesResult struct {
	ImagePaths []string `json:"image_paths"`
}

func (ImagesResult) Step() StepName { return StepImages }
func (r ImagesResult) Artifacts() []string {
	out := make([]string, 0, len(r.ImagePaths))
	for _, p := range r.ImagePaths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// VideoResult points at the rendered video
type VideoResult struct {
	VideoPath string  `json:"video_path"`
	Duration  float64 `json:"duration_seconds,omitempty"`
}

func (VideoResult) Step() StepName { return StepVideo }
func (r VideoResult) Artifacts() []string {
	if r.VideoPath == "" {
		return nil
	}
	return []string{r.VideoPath}
}

// EmptyResult returns the zero result for a step, used for disabled steps
func EmptyResult(step StepName) (StepResult, error) {
	switch step {
	case StepExtraction:
		return ExtractionResult{}, nil
	case StepTitles:
		return TitlesResult{}, nil
	case StepPremises:
		return PremisesResult{}, nil
	case StepScripts:
		return ScriptsResult{}, nil
	case StepTTS:
		return TTSResult{}, nil
	case StepImages:
		return ImagesResult{}, nil
	case StepVideo:
		return VideoResult{}, nil
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

// DecodeResult decodes raw JSON into the concrete result type for step
func DecodeResult(step StepName, raw json.RawMessage) (StepResult, error) {
	var (
		res StepResult
		err error
	)
	switch step {
	case StepExtraction:
		var r ExtractionResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepTitles:
		var r TitlesResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepPremises:
		var r PremisesResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepScripts:
		var r ScriptsResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepTTS:
		var r TTSResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepImages:
		var r ImagesResult
		err = json.Unmarshal(raw, &r)
		res = r
	case StepVideo:
		var r VideoResult
		err = json.Unmarshal(raw, &r)
		res = r
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", step, err)
	}
	return res, nil
}

// Results maps each completed step to its output
type Results map[StepName]StepResult

// UnmarshalJSON decodes each entry into its step's concrete type
func (r *Results) UnmarshalJSON(data []byte) error {
	var raw map[StepName]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Results, len(raw))
	for step, msg := range raw {
		res, err := DecodeResult(step, msg)
		if err != nil {
			return err
		}
		out[step] = res
	}
	*r = out
	return nil
}

// Titles returns the titles result if present
func (r Results) Titles() (TitlesResult, bool) {
	v, ok := r[StepTitles].(TitlesResult)
	return v, ok
}

// Extraction returns the extraction result if present
func (r Results) Extraction() (ExtractionResult, bool) {
	v, ok := r[StepExtraction].(ExtractionResult)
	return v, ok
}

// Premises returns the premises result if present
func (r Results) Premises() (PremisesResult, bool) {
	v, ok := r[StepPremises].(PremisesResult)
	return v, ok
}

// Scripts returns the scripts result if present
func (r Results) Scripts() (ScriptsResult, bool) {
	v, ok := r[StepScripts].(ScriptsResult)
	return v, ok
}

// TTS returns the tts result if present
func (r Results) TTS() (TTSResult, bool) {
	v, ok := r[StepTTS].(TTSResult)
	return v, ok
}

// Images returns the images result if present
func (r Results) Images() (ImagesResult, bool) {
	v, ok := r[StepImages].(ImagesResult)
	return v, ok
}
