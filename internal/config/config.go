package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lamim/reelforge/pkg/models"
)

// Duration is a time.Duration written as a string ("5s", "1m30s") in config files
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go notation
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML accepts the same strings as UnmarshalText
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config represents the complete application configuration
type Config struct {
	Pipeline        PipelineConfig            `toml:"pipeline" yaml:"pipeline"`
	Retry           RetryConfig               `toml:"retry" yaml:"retry"`
	Cache           CacheConfig               `toml:"cache" yaml:"cache"`
	Credentials     CredentialsConfig         `toml:"credentials" yaml:"credentials"`
	Generation      GenerationConfig          `toml:"generation" yaml:"generation"`
	Providers       map[string]ProviderConfig `toml:"providers" yaml:"providers"`
	Steps           map[string]StepConfig     `toml:"steps" yaml:"steps"`
	PromptTemplates PromptTemplates           `toml:"prompt_templates" yaml:"prompt_templates"`
}

// PipelineConfig holds run-level settings
type PipelineConfig struct {
	OutputDir       string `toml:"output_dir" yaml:"output_dir"`
	CheckpointDir   string `toml:"checkpoint_dir" yaml:"checkpoint_dir"`
	Concurrency     int    `toml:"concurrency" yaml:"concurrency"`           // Pipelines run in parallel by a batch
	DefaultProvider string `toml:"default_provider" yaml:"default_provider"` // Used by steps without an explicit provider
	ShowProgress    bool   `toml:"show_progress" yaml:"show_progress"`
	LogLevel        string `toml:"log_level" yaml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr" yaml:"metrics_addr"` // Empty disables the /metrics endpoint
}

// RetryConfig bounds gateway retries and sets the default throttle curve
type RetryConfig struct {
	MaxRateLimitRetries int      `toml:"max_rate_limit_retries" yaml:"max_rate_limit_retries"` // -1 disables
	MaxTransientRetries int      `toml:"max_transient_retries" yaml:"max_transient_retries"`   // -1 disables
	CallTimeout         Duration `toml:"call_timeout" yaml:"call_timeout"`
	MinDelay            Duration `toml:"min_delay" yaml:"min_delay"`
	EscalationBase      Duration `toml:"escalation_base" yaml:"escalation_base"`
	MaxDelay            Duration `toml:"max_delay" yaml:"max_delay"`
}

// CacheConfig configures the response cache
type CacheConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	TTL           Duration `toml:"ttl" yaml:"ttl"`
	MaxEntries    int      `toml:"max_entries" yaml:"max_entries"`
	SweepInterval Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	RedisAddr     string   `toml:"redis_addr" yaml:"redis_addr"` // Optional shared tier
	RedisPassword string   `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int      `toml:"redis_db" yaml:"redis_db"`
}

// CredentialsConfig configures key rotation
type CredentialsConfig struct {
	DailyCeiling int    `toml:"daily_ceiling" yaml:"daily_ceiling"` // Soft per-key daily limit, 0 = none
	Timezone     string `toml:"timezone" yaml:"timezone"`           // IANA zone for the daily reset
	MinKeyLength int    `toml:"min_key_length" yaml:"min_key_length"`
}

// GenerationConfig holds content defaults copied into every run
type GenerationConfig struct {
	Language        string  `toml:"language" yaml:"language"`
	NumTitles       int     `toml:"num_titles" yaml:"num_titles"`
	NumPremises     int     `toml:"num_premises" yaml:"num_premises"`
	TitleIndex      int     `toml:"title_index" yaml:"title_index"`
	Voice           string  `toml:"voice" yaml:"voice"`
	ImageStyle      string  `toml:"image_style" yaml:"image_style"`
	ImageSize       string  `toml:"image_size" yaml:"image_size"`
	Temperature     float64 `toml:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `toml:"max_output_tokens" yaml:"max_output_tokens"`
	FrameDuration   float64 `toml:"frame_duration" yaml:"frame_duration"` // Seconds per image when no narration audio exists
}

// ProviderConfig represents one upstream AI provider
type ProviderConfig struct {
	Type               string   `toml:"type" yaml:"type"` // "openai" (any compatible endpoint) or "gemini"
	BaseURL            string   `toml:"base_url" yaml:"base_url"`
	TextModel          string   `toml:"text_model" yaml:"text_model"`
	SpeechModel        string   `toml:"speech_model" yaml:"speech_model"`
	ImageModel         string   `toml:"image_model" yaml:"image_model"`
	KeysEnv            string   `toml:"keys_env" yaml:"keys_env"` // Comma or whitespace separated keys
	Keys               []string `toml:"keys" yaml:"keys"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute"` // 0 = no ceiling
	HTTPTimeout        Duration `toml:"http_timeout" yaml:"http_timeout"`
	MinDelay           Duration `toml:"min_delay" yaml:"min_delay"`
	EscalationBase     Duration `toml:"escalation_base" yaml:"escalation_base"`
	MaxDelay           Duration `toml:"max_delay" yaml:"max_delay"`
}

// StepConfig toggles a step and picks its provider
type StepConfig struct {
	Enabled  *bool  `toml:"enabled" yaml:"enabled"` // Unset means enabled
	Provider string `toml:"provider" yaml:"provider"`
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	SystemPrompt string `toml:"system_prompt" yaml:"system_prompt"`
	Extraction   string `toml:"extraction" yaml:"extraction"`
	Titles       string `toml:"titles" yaml:"titles"`
	Premises     string `toml:"premises" yaml:"premises"`
	Scripts      string `toml:"scripts" yaml:"scripts"`
}

const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeGemini = "gemini"

	// MaxConcurrency is the maximum allowed batch concurrency
	MaxConcurrency = 64
	// MaxNumTitles is the maximum titles requested per run
	MaxNumTitles = 50
	// MaxNumPremises is the maximum premises requested per run
	MaxNumPremises = 20
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Pipeline.OutputDir == "" {
		return fmt.Errorf("pipeline.output_dir is required")
	}
	if c.Pipeline.CheckpointDir == "" {
		return fmt.Errorf("pipeline.checkpoint_dir is required")
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > MaxConcurrency {
		return fmt.Errorf("pipeline.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Pipeline.Concurrency)
	}
	switch strings.ToLower(c.Pipeline.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("pipeline.log_level must be one of debug, info, warn, error (got %s)", c.Pipeline.LogLevel)
	}

	if c.Retry.MaxRateLimitRetries < -1 {
		return fmt.Errorf("retry.max_rate_limit_retries must be -1 or greater")
	}
	if c.Retry.MaxTransientRetries < -1 {
		return fmt.Errorf("retry.max_transient_retries must be -1 or greater")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.MinDelay.Duration {
		return fmt.Errorf("retry.max_delay (%s) must not be below retry.min_delay (%s)", c.Retry.MaxDelay, c.Retry.MinDelay)
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Credentials.DailyCeiling < 0 {
		return fmt.Errorf("credentials.daily_ceiling must not be negative")
	}
	if _, err := time.LoadLocation(c.Credentials.Timezone); err != nil {
		return fmt.Errorf("credentials.timezone %q: %w", c.Credentials.Timezone, err)
	}

	if c.Generation.NumTitles < 1 || c.Generation.NumTitles > MaxNumTitles {
		return fmt.Errorf("generation.num_titles must be between 1 and %d (got %d)", MaxNumTitles, c.Generation.NumTitles)
	}
	if c.Generation.NumPremises < 1 || c.Generation.NumPremises > MaxNumPremises {
		return fmt.Errorf("generation.num_premises must be between 1 and %d (got %d)", MaxNumPremises, c.Generation.NumPremises)
	}
	if c.Generation.TitleIndex < 0 || c.Generation.TitleIndex >= c.Generation.NumTitles {
		return fmt.Errorf("generation.title_index must be between 0 and %d (got %d)", c.Generation.NumTitles-1, c.Generation.TitleIndex)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one [providers.<name>] section is required")
	}
	for name, pc := range c.Providers {
		if err := validateProviderConfig(name, pc); err != nil {
			return err
		}
	}
	if c.Pipeline.DefaultProvider != "" {
		if _, ok := c.Providers[c.Pipeline.DefaultProvider]; !ok {
			return fmt.Errorf("pipeline.default_provider %q is not a configured provider", c.Pipeline.DefaultProvider)
		}
	}

	for name, sc := range c.Steps {
		step := models.StepName(name)
		if !step.IsValid() {
			return fmt.Errorf("steps.%s is not a known step", name)
		}
		if sc.Provider != "" {
			if _, ok := c.Providers[sc.Provider]; !ok {
				return fmt.Errorf("steps.%s.provider %q is not a configured provider", name, sc.Provider)
			}
		}
	}

	for _, step := range models.CanonicalSteps {
		if !c.StepEnabled(step) || step == models.StepVideo {
			continue
		}
		name := c.ProviderForStep(step)
		if name == "" {
			return fmt.Errorf("steps.%s has no provider and pipeline.default_provider is not set", step)
		}
		if err := checkCapability(step, name, c.Providers[name]); err != nil {
			return err
		}
	}

	if c.PromptTemplates.Extraction == "" || c.PromptTemplates.Titles == "" ||
		c.PromptTemplates.Premises == "" || c.PromptTemplates.Scripts == "" {
		return fmt.Errorf("prompt_templates must define extraction, titles, premises and scripts")
	}

	return nil
}

func validateProviderConfig(name string, pc ProviderConfig) error {
	switch pc.Type {
	case ProviderTypeOpenAI:
		if pc.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
	case ProviderTypeGemini:
	default:
		return fmt.Errorf("providers.%s.type must be openai or gemini (got %q)", name, pc.Type)
	}
	if pc.RateLimitPerMinute < 0 {
		return fmt.Errorf("providers.%s.rate_limit_per_minute must not be negative", name)
	}
	if pc.MaxDelay.Duration > 0 && pc.MaxDelay.Duration < pc.MinDelay.Duration {
		return fmt.Errorf("providers.%s.max_delay must not be below min_delay", name)
	}
	return nil
}

func checkCapability(step models.StepName, name string, pc ProviderConfig) error {
	switch step {
	case models.StepTTS:
		if pc.Type != ProviderTypeOpenAI || pc.SpeechModel == "" {
			return fmt.Errorf("steps.%s needs an openai provider with speech_model (provider %q)", step, name)
		}
	case models.StepImages:
		if pc.Type != ProviderTypeOpenAI || pc.ImageModel == "" {
			return fmt.Errorf("steps.%s needs an openai provider with image_model (provider %q)", step, name)
		}
	default:
		if pc.TextModel == "" {
			return fmt.Errorf("steps.%s needs provider %q to set text_model", step, name)
		}
	}
	return nil
}

// StepEnabled reports whether a step runs; missing entries are enabled
func (c *Config) StepEnabled(step models.StepName) bool {
	sc, ok := c.Steps[string(step)]
	if !ok || sc.Enabled == nil {
		return true
	}
	return *sc.Enabled
}

// ProviderForStep returns the provider a step calls
func (c *Config) ProviderForStep(step models.StepName) string {
	if sc, ok := c.Steps[string(step)]; ok && sc.Provider != "" {
		return sc.Provider
	}
	return c.Pipeline.DefaultProvider
}

// Location returns the time zone for the daily credential reset
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Credentials.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RunConfig builds the immutable configuration of a new run for topic
func (c *Config) RunConfig(topic string) models.RunConfig {
	rc := models.RunConfig{
		Topic:       topic,
		Language:    c.Generation.Language,
		TitleIndex:  c.Generation.TitleIndex,
		NumTitles:   c.Generation.NumTitles,
		NumPremises: c.Generation.NumPremises,
		Voice:       c.Generation.Voice,
		ImageStyle:  c.Generation.ImageStyle,
		OutputDir:   c.Pipeline.OutputDir,
		Steps:       append([]models.StepName(nil), models.CanonicalSteps...),
		Enabled:     make(map[models.StepName]bool),
		Providers:   make(map[models.StepName]string),
	}
	for _, step := range models.CanonicalSteps {
		if !c.StepEnabled(step) {
			rc.Enabled[step] = false
		}
		if p := c.ProviderForStep(step); p != "" && step != models.StepVideo {
			rc.Providers[step] = p
		}
	}
	return rc
}

// LoadSecrets collects every provider's keys: inline keys first, then the
// keys found in its keys_env variable. Duplicates are left for the pool
// to drop.
func (c *Config) LoadSecrets() map[string][]string {
	keys := make(map[string][]string, len(c.Providers))
	for name, pc := range c.Providers {
		list := append([]string(nil), pc.Keys...)
		if pc.KeysEnv != "" {
			list = append(list, SplitKeys(os.Getenv(pc.KeysEnv))...)
		}
		keys[name] = list
	}
	return keys
}

// SplitKeys splits a key list on commas and whitespace
func SplitKeys(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}
