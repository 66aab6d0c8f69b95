package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // credentials.timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file. The format follows the
// extension: .yaml/.yml is YAML, anything else TOML.
func Load(configPath string) (*Config, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(configPath))
	if err != nil {
		return nil, err
	}

	// Apply defaults
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes raw config bytes without applying defaults
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are never overridden.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	// Pipeline defaults
	if cfg.Pipeline.OutputDir == "" {
		cfg.Pipeline.OutputDir = "output"
	}
	if cfg.Pipeline.CheckpointDir == "" {
		cfg.Pipeline.CheckpointDir = filepath.Join(cfg.Pipeline.OutputDir, "checkpoints")
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 2
	}
	if cfg.Pipeline.LogLevel == "" {
		cfg.Pipeline.LogLevel = "info"
	}
	if cfg.Pipeline.DefaultProvider == "" && len(cfg.Providers) == 1 {
		for name := range cfg.Providers {
			cfg.Pipeline.DefaultProvider = name
		}
	}

	// Retry defaults. 0 means unset, -1 disables retries.
	if cfg.Retry.MaxRateLimitRetries == 0 {
		cfg.Retry.MaxRateLimitRetries = 5
	}
	if cfg.Retry.MaxTransientRetries == 0 {
		cfg.Retry.MaxTransientRetries = 3
	}
	if cfg.Retry.CallTimeout.Duration == 0 {
		cfg.Retry.CallTimeout.Duration = 120 * time.Second
	}
	if cfg.Retry.MinDelay.Duration == 0 {
		cfg.Retry.MinDelay.Duration = time.Second
	}
	if cfg.Retry.EscalationBase.Duration == 0 {
		cfg.Retry.EscalationBase.Duration = 5 * time.Second
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 60 * time.Second
	}

	// Cache defaults
	if cfg.Cache.TTL.Duration == 0 {
		cfg.Cache.TTL.Duration = 24 * time.Hour
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.SweepInterval.Duration == 0 {
		cfg.Cache.SweepInterval.Duration = 10 * time.Minute
	}

	// Credential defaults
	if cfg.Credentials.Timezone == "" {
		cfg.Credentials.Timezone = "UTC"
	}
	if cfg.Credentials.MinKeyLength == 0 {
		cfg.Credentials.MinKeyLength = 8
	}

	// Generation defaults
	if cfg.Generation.Language == "" {
		cfg.Generation.Language = "English"
	}
	if cfg.Generation.NumTitles == 0 {
		cfg.Generation.NumTitles = 5
	}
	if cfg.Generation.NumPremises == 0 {
		cfg.Generation.NumPremises = 3
	}
	if cfg.Generation.Voice == "" {
		cfg.Generation.Voice = "alloy"
	}
	if cfg.Generation.ImageSize == "" {
		cfg.Generation.ImageSize = "1024x1792"
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.8
	}
	if cfg.Generation.MaxOutputTokens == 0 {
		cfg.Generation.MaxOutputTokens = 4096
	}
	if cfg.Generation.FrameDuration == 0 {
		cfg.Generation.FrameDuration = 4
	}

	// Apply defaults for each provider
	for name, pc := range cfg.Providers {
		if pc.Type == "" {
			pc.Type = ProviderTypeOpenAI
		}
		if pc.KeysEnv == "" {
			pc.KeysEnv = strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEYS"
		}
		if pc.HTTPTimeout.Duration == 0 {
			pc.HTTPTimeout = cfg.Retry.CallTimeout
		}
		cfg.Providers[name] = pc
	}

	// Apply default templates if not provided
	if cfg.PromptTemplates.SystemPrompt == "" {
		cfg.PromptTemplates.SystemPrompt = GetDefaultSystemPrompt()
	}
	if cfg.PromptTemplates.Extraction == "" {
		cfg.PromptTemplates.Extraction = GetDefaultExtractionTemplate()
	}
	if cfg.PromptTemplates.Titles == "" {
		cfg.PromptTemplates.Titles = GetDefaultTitlesTemplate()
	}
	if cfg.PromptTemplates.Premises == "" {
		cfg.PromptTemplates.Premises = GetDefaultPremisesTemplate()
	}
	if cfg.PromptTemplates.Scripts == "" {
		cfg.PromptTemplates.Scripts = GetDefaultScriptsTemplate()
	}
}
