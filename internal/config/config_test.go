package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamim/reelforge/pkg/models"
)

// validConfig returns a config that passes Validate after defaults
func validConfig() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"openai": {
				Type:        ProviderTypeOpenAI,
				BaseURL:     "https://api.openai.com/v1",
				TextModel:   "gpt-4o-mini",
				SpeechModel: "tts-1",
				ImageModel:  "dall-e-3",
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func boolPtr(b bool) *bool { return &b }

const sampleTOML = `
[pipeline]
output_dir = "out"
concurrency = 3

[retry]
max_rate_limit_retries = 2
max_transient_retries = -1
call_timeout = "45s"
escalation_base = "2s"

[cache]
enabled = true
ttl = "1h"

[credentials]
daily_ceiling = 100
timezone = "Europe/Berlin"

[generation]
num_titles = 4

[providers.openai]
base_url = "https://api.openai.com/v1"
text_model = "gpt-4o-mini"
speech_model = "tts-1"
image_model = "dall-e-3"
keys = ["sk-inline-000000"]
rate_limit_per_minute = 30

[providers.gemini]
type = "gemini"
text_model = "gemini-2.0-flash"

[steps.extraction]
enabled = false

[steps.titles]
provider = "gemini"

[steps.premises]
provider = "gemini"

[steps.scripts]
provider = "gemini"

[steps.tts]
provider = "openai"

[steps.images]
provider = "openai"
`

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.CheckpointDir != filepath.Join("out", "checkpoints") {
		t.Errorf("CheckpointDir = %s", cfg.Pipeline.CheckpointDir)
	}
	if cfg.Retry.CallTimeout.Duration != 45*time.Second {
		t.Errorf("CallTimeout = %s, want 45s", cfg.Retry.CallTimeout)
	}
	if cfg.Retry.EscalationBase.Duration != 2*time.Second {
		t.Errorf("EscalationBase = %s, want 2s", cfg.Retry.EscalationBase)
	}
	if cfg.Retry.MaxTransientRetries != -1 {
		t.Errorf("MaxTransientRetries = %d, want -1", cfg.Retry.MaxTransientRetries)
	}
	if cfg.Retry.MaxDelay.Duration != 60*time.Second {
		t.Errorf("MaxDelay default = %s, want 60s", cfg.Retry.MaxDelay)
	}
	if cfg.Cache.TTL.Duration != time.Hour {
		t.Errorf("Cache TTL = %s", cfg.Cache.TTL)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("Location = %s", cfg.Location())
	}
	if cfg.Providers["openai"].Type != ProviderTypeOpenAI {
		t.Errorf("openai type not defaulted: %q", cfg.Providers["openai"].Type)
	}
	if cfg.Providers["gemini"].KeysEnv != "GEMINI_API_KEYS" {
		t.Errorf("gemini keys_env = %q", cfg.Providers["gemini"].KeysEnv)
	}
	if cfg.Providers["openai"].HTTPTimeout.Duration != 45*time.Second {
		t.Errorf("provider http_timeout should default to call_timeout, got %s", cfg.Providers["openai"].HTTPTimeout)
	}
	if cfg.PromptTemplates.Titles == "" || cfg.PromptTemplates.SystemPrompt == "" {
		t.Error("default templates not applied")
	}
	if cfg.StepEnabled(models.StepExtraction) {
		t.Error("extraction should be disabled")
	}
	if got := cfg.ProviderForStep(models.StepTitles); got != "gemini" {
		t.Errorf("titles provider = %s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	yml := `
pipeline:
  output_dir: out
retry:
  call_timeout: 30s
providers:
  local:
    base_url: http://localhost:8080/v1
    text_model: llama
    speech_model: kokoro
    image_model: sdxl
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.CallTimeout.Duration != 30*time.Second {
		t.Errorf("CallTimeout = %s, want 30s", cfg.Retry.CallTimeout)
	}
	if cfg.Pipeline.DefaultProvider != "local" {
		t.Errorf("single provider should become the default, got %q", cfg.Pipeline.DefaultProvider)
	}
	if cfg.Providers["local"].KeysEnv != "LOCAL_API_KEYS" {
		t.Errorf("KeysEnv = %s", cfg.Providers["local"].KeysEnv)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil || !strings.Contains(err.Error(), "failed to read") {
		t.Errorf("expected read error, got %v", err)
	}

	bad := filepath.Join(dir, "bad.toml")
	os.WriteFile(bad, []byte("[pipeline\nbroken"), 0o644)
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	badDuration := filepath.Join(dir, "dur.toml")
	os.WriteFile(badDuration, []byte("[retry]\ncall_timeout = \"soon\"\n"), 0o644)
	if _, err := Load(badDuration); err == nil {
		t.Error("expected invalid duration error")
	}

	noProviders := filepath.Join(dir, "empty.toml")
	os.WriteFile(noProviders, []byte("[pipeline]\nconcurrency = 1\n"), 0o644)
	if _, err := Load(noProviders); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "concurrency too high",
			mutate:  func(c *Config) { c.Pipeline.Concurrency = MaxConcurrency + 1 },
			wantErr: "pipeline.concurrency",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Pipeline.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Credentials.Timezone = "Mars/Olympus" },
			wantErr: "credentials.timezone",
		},
		{
			name:    "title index out of range",
			mutate:  func(c *Config) { c.Generation.TitleIndex = c.Generation.NumTitles },
			wantErr: "title_index",
		},
		{
			name: "max delay below min delay",
			mutate: func(c *Config) {
				c.Retry.MinDelay.Duration = time.Minute
				c.Retry.MaxDelay.Duration = time.Second
			},
			wantErr: "retry.max_delay",
		},
		{
			name: "unknown provider type",
			mutate: func(c *Config) {
				pc := c.Providers["openai"]
				pc.Type = "anthropic"
				c.Providers["openai"] = pc
			},
			wantErr: "type must be openai or gemini",
		},
		{
			name: "openai without base url",
			mutate: func(c *Config) {
				pc := c.Providers["openai"]
				pc.BaseURL = ""
				c.Providers["openai"] = pc
			},
			wantErr: "base_url is required",
		},
		{
			name: "unknown step",
			mutate: func(c *Config) {
				c.Steps = map[string]StepConfig{"upload": {}}
			},
			wantErr: "steps.upload is not a known step",
		},
		{
			name: "step references missing provider",
			mutate: func(c *Config) {
				c.Steps = map[string]StepConfig{"titles": {Provider: "nope"}}
			},
			wantErr: "not a configured provider",
		},
		{
			name: "tts without speech model",
			mutate: func(c *Config) {
				pc := c.Providers["openai"]
				pc.SpeechModel = ""
				c.Providers["openai"] = pc
			},
			wantErr: "speech_model",
		},
		{
			name: "disabled tts needs no speech model",
			mutate: func(c *Config) {
				pc := c.Providers["openai"]
				pc.SpeechModel = ""
				c.Providers["openai"] = pc
				c.Steps = map[string]StepConfig{"tts": {Enabled: boolPtr(false)}}
			},
		},
		{
			name: "gemini cannot render images",
			mutate: func(c *Config) {
				c.Providers["gemini"] = ProviderConfig{Type: ProviderTypeGemini, TextModel: "gemini-2.0-flash"}
				c.Steps = map[string]StepConfig{"images": {Provider: "gemini"}}
			},
			wantErr: "needs an openai provider with image_model",
		},
		{
			name: "no default provider with two providers",
			mutate: func(c *Config) {
				c.Providers["gemini"] = ProviderConfig{Type: ProviderTypeGemini, TextModel: "gemini-2.0-flash"}
				c.Pipeline.DefaultProvider = ""
			},
			wantErr: "pipeline.default_provider is not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Steps = map[string]StepConfig{"video": {Enabled: boolPtr(false)}}

	rc := cfg.RunConfig("coral reefs")
	if rc.Topic != "coral reefs" {
		t.Errorf("Topic = %s", rc.Topic)
	}
	if len(rc.Steps) != len(models.CanonicalSteps) {
		t.Errorf("Steps = %v", rc.Steps)
	}
	if rc.IsEnabled(models.StepVideo) {
		t.Error("video should be disabled")
	}
	if !rc.IsEnabled(models.StepTTS) {
		t.Error("tts should be enabled")
	}
	if rc.ProviderFor(models.StepScripts) != "openai" {
		t.Errorf("scripts provider = %q", rc.ProviderFor(models.StepScripts))
	}
	if rc.NumTitles != 5 || rc.NumPremises != 3 || rc.OutputDir != "output" {
		t.Errorf("generation defaults not copied: %+v", rc)
	}

	// The run keeps its own step slice
	rc.Steps[0] = "mutated"
	if models.CanonicalSteps[0] != models.StepExtraction {
		t.Fatal("RunConfig aliased the canonical step list")
	}
}

func TestLoadSecrets(t *testing.T) {
	cfg := validConfig()
	pc := cfg.Providers["openai"]
	pc.Keys = []string{"sk-inline-aaaaaa"}
	pc.KeysEnv = "REELFORGE_TEST_OPENAI_KEYS"
	cfg.Providers["openai"] = pc

	t.Setenv("REELFORGE_TEST_OPENAI_KEYS", "sk-env-bbbbbbbb, sk-env-cccccccc\nsk-env-dddddddd")

	keys := cfg.LoadSecrets()
	want := []string{"sk-inline-aaaaaa", "sk-env-bbbbbbbb", "sk-env-cccccccc", "sk-env-dddddddd"}
	got := keys["openai"]
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSplitKeys(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a,b", 2},
		{" a , b ;c\td\n", 4},
		{",,,", 0},
	}
	for _, tt := range tests {
		if got := SplitKeys(tt.in); len(got) != tt.want {
			t.Errorf("SplitKeys(%q) = %v, want %d keys", tt.in, got, tt.want)
		}
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("got %s", d.Duration)
	}
	out, _ := d.MarshalText()
	if string(out) != "1m30s" {
		t.Errorf("MarshalText = %s", out)
	}
	if err := d.UnmarshalText([]byte("ninety")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadEnv(t *testing.T) {
	const name = "REELFORGE_TEST_DOTENV_KEY"
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(name+"=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv(name)
	t.Cleanup(func() { os.Unsetenv(name) })

	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := os.Getenv(name); got != "from-dotenv" {
		t.Errorf("%s = %q", name, got)
	}
}
