package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lamim/reelforge/internal/api"
	"github.com/lamim/reelforge/internal/cache"
	"github.com/lamim/reelforge/internal/checkpoint"
	"github.com/lamim/reelforge/internal/config"
	"github.com/lamim/reelforge/internal/credentials"
	"github.com/lamim/reelforge/internal/gateway"
	"github.com/lamim/reelforge/internal/metrics"
	"github.com/lamim/reelforge/internal/orchestrator"
	"github.com/lamim/reelforge/internal/steps"
	"github.com/lamim/reelforge/internal/throttle"
	"github.com/lamim/reelforge/internal/writer"
	"github.com/lamim/reelforge/pkg/models"
)

// app is the fully wired process: one credential pool, throttle, cache and
// gateway shared by every run the orchestrator drives
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logFile   *os.File
	workspace *writer.Workspace
	store     *checkpoint.Store
	orch      *orchestrator.Orchestrator
	cache     *cache.Cache

	metricsSrv  *http.Server
	stopSweeper context.CancelFunc
}

type appOptions struct {
	ConfigPath  string
	EnvFile     string
	Verbose     bool
	MetricsAddr string
}

// newApp loads configuration and wires every component
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if opts.EnvFile != "" {
		if err := config.LoadEnv(opts.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.MetricsAddr != "" {
		cfg.Pipeline.MetricsAddr = opts.MetricsAddr
	}

	logLevel, err := writer.ParseLevel(cfg.Pipeline.LogLevel)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}

	ws, err := writer.NewWorkspace(cfg.Pipeline.OutputDir, slog.Default())
	if err != nil {
		return nil, err
	}

	logger, logFile, err := writer.SetupLogger(ws.LogPath(), logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	if ws, err = writer.NewWorkspace(cfg.Pipeline.OutputDir, logger); err != nil {
		_ = logFile.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logFile:   logFile,
		workspace: ws,
	}

	var collector *metrics.Collector
	if cfg.Pipeline.MetricsAddr != "" {
		collector = metrics.NewCollector(logger)
		a.metricsSrv = collector.Serve(cfg.Pipeline.MetricsAddr)
	}

	pool := credentials.NewPool(cfg.LoadSecrets(), credentials.Options{
		DailyCeiling: cfg.Credentials.DailyCeiling,
		Location:     cfg.Location(),
		MinKeyLength: cfg.Credentials.MinKeyLength,
	}, logger, collector)

	defaults, perProvider := throttleSettings(cfg)
	thr := throttle.New(defaults, perProvider, logger, throttle.WithMetrics(collector))
	ceiling := throttle.NewCeiling(rateLimits(cfg), logger)

	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		respCache, err = a.newCache(ctx, collector)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = respCache
	}

	gw := gateway.New(gateway.Deps{
		Pool:     pool,
		Throttle: thr,
		Ceiling:  ceiling,
		Cache:    respCache,
		Metrics:  collector,
	}, gateway.Policy{
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
		MaxTransientRetries: cfg.Retry.MaxTransientRetries,
		CallTimeout:         cfg.Retry.CallTimeout.Duration,
	}, logger)

	env := buildEnv(cfg, logger)
	env.Gateway = gw
	env.Renderer = steps.NewFFmpegRenderer(logger)

	a.store = checkpoint.NewStore(cfg.Pipeline.CheckpointDir, logger)
	a.orch = orchestrator.New(a.store, steps.NewExecutors(env), logger, orchestrator.Options{
		Metrics:      collector,
		Concurrency:  cfg.Pipeline.Concurrency,
		ShowProgress: cfg.Pipeline.ShowProgress,
	})

	for _, provider := range pool.Providers() {
		snap, _ := pool.Snapshot(provider)
		logger.Info("Provider ready",
			"provider", provider,
			"keys", snap.Keys,
			"rate_limit_per_minute", ceiling.Rate(provider))
	}

	return a, nil
}

func (a *app) newCache(ctx context.Context, collector *metrics.Collector) (*cache.Cache, error) {
	opts := cache.Options{
		TTL:        a.cfg.Cache.TTL.Duration,
		MaxEntries: a.cfg.Cache.MaxEntries,
		Metrics:    collector,
	}
	if a.cfg.Cache.RedisAddr != "" {
		remote, err := cache.NewRedisRemote(ctx, cache.RedisConfig{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to cache redis: %w", err)
		}
		opts.Remote = remote
		a.logger.Info("Response cache backed by redis", "addr", a.cfg.Cache.RedisAddr)
	}

	c := cache.New(opts, a.logger)
	sweepCtx, stop := context.WithCancel(context.Background())
	a.stopSweeper = stop
	c.StartSweeper(sweepCtx, a.cfg.Cache.SweepInterval.Duration)
	return c, nil
}

// throttleSettings fills unset per-provider delays from the retry section
func throttleSettings(cfg *config.Config) (throttle.Settings, map[string]throttle.Settings) {
	defaults := throttle.Settings{
		MinDelay:       cfg.Retry.MinDelay.Duration,
		EscalationBase: cfg.Retry.EscalationBase.Duration,
		MaxDelay:       cfg.Retry.MaxDelay.Duration,
	}
	perProvider := make(map[string]throttle.Settings, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		s := defaults
		if pc.MinDelay.Duration > 0 {
			s.MinDelay = pc.MinDelay.Duration
		}
		if pc.EscalationBase.Duration > 0 {
			s.EscalationBase = pc.EscalationBase.Duration
		}
		if pc.MaxDelay.Duration > 0 {
			s.MaxDelay = pc.MaxDelay.Duration
		}
		perProvider[name] = s
	}
	return defaults, perProvider
}

func rateLimits(cfg *config.Config) map[string]int {
	out := make(map[string]int, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.RateLimitPerMinute > 0 {
			out[name] = pc.RateLimitPerMinute
		}
	}
	return out
}

// buildEnv creates the provider adapters each step can be routed to
func buildEnv(cfg *config.Config, logger *slog.Logger) *steps.Env {
	env := &steps.Env{
		Text:   make(map[string]api.TextGenerator),
		Speech: make(map[string]api.Speaker),
		Images: make(map[string]api.Painter),
		Prompts: steps.Prompts{
			System:     cfg.PromptTemplates.SystemPrompt,
			Extraction: cfg.PromptTemplates.Extraction,
			Titles:     cfg.PromptTemplates.Titles,
			Premises:   cfg.PromptTemplates.Premises,
			Scripts:    cfg.PromptTemplates.Scripts,
		},
		Generation: steps.Generation{
			Temperature:   cfg.Generation.Temperature,
			MaxTokens:     cfg.Generation.MaxOutputTokens,
			FrameDuration: cfg.Generation.FrameDuration,
		},
		Logger: logger,
	}

	for name, pc := range cfg.Providers {
		switch pc.Type {
		case config.ProviderTypeGemini:
			if pc.TextModel != "" {
				env.Text[name] = api.NewGeminiText(pc.BaseURL, pc.TextModel, logger)
			}
		default:
			client := api.NewClient(logger, pc.HTTPTimeout.Duration)
			if pc.TextModel != "" {
				env.Text[name] = api.NewOpenAIText(client, pc.BaseURL, pc.TextModel)
			}
			if pc.SpeechModel != "" {
				env.Speech[name] = api.NewOpenAISpeech(client, pc.BaseURL, pc.SpeechModel, "mp3")
			}
			if pc.ImageModel != "" {
				env.Images[name] = api.NewOpenAIImage(client, pc.BaseURL, pc.ImageModel, cfg.Generation.ImageSize)
			}
		}
	}
	return env
}

// runConfig builds the run configuration for one topic, writing artifacts
// under the run's own output directory
func (a *app) runConfig(id, topic string, sel stepSelection) (models.RunConfig, error) {
	rc := a.cfg.RunConfig(topic)
	rc.SourcePath = sel.Source

	dir, err := a.workspace.RunDir(id)
	if err != nil {
		return models.RunConfig{}, err
	}
	rc.OutputDir = dir

	if len(sel.Steps) > 0 {
		rc.Steps = sel.Steps
	}
	for _, s := range sel.Disable {
		rc.Enabled[s] = false
	}
	if err := checkpoint.ValidateOrder(rc.StepOrder()); err != nil {
		return models.RunConfig{}, fmt.Errorf("invalid step selection: %w", err)
	}
	return rc, nil
}

// stepSelection carries the step-related flags of the run command
type stepSelection struct {
	Source  string
	Steps   []models.StepName
	Disable []models.StepName
}

// parseSteps parses a comma separated step list
func parseSteps(values []string) ([]models.StepName, error) {
	var out []models.StepName
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			step := models.StepName(part)
			if !step.IsValid() {
				return nil, fmt.Errorf("unknown step %q", part)
			}
			out = append(out, step)
		}
	}
	return out, nil
}

// Close stops background work and flushes the log file
func (a *app) Close() {
	if a.stopSweeper != nil {
		a.stopSweeper()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close response cache", "error", err)
		}
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Failed to stop metrics server", "error", err)
		}
		cancel()
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}
