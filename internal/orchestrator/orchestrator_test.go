package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lamim/reelforge/internal/api"
	"github.com/lamim/reelforge/internal/checkpoint"
	"github.com/lamim/reelforge/internal/credentials"
	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/gateway"
	"github.com/lamim/reelforge/internal/steps"
	"github.com/lamim/reelforge/internal/throttle"
	"github.com/lamim/reelforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// counter records how often each step executed
type counter struct {
	mu    sync.Mutex
	calls map[models.StepName]int
}

func newCounter() *counter {
	return &counter{calls: make(map[models.StepName]int)}
}

func (c *counter) inc(step models.StepName) {
	c.mu.Lock()
	c.calls[step]++
	c.mu.Unlock()
}

func (c *counter) get(step models.StepName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[step]
}

// okExecutor returns the zero result of its step
func okExecutor(step models.StepName, c *counter) steps.Executor {
	return steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		c.inc(step)
		return models.EmptyResult(step)
	})
}

func okExecutors(c *counter) map[models.StepName]steps.Executor {
	execs := make(map[models.StepName]steps.Executor)
	for _, s := range models.CanonicalSteps {
		execs[s] = okExecutor(s, c)
	}
	return execs
}

func newTestOrchestrator(t *testing.T, execs map[models.StepName]steps.Executor, opts Options) (*Orchestrator, *checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewStore(t.TempDir(), testLogger())
	return New(store, execs, testLogger(), opts), store
}

func threeSteps(t *testing.T) models.RunConfig {
	return models.RunConfig{
		Topic:     "tides",
		OutputDir: t.TempDir(),
		Steps:     []models.StepName{models.StepExtraction, models.StepTitles, models.StepPremises},
	}
}

func TestRunCompletesAndDeletesCheckpoint(t *testing.T) {
	c := newCounter()
	o, store := newTestOrchestrator(t, okExecutors(c), Options{})

	run, err := o.Run(context.Background(), "run-1", models.RunConfig{Topic: "tides", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if len(run.CompletedSteps) != len(models.CanonicalSteps) {
		t.Errorf("completed = %v", run.CompletedSteps)
	}
	for i, s := range models.CanonicalSteps {
		if run.CompletedSteps[i] != s {
			t.Errorf("completed[%d] = %s, want %s", i, run.CompletedSteps[i], s)
		}
		if c.get(s) != 1 {
			t.Errorf("%s executed %d times", s, c.get(s))
		}
	}
	if store.Exists("run-1") {
		t.Error("checkpoint should be deleted after completion")
	}
}

func TestDisabledStepRecordsEmptyResult(t *testing.T) {
	c := newCounter()
	o, _ := newTestOrchestrator(t, okExecutors(c), Options{})

	cfg := threeSteps(t)
	cfg.Enabled = map[models.StepName]bool{models.StepTitles: false}

	run, err := o.Run(context.Background(), "disabled", cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c.get(models.StepTitles) != 0 {
		t.Error("disabled step was executed")
	}
	tr, ok := run.Results.Titles()
	if !ok || len(tr.Titles) != 0 {
		t.Errorf("expected empty titles result, got %+v (ok=%v)", tr, ok)
	}
	if len(run.CompletedSteps) != 3 {
		t.Errorf("completed = %v", run.CompletedSteps)
	}
}

func TestFailureKeepsCheckpoint(t *testing.T) {
	c := newCounter()
	execs := okExecutors(c)
	execs[models.StepTitles] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		return nil, errs.Validationf("steps.titles", "model returned prose")
	})
	o, store := newTestOrchestrator(t, execs, Options{})

	run, err := o.Run(context.Background(), "fails", threeSteps(t))

	var se *errs.StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected *errs.StepError, got %v", err)
	}
	if se.Step != string(models.StepTitles) || se.Kind != errs.KindValidation || se.PipelineID != "fails" {
		t.Errorf("step error = %+v", se)
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s", run.Status)
	}

	cp, found, err := store.Load("fails")
	if err != nil || !found {
		t.Fatalf("checkpoint missing: found=%v err=%v", found, err)
	}
	if len(cp.CompletedSteps) != 1 || cp.CompletedSteps[0] != models.StepExtraction {
		t.Errorf("completed = %v", cp.CompletedSteps)
	}
	if cp.CurrentStep != models.StepTitles || cp.Status != models.StatusFailed {
		t.Errorf("current = %s, status = %s", cp.CurrentStep, cp.Status)
	}
	if c.get(models.StepPremises) != 0 {
		t.Error("step after failure was executed")
	}
}

// e2e: quota exhaustion fails the run, the daily reset frees the key and
// Resume finishes from the failed step
type quotaText struct {
	mu        sync.Mutex
	exhausted bool
	prompts   map[string]int
}

func (q *quotaText) Model() string { return "fake" }

func (q *quotaText) GenerateText(ctx context.Context, apiKey string, req api.TextRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kind := strings.Fields(req.Prompt)[0]
	q.prompts[kind]++
	switch kind {
	case "TITLES":
		return `{"titles": ["Moon Pull", "Sea Breath"]}`, nil
	case "PREMISES":
		if q.exhausted {
			return "", errs.Quota("api.chat_completion", &api.APIError{StatusCode: 429, Message: "You exceeded your current quota"})
		}
		return `{"premises": ["The moon drags the ocean."]}`, nil
	case "SCRIPTS":
		return `{"script": "x", "scenes": [{"narration": "The moon drags the ocean.", "image_prompt": "moon"}]}`, nil
	}
	return "", fmt.Errorf("unexpected prompt %q", req.Prompt)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestQuotaFailureRolloverAndResume(t *testing.T) {
	logger := testLogger()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)}

	pool := credentials.NewPool(map[string][]string{"openai": {"sk-only-key-0001"}}, credentials.Options{Now: clock.Now}, logger, nil)
	gw := gateway.New(gateway.Deps{
		Pool: pool,
		Throttle: throttle.New(throttle.Settings{}, nil, logger, throttle.WithClock(clock.Now, func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		})),
	}, gateway.Policy{}, logger)

	text := &quotaText{exhausted: true, prompts: make(map[string]int)}
	execs := steps.NewExecutors(&steps.Env{
		Gateway: gw,
		Text:    map[string]api.TextGenerator{"openai": text},
		Prompts: steps.Prompts{
			Titles:   "TITLES {{.Topic}}",
			Premises: "PREMISES {{.Title}}",
			Scripts:  "SCRIPTS {{.Premise}}",
		},
		Logger: logger,
	})

	o, store := newTestOrchestrator(t, execs, Options{Now: clock.Now})
	cfg := models.RunConfig{
		Topic:       "tides",
		NumTitles:   2,
		NumPremises: 1,
		OutputDir:   t.TempDir(),
		Steps:       []models.StepName{models.StepTitles, models.StepPremises, models.StepScripts},
		Providers: map[models.StepName]string{
			models.StepTitles:   "openai",
			models.StepPremises: "openai",
			models.StepScripts:  "openai",
		},
	}

	run, err := o.Run(context.Background(), "e2e", cfg)
	if !errs.Is(err, errs.KindQuota) {
		t.Fatalf("expected quota failure, got %v", err)
	}
	if !errors.Is(err, credentials.ErrPoolExhausted) {
		t.Errorf("expected exhausted pool in chain, got %v", err)
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}

	cp, found, err := store.Load("e2e")
	if err != nil || !found {
		t.Fatalf("checkpoint missing: found=%v err=%v", found, err)
	}
	if len(cp.CompletedSteps) != 1 || cp.CompletedSteps[0] != models.StepTitles {
		t.Fatalf("completed = %v, want [titles]", cp.CompletedSteps)
	}

	snap, _ := pool.Snapshot("openai")
	if len(snap.Quarantined) != 1 {
		t.Fatalf("key should be quarantined, got %v", snap.Quarantined)
	}

	// Next calendar day: quota restored upstream, pool resets lazily
	clock.Advance(3 * time.Hour)
	text.mu.Lock()
	text.exhausted = false
	text.mu.Unlock()

	run, err = o.Resume(context.Background(), "e2e")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	want := []models.StepName{models.StepTitles, models.StepPremises, models.StepScripts}
	if len(run.CompletedSteps) != len(want) {
		t.Fatalf("completed = %v", run.CompletedSteps)
	}
	for i := range want {
		if run.CompletedSteps[i] != want[i] {
			t.Errorf("completed[%d] = %s, want %s", i, run.CompletedSteps[i], want[i])
		}
	}
	if store.Exists("e2e") {
		t.Error("checkpoint should be deleted after completion")
	}

	text.mu.Lock()
	defer text.mu.Unlock()
	if text.prompts["TITLES"] != 1 {
		t.Errorf("titles generated %d times, want 1", text.prompts["TITLES"])
	}
	pr, _ := run.Results.Premises()
	if pr.Title != "Moon Pull" {
		t.Errorf("premises built on %q", pr.Title)
	}
}

func TestResumeRerunsStepWithMissingArtifact(t *testing.T) {
	c := newCounter()
	outDir := t.TempDir()
	audio := filepath.Join(outDir, "audio", "narration.mp3")

	var imagesFail atomic.Bool
	imagesFail.Store(true)

	execs := okExecutors(c)
	execs[models.StepTTS] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		c.inc(models.StepTTS)
		os.MkdirAll(filepath.Dir(audio), 0o755)
		if err := os.WriteFile(audio, []byte("mp3"), 0o644); err != nil {
			return nil, err
		}
		return models.TTSResult{AudioFilePath: audio}, nil
	})
	execs[models.StepImages] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		c.inc(models.StepImages)
		if imagesFail.Load() {
			return nil, errs.Transient("steps.images", errors.New("503"))
		}
		if _, ok := prev.TTS(); !ok {
			return nil, errors.New("tts result missing")
		}
		return models.ImagesResult{}, nil
	})

	o, _ := newTestOrchestrator(t, execs, Options{})
	cfg := models.RunConfig{
		Topic:     "tides",
		OutputDir: outDir,
		Steps:     []models.StepName{models.StepScripts, models.StepTTS, models.StepImages},
	}

	if _, err := o.Run(context.Background(), "artifact", cfg); !errs.Is(err, errs.KindTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}

	if err := os.Remove(audio); err != nil {
		t.Fatal(err)
	}
	imagesFail.Store(false)

	run, err := o.Resume(context.Background(), "artifact")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if run.Status != models.StatusCompleted {
		t.Errorf("status = %s", run.Status)
	}
	if c.get(models.StepScripts) != 1 {
		t.Errorf("scripts executed %d times, want 1", c.get(models.StepScripts))
	}
	if c.get(models.StepTTS) != 2 {
		t.Errorf("tts executed %d times, want 2", c.get(models.StepTTS))
	}
}

func TestInvalidCheckpointHandling(t *testing.T) {
	c := newCounter()
	o, store := newTestOrchestrator(t, okExecutors(c), Options{})

	path, err := store.Path("broken")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Resume(context.Background(), "broken"); err == nil {
		t.Fatal("Resume should refuse an unreadable checkpoint")
	}

	run, err := o.Run(context.Background(), "broken", threeSteps(t))
	if err != nil {
		t.Fatalf("Run should start fresh, got %v", err)
	}
	if run.Status != models.StatusCompleted || c.get(models.StepExtraction) != 1 {
		t.Errorf("status = %s, extraction calls = %d", run.Status, c.get(models.StepExtraction))
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, okExecutors(newCounter()), Options{})

	if _, err := o.Run(context.Background(), "../escape", threeSteps(t)); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error for bad ID, got %v", err)
	}

	cfg := threeSteps(t)
	cfg.Steps = []models.StepName{models.StepTitles, models.StepExtraction}
	if _, err := o.Run(context.Background(), "out-of-order", cfg); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error for step order, got %v", err)
	}

	if _, err := o.Resume(context.Background(), "never-ran"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestCancelActiveRun(t *testing.T) {
	c := newCounter()
	execs := okExecutors(c)
	var o *Orchestrator
	execs[models.StepExtraction] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		c.inc(models.StepExtraction)
		if err := o.Cancel("cancel-me"); err != nil {
			return nil, err
		}
		return models.ExtractionResult{Summary: "s"}, nil
	})
	o, store := newTestOrchestrator(t, execs, Options{})

	run, err := o.Run(context.Background(), "cancel-me", threeSteps(t))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if run.Status != models.StatusCancelled {
		t.Errorf("status = %s", run.Status)
	}
	// The in-flight step finishes, the next one never starts
	if len(run.CompletedSteps) != 1 || c.get(models.StepTitles) != 0 {
		t.Errorf("completed = %v, titles calls = %d", run.CompletedSteps, c.get(models.StepTitles))
	}
	if store.Exists("cancel-me") {
		t.Error("checkpoint should be deleted after cancel")
	}
}

func TestCancelSuspendedAndUnknown(t *testing.T) {
	execs := okExecutors(newCounter())
	execs[models.StepTitles] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		return nil, errs.Transient("test", errors.New("timeout"))
	})
	o, store := newTestOrchestrator(t, execs, Options{})

	if _, err := o.Run(context.Background(), "suspended", threeSteps(t)); err == nil {
		t.Fatal("expected failure")
	}
	if !store.Exists("suspended") {
		t.Fatal("failed run should leave a checkpoint")
	}

	if err := o.Cancel("suspended"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if store.Exists("suspended") {
		t.Error("checkpoint should be deleted")
	}

	if err := o.Cancel("suspended"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestCancelFinishedActiveRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, okExecutors(newCounter()), Options{})

	// The run has completed but is not yet removed from the registry
	ar := &activeRun{id: "done", run: &models.PipelineRun{PipelineID: "done", Status: models.StatusCompleted}}
	o.mu.Lock()
	o.runs["done"] = ar
	o.mu.Unlock()

	if err := o.Cancel("done"); !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}
	if ar.cancelRequested.Load() {
		t.Error("finished run should not be marked for cancel")
	}

	ar.mu.Lock()
	ar.run.Status = models.StatusRunning
	ar.mu.Unlock()
	if err := o.Cancel("done"); err != nil {
		t.Errorf("Cancel of running run failed: %v", err)
	}
	if !ar.cancelRequested.Load() {
		t.Error("running run should be marked for cancel")
	}
}

func TestRunActiveRejectedAndStatus(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	execs := okExecutors(newCounter())
	execs[models.StepExtraction] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		close(started)
		<-release
		return models.ExtractionResult{}, nil
	})
	o, _ := newTestOrchestrator(t, execs, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "busy", threeSteps(t))
		done <- err
	}()
	<-started

	if _, err := o.Run(context.Background(), "busy", threeSteps(t)); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive, got %v", err)
	}

	st, err := o.Status("busy")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Status != models.StatusRunning || st.CurrentStep != models.StepExtraction {
		t.Errorf("status = %s at %s", st.Status, st.CurrentStep)
	}
	if ids := o.Active(); len(ids) != 1 || ids[0] != "busy" {
		t.Errorf("active = %v", ids)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := o.Status("busy"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("completed run should be unknown, got %v", err)
	}
}

func TestContextCancelKeepsCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	execs := okExecutors(newCounter())
	execs[models.StepExtraction] = steps.ExecutorFunc(func(_ context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		cancel()
		return models.ExtractionResult{Summary: "kept"}, nil
	})
	o, _ := newTestOrchestrator(t, execs, Options{})

	_, err := o.Run(ctx, "interrupted", threeSteps(t))
	if !errs.Is(err, errs.KindTransient) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected transient cancellation, got %v", err)
	}

	st, err := o.Status("interrupted")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Status != models.StatusFailed || len(st.CompletedSteps) != 1 {
		t.Errorf("status = %s, completed = %v", st.Status, st.CompletedSteps)
	}
	ex, _ := st.Results.Extraction()
	if ex.Summary != "kept" {
		t.Errorf("extraction result not persisted: %+v", ex)
	}
}

func TestRunBatch(t *testing.T) {
	var inFlight, peak atomic.Int32
	execs := okExecutors(newCounter())
	execs[models.StepExtraction] = steps.ExecutorFunc(func(ctx context.Context, prev models.Results, cfg models.RunConfig) (models.StepResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return models.ExtractionResult{}, nil
	})
	o, _ := newTestOrchestrator(t, execs, Options{Concurrency: 2})

	var reqs []Request
	for i := 0; i < 6; i++ {
		reqs = append(reqs, Request{PipelineID: fmt.Sprintf("batch-%d", i), Config: threeSteps(t)})
	}

	outcomes := o.RunBatch(context.Background(), reqs)
	if len(outcomes) != len(reqs) {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i, out := range outcomes {
		if out.PipelineID != reqs[i].PipelineID {
			t.Errorf("outcome %d is for %s", i, out.PipelineID)
		}
		if out.Err != nil || out.Run.Status != models.StatusCompleted {
			t.Errorf("%s: status %s, err %v", out.PipelineID, out.Run.Status, out.Err)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}
