package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lamim/reelforge/internal/errs"
	"github.com/lamim/reelforge/internal/writer"
	"github.com/lamim/reelforge/pkg/models"
)

const (
	filePrefix = "checkpoint_"
	fileSuffix = ".json"
)

// Store persists one checkpoint file per pipeline run. Writes for the same
// pipeline are serialized; different pipelines never contend.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
	locks  sync.Map // pipeline id -> *sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock used for timestamps and retention (tests)
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Path returns the checkpoint file path for a pipeline
func (s *Store) Path(id string) (string, error) {
	if err := writer.ValidatePipelineID(id); err != nil {
		return "", errs.Validation("checkpoint.path", err)
	}
	return filepath.Join(s.dir, filePrefix+id+fileSuffix), nil
}

// Save atomically replaces the pipeline's checkpoint: the JSON is written
// to a temp file in the same directory, synced, then renamed over the target.
func (s *Store) Save(cp *models.Checkpoint) error {
	path, err := s.Path(cp.PipelineID)
	if err != nil {
		return err
	}

	if cp.Version == "" {
		cp.Version = models.CheckpointVersion
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	unlock := s.lock(cp.PipelineID)
	defer unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		"pipeline_id", cp.PipelineID,
		"path", path,
		"current_step", cp.CurrentStep,
		"completed_steps", len(cp.CompletedSteps))
	return nil
}

// Load reads a pipeline's checkpoint. found is false when no file exists.
// A file that cannot be decoded is a validation error.
func (s *Store) Load(id string) (*models.Checkpoint, bool, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, false, err
	}

	unlock := s.lock(id)
	defer unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cp, err := decode(data)
	if err != nil {
		return nil, true, errs.Validation("checkpoint.load", fmt.Errorf("malformed checkpoint %s: %w", path, err))
	}

	s.logger.Debug("Checkpoint loaded",
		"pipeline_id", cp.PipelineID,
		"current_step", cp.CurrentStep,
		"completed_steps", len(cp.CompletedSteps))

	return cp, true, nil
}

func decode(data []byte) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp.Results == nil {
		cp.Results = make(models.Results)
	}
	return &cp, nil
}

// Delete removes a pipeline's checkpoint. Deleting a missing checkpoint is
// not an error.
func (s *Store) Delete(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	s.logger.Debug("Checkpoint deleted", "pipeline_id", id)
	return nil
}

// Exists reports whether a checkpoint file is present
func (s *Store) Exists(id string) bool {
	path, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListAll describes every checkpoint in the directory, newest first. Files
// that fail to decode are listed with Err set.
func (s *Store) ListAll() ([]models.CheckpointInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var infos []models.CheckpointInfo
	for _, e := range entries {
		id, ok := idFromFilename(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(s.dir, e.Name())
		info := models.CheckpointInfo{
			PipelineID: id,
			Path:       path,
			ModTime:    fi.ModTime(),
			Size:       fi.Size(),
		}

		data, err := os.ReadFile(path)
		if err == nil {
			var cp *models.Checkpoint
			cp, err = decode(data)
			if err == nil {
				info.Status = cp.Status
				info.CurrentStep = cp.CurrentStep
				info.CompletedSteps = len(cp.CompletedSteps)
				info.TotalSteps = len(cp.Config.StepOrder())
				info.Timestamp = cp.Timestamp
			}
		}
		info.Err = err
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

// CleanupOlderThan deletes checkpoints last written more than maxAge ago
// and returns the removed pipeline IDs. Orphaned temp files are removed too.
func (s *Store) CleanupOlderThan(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}

		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.Contains(name, fileSuffix+".tmp-") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}

		id, ok := idFromFilename(name)
		if !ok {
			continue
		}
		if err := s.Delete(id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
		s.logger.Info("Removed stale checkpoint",
			"pipeline_id", id,
			"age", s.now().Sub(fi.ModTime()).Round(time.Second))
	}
	return removed, nil
}

func idFromFilename(name string) (string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if writer.ValidatePipelineID(id) != nil {
		return "", false
	}
	return id, true
}
