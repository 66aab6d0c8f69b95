package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LogFileName is the JSON log written at the root of the output directory
const LogFileName = "reelforge.log"

// Workspace manages the output directory: one subdirectory per pipeline run
// holding its artifacts and a backup of the config it was started with.
type Workspace struct {
	root   string
	logger *slog.Logger
}

// NewWorkspace creates the output directory if it doesn't exist
func NewWorkspace(root string, logger *slog.Logger) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Workspace{root: root, logger: logger}, nil
}

// Root returns the output directory
func (w *Workspace) Root() string {
	return w.root
}

// LogPath returns the path of the JSON log file
func (w *Workspace) LogPath() string {
	return filepath.Join(w.root, LogFileName)
}

// RunDir returns the artifact directory of a pipeline run, creating it
func (w *Workspace) RunDir(id string) (string, error) {
	if err := ValidatePipelineID(id); err != nil {
		return "", err
	}
	dir, err := ContainedPath(w.root, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// BackupConfig copies the config file into the run directory so a resumed
// run can be traced back to the settings that started it
func (w *Workspace) BackupConfig(id, configPath string) (string, error) {
	dir, err := w.RunDir(id)
	if err != nil {
		return "", err
	}

	source, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := filepath.Join(dir, "config"+filepath.Ext(configPath)+".bak")
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return "", fmt.Errorf("failed to write config backup: %w", err)
	}

	w.logger.Debug("Backed up config file", "pipeline_id", id, "path", backupPath)
	return backupPath, nil
}
