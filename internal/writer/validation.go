package writer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Pipeline IDs become file names, so they are restricted to a safe alphabet
var pipelineIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidatePipelineID rejects IDs that could escape the checkpoint or output
// directory. It checks for:
//   - Empty IDs
//   - Path traversal attempts (..)
//   - Path separators
//   - Characters outside [A-Za-z0-9_-] or more than 128 characters
//
// This prevents CWE-22 (Improper Limitation of a Pathname to a Restricted Directory)
func ValidatePipelineID(id string) error {
	if id == "" {
		return fmt.Errorf("pipeline id cannot be empty")
	}

	if strings.Contains(id, "..") {
		return fmt.Errorf("invalid pipeline id: contains '..' (path traversal attempt)")
	}

	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid pipeline id: must not contain path separators")
	}

	if !pipelineIDRegex.MatchString(id) {
		return fmt.Errorf("invalid pipeline id %q: expected letters, digits, '-' or '_' (max 128)", id)
	}

	return nil
}

// ContainedPath joins name under dir and verifies the result stays inside dir
func ContainedPath(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	// Use separator suffix to prevent prefix attacks like "/var/out" matching "/var/out-x"
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes directory %q", name, dir)
	}

	return filepath.Join(dir, name), nil
}
