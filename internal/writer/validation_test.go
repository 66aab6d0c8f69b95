package writer

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePipelineID_Valid(t *testing.T) {
	tests := []string{
		"run1",
		"2f6c1d0e-7b2a-4bb8-9a52-0c1d2e3f4a5b",
		"batch_2025_07_01",
		strings.Repeat("a", 128),
	}

	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			if err := ValidatePipelineID(tt); err != nil {
				t.Errorf("ValidatePipelineID(%q) returned unexpected error: %v", tt, err)
			}
		})
	}
}

func TestValidatePipelineID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // substring of expected error message
	}{
		{
			name:  "empty",
			input: "",
			want:  "cannot be empty",
		},
		{
			name:  "traversal_double_dot",
			input: "../etc",
			want:  "path traversal",
		},
		{
			name:  "traversal_in_middle",
			input: "run..x",
			want:  "path traversal",
		},
		{
			name:  "unix_separator",
			input: "a/b",
			want:  "path separators",
		},
		{
			name:  "windows_separator",
			input: "a\\b",
			want:  "path separators",
		},
		{
			name:  "leading_dash",
			input: "-run",
			want:  "expected letters",
		},
		{
			name:  "space",
			input: "my run",
			want:  "expected letters",
		},
		{
			name:  "too_long",
			input: strings.Repeat("a", 129),
			want:  "max 128",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipelineID(tt.input)
			if err == nil {
				t.Fatalf("ValidatePipelineID(%q) expected error, got nil", tt.input)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ValidatePipelineID(%q) error = %q, want substring %q", tt.input, err.Error(), tt.want)
			}
		})
	}
}

func TestContainedPath(t *testing.T) {
	dir := t.TempDir()

	got, err := ContainedPath(dir, "checkpoint_run1.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join(dir, "checkpoint_run1.json") {
		t.Errorf("got %s", got)
	}

	for _, bad := range []string{"../x", "..", "."} {
		if _, err := ContainedPath(dir, bad); err == nil {
			t.Errorf("ContainedPath(%q) expected error", bad)
		}
	}
}
