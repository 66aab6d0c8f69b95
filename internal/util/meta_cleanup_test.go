package util

import "testing"

func TestCleanNarration(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no meta",
			input: "The ocean hides a secret.",
			want:  "The ocean hides a secret.",
		},
		{
			name:  "leading meta line",
			input: "Sure! Here's your script:\nThe ocean hides a secret.",
			want:  "The ocean hides a secret.",
		},
		{
			name:  "trailing sign-off",
			input: "The ocean hides a secret.\n\nLet me know if you want changes!",
			want:  "The ocean hides a secret.",
		},
		{
			name:  "markdown emphasis and think tags",
			input: "<think>hmm</think>The **ocean** hides a secret.",
			want:  "The ocean hides a secret.",
		},
		{
			name:  "empty",
			input: "   ",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanNarration(tt.input); got != tt.want {
				t.Errorf("CleanNarration() = %q, want %q", got, tt.want)
			}
		})
	}
}
