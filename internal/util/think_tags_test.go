package util

import "testing"

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  string
		hasThinks bool
	}{
		{
			name:      "think block before json",
			input:     "<think>Five punchy titles about octopuses</think>{\"titles\": []}",
			expected:  `{"titles": []}`,
			hasThinks: true,
		},
		{
			name:      "thinking block, mixed case",
			input:     "<Thinking>draft the premise</Thinking>\nA diver finds a door.",
			expected:  "A diver finds a door.",
			hasThinks: true,
		},
		{
			name:      "multiple blocks",
			input:     "<think>a</think>Scene one.<think>b</think> Scene two.",
			expected:  "Scene one. Scene two.",
			hasThinks: true,
		},
		{
			name:      "Chinese tags",
			input:     "<思考>让我想想</思考>标题",
			expected:  "标题",
			hasThinks: true,
		},
		{
			name:     "no tags",
			input:    "  The narration as is.  ",
			expected: "The narration as is.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsThinkTags(tt.input); got != tt.hasThinks {
				t.Errorf("ContainsThinkTags() = %v, want %v", got, tt.hasThinks)
			}
			if got := StripThinkTags(tt.input); got != tt.expected {
				t.Errorf("StripThinkTags() = %q, want %q", got, tt.expected)
			}
		})
	}
}
