package util

import "strings"

// Lead-ins models put before the narration itself
var metaPrefixes = []string{
	"sure! here's",
	"sure, here's",
	"here's your script",
	"here is your script",
	"here is the script",
	"certainly! here",
}

// Sign-offs models append after the narration
var metaSuffixes = []string{
	"let me know if you",
	"i hope this script",
	"feel free to adjust",
	"would you like me to",
}

// CleanNarration removes conversational chatter around generated narration
// and stray markdown emphasis so the text can go straight to speech synthesis.
func CleanNarration(content string) string {
	trimmed := strings.TrimSpace(StripThinkTags(content))
	if trimmed == "" {
		return trimmed
	}

	// Drop a leading meta line such as "Sure! Here's your script:"
	if nl := strings.IndexByte(trimmed, '\n'); nl > 0 {
		first := strings.ToLower(strings.TrimSpace(trimmed[:nl]))
		for _, p := range metaPrefixes {
			if strings.HasPrefix(first, p) {
				trimmed = strings.TrimSpace(trimmed[nl+1:])
				break
			}
		}
	}

	lower := strings.ToLower(trimmed)
	cutIndex := len(trimmed)
	for _, s := range metaSuffixes {
		if idx := strings.LastIndex(lower, s); idx > 0 && idx < cutIndex {
			cutIndex = idx
		}
	}
	if cutIndex < len(trimmed) {
		if result := strings.TrimSpace(trimmed[:cutIndex]); result != "" {
			trimmed = result
		}
	}

	trimmed = strings.ReplaceAll(trimmed, "**", "")
	return strings.TrimSpace(trimmed)
}
