package util

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Precompiled regex patterns for performance (compiled once at package init)
var (
	jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

// ExtractJSON pulls the first JSON value out of an LLM response that may be
// wrapped in markdown fences or prose. Whichever of '[' or '{' appears first
// decides the value kind, so objects holding arrays come back whole. A
// truncated array is closed on a best-effort basis.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	objectStart := strings.Index(s, "{")

	if objectStart != -1 && (arrayStart == -1 || objectStart < arrayStart) {
		if end := findMatchingBracket(s, objectStart, '{', '}'); end != -1 {
			return s[objectStart : end+1]
		}
		return s[objectStart:]
	}

	if arrayStart != -1 {
		if end := findMatchingBracket(s, arrayStart, '[', ']'); end != -1 {
			return s[arrayStart : end+1]
		}
		// Truncated array: keep the complete elements and close it
		body := s[arrayStart:]
		if cut := strings.LastIndex(body, "\","); cut > 0 {
			return strings.TrimRight(body[:cut+1], " \n\t,") + "]"
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for an opening bracket
// using proper bracket matching that handles escaped quotes and strings
// Returns -1 if no matching bracket is found
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		// Only count brackets outside of strings
		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// SanitizeJSON fixes common JSON issues from LLM responses
// Specifically handles unescaped newlines in string values
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		// Replace literal newlines in strings with \n
		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}

// DecodeJSON strips reasoning tags, extracts the JSON value from raw and
// decodes it into v, retrying once with SanitizeJSON applied
func DecodeJSON(raw string, v any) error {
	extracted := ExtractJSON(StripThinkTags(raw))
	if extracted == "" {
		return fmt.Errorf("no JSON found in response")
	}

	err := json.Unmarshal([]byte(extracted), v)
	if err == nil {
		return nil
	}
	if err2 := json.Unmarshal([]byte(SanitizeJSON(extracted)), v); err2 == nil {
		return nil
	}
	return fmt.Errorf("failed to parse JSON response: %w (response: %s)", err, TruncateString(extracted, 200))
}

// ValidateStringArray checks that every entry is non-blank, and that there
// are at least minCount of them
func ValidateStringArray(items []string, minCount int, what string) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	if len(out) < minCount {
		return nil, fmt.Errorf("expected at least %d %s, got %d", minCount, what, len(out))
	}
	return out, nil
}
