package config

import (
	"fmt"
	"net/url"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB

	// MaxTopicLength is the maximum allowed length for a run topic
	MaxTopicLength = 500
)

// ValidateInputs performs additional security validation on user-controllable fields.
func (c *Config) ValidateInputs() error {
	// Validate provider configurations
	for name, pc := range c.Providers {
		for _, model := range []string{pc.TextModel, pc.SpeechModel, pc.ImageModel} {
			if err := validateModelName(model, name); err != nil {
				return err
			}
		}

		if pc.BaseURL != "" {
			if err := validateBaseURL(pc.BaseURL, name); err != nil {
				return err
			}
		}
	}

	// Validate template sizes
	if err := c.validateTemplateSizes(); err != nil {
		return err
	}

	return nil
}

// ValidateTopic checks a run topic supplied on the command line
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("topic exceeds maximum length of %d characters (got %d)",
			MaxTopicLength, len(topic))
	}
	if containsControlChars(topic) {
		return fmt.Errorf("topic contains invalid control characters")
	}
	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("provider '%s' model name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}

	// Check for control characters
	if containsControlChars(modelName) {
		return fmt.Errorf("provider '%s' model name contains invalid control characters", configKey)
	}

	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("provider '%s' has invalid base_url: %w", configKey, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provider '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("provider '%s' base_url must have a host", configKey)
	}

	return nil
}

// validateTemplateSizes checks that templates are within reasonable size limits
func (c *Config) validateTemplateSizes() error {
	templates := []struct {
		name  string
		value string
	}{
		{"system_prompt", c.PromptTemplates.SystemPrompt},
		{"extraction", c.PromptTemplates.Extraction},
		{"titles", c.PromptTemplates.Titles},
		{"premises", c.PromptTemplates.Premises},
		{"scripts", c.PromptTemplates.Scripts},
	}

	for _, tmpl := range templates {
		if len(tmpl.value) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
				tmpl.name, MaxTemplateSize, len(tmpl.value))
		}
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
