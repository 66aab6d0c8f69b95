package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/lamim/reelforge/internal/errs"
)

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

var quotaMarkers = []string{
	"insufficient_quota",
	"exceeded your current",
	"quota",
	"billing",
}

func mentionsQuota(parts ...string) bool {
	for _, p := range parts {
		lower := strings.ToLower(p)
		for _, m := range quotaMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

// KindForStatus maps an HTTP failure to an error kind. A 429 whose body
// names a quota is a hard quota failure; a bare 429 is a rate limit.
func KindForStatus(status int, message, errType, code string) errs.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		if mentionsQuota(message, errType, code) {
			return errs.KindQuota
		}
		return errs.KindRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return errs.KindQuota
	case status == http.StatusRequestTimeout, status >= 500:
		return errs.KindTransient
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusNotFound, status == http.StatusRequestEntityTooLarge:
		return errs.KindValidation
	}
	return errs.KindFatal
}

// classify wraps an adapter failure with its kind
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 0 {
			return errs.Transient(op, err)
		}
		return errs.New(KindForStatus(apiErr.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code), op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient(op, err)
	}

	return errs.Fatal(op, err)
}

// ClassifyGemini maps a Gemini SDK failure to a kind from the typed
// APIError the SDK returns for non-2xx responses.
func ClassifyGemini(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(op, err)
	}

	if apiErr, ok := geminiAPIError(err); ok {
		return errs.New(geminiKind(apiErr), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient(op, err)
	}
	return errs.Fatal(op, err)
}

func geminiAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

func geminiKind(e genai.APIError) errs.Kind {
	if e.Code == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED" {
		// Free-tier per-minute limits also mention quota; only daily
		// limits are hard exhaustion.
		lower := strings.ToLower(e.Message)
		if strings.Contains(lower, "per day") || strings.Contains(lower, "perday") {
			return errs.KindQuota
		}
		return errs.KindRateLimit
	}
	// Gemini rejects a bad key with 400 INVALID_ARGUMENT
	if strings.Contains(strings.ToLower(e.Message), "api key not valid") {
		return errs.KindQuota
	}

	switch e.Status {
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return errs.KindQuota
	case "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED":
		return errs.KindTransient
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND":
		return errs.KindValidation
	}
	if e.Code > 0 {
		return KindForStatus(e.Code, e.Message, e.Status, "")
	}
	return errs.KindFatal
}
