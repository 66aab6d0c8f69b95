package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultHTTPTimeout bounds a single request when the caller sets no deadline
	DefaultHTTPTimeout = 120 * time.Second
	// maxErrorBody caps how much of an error response is kept in messages
	maxErrorBody = 2048
)

// Client handles HTTP requests to OpenAI-compatible API endpoints. It makes
// exactly one attempt per call; retry and key rotation belong to the caller.
// Every returned error is classified into an errs.Kind.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client
func NewClient(logger *slog.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// ChatCompletion sends a chat completion request
func (c *Client) ChatCompletion(ctx context.Context, baseURL, apiKey string, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	const op = "api.chat_completion"

	if req.N == 0 {
		req.N = 1
	}

	respBody, err := c.post(ctx, baseURL, "chat/completions", apiKey, req)
	if err != nil {
		return nil, classify(op, err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, classify(op, &APIError{
			Message:    fmt.Sprintf("failed to parse response: %v", err),
			StatusCode: http.StatusUnprocessableEntity,
		})
	}
	if len(resp.Choices) == 0 {
		return nil, classify(op, &APIError{
			Message:    "no choices returned in response",
			StatusCode: http.StatusUnprocessableEntity,
		})
	}

	return &resp, nil
}

// Speech synthesizes audio and returns the raw encoded bytes
func (c *Client) Speech(ctx context.Context, baseURL, apiKey string, req SpeechRequest) ([]byte, error) {
	const op = "api.speech"

	if req.ResponseFormat == "" {
		req.ResponseFormat = "mp3"
	}

	audio, err := c.post(ctx, baseURL, "audio/speech", apiKey, req)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(audio) == 0 {
		return nil, classify(op, &APIError{Message: "empty audio response", StatusCode: http.StatusUnprocessableEntity})
	}
	return audio, nil
}

// Image generates one image and returns its decoded bytes. URL responses are
// downloaded with the same client.
func (c *Client) Image(ctx context.Context, baseURL, apiKey string, req ImageRequest) ([]byte, error) {
	const op = "api.image"

	if req.N == 0 {
		req.N = 1
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "b64_json"
	}

	respBody, err := c.post(ctx, baseURL, "images/generations", apiKey, req)
	if err != nil {
		return nil, classify(op, err)
	}

	var resp ImageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, classify(op, &APIError{
			Message:    fmt.Sprintf("failed to parse image response: %v", err),
			StatusCode: http.StatusUnprocessableEntity,
		})
	}
	if len(resp.Data) == 0 {
		return nil, classify(op, &APIError{Message: "no images returned", StatusCode: http.StatusUnprocessableEntity})
	}

	img := resp.Data[0]
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, classify(op, &APIError{
				Message:    fmt.Sprintf("invalid base64 image: %v", err),
				StatusCode: http.StatusUnprocessableEntity,
			})
		}
		return data, nil
	}
	if img.URL != "" {
		data, err := c.download(ctx, img.URL)
		if err != nil {
			return nil, classify(op, err)
		}
		return data, nil
	}
	return nil, classify(op, &APIError{Message: "image has neither data nor url", StatusCode: http.StatusUnprocessableEntity})
}

func joinEndpoint(baseURL, path string) string {
	if strings.HasSuffix(baseURL, "/") {
		return baseURL + path
	}
	return baseURL + "/" + path
}

func (c *Client) post(ctx context.Context, baseURL, path, apiKey string, payload any) ([]byte, error) {
	// Marshal request body into a pooled buffer
	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := joinEndpoint(baseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		c.logger.Debug("API request", "endpoint", endpoint, "has_key", true, "key_length", len(apiKey))
	} else {
		c.logger.Warn("API request without key", "endpoint", endpoint)
	}

	return c.do(httpReq)
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) ([]byte, error) {
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("request failed: %w", ctxErr)
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("request failed: %v", err),
			StatusCode: 0,
			Retryable:  true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}

		body := string(respBody)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("API request failed with status %d: %s", httpResp.StatusCode, body),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	return respBody, nil
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
