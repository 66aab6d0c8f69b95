package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/lamim/reelforge/internal/errs"
)

// GeminiText generates text with the Gemini API. The SDK binds a key to a
// client, so one client is kept per key the pool hands out.
type GeminiText struct {
	baseURL string
	model   string
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

var _ TextGenerator = (*GeminiText)(nil)

// NewGeminiText creates a Gemini text generator
func NewGeminiText(baseURL, model string, logger *slog.Logger) *GeminiText {
	return &GeminiText{
		baseURL: baseURL,
		model:   model,
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}
}

func (g *GeminiText) Model() string { return g.model }

func (g *GeminiText) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}

	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: g.baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	g.clients[apiKey] = c
	return c, nil
}

func (g *GeminiText) GenerateText(ctx context.Context, apiKey string, req TextRequest) (string, error) {
	const op = "api.gemini_generate"

	c, err := g.client(ctx, apiKey)
	if err != nil {
		return "", ClassifyGemini(op, err)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	chat, err := c.Chats.Create(ctx, g.model, cfg, nil)
	if err != nil {
		return "", ClassifyGemini(op, err)
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: req.Prompt})
	if err != nil {
		return "", ClassifyGemini(op, err)
	}

	text := geminiText(resp)
	if text == "" {
		return "", errs.Validationf(op, "empty response from %s", g.model)
	}

	if resp.UsageMetadata != nil {
		g.logger.Debug("Gemini usage",
			"model", g.model,
			"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
			"completion_tokens", resp.UsageMetadata.CandidatesTokenCount)
	}
	return text, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
