package api

import (
	"context"
	"strings"
)

// TextGenerator produces text from one prompt with a given credential
type TextGenerator interface {
	GenerateText(ctx context.Context, apiKey string, req TextRequest) (string, error)
	// Model identifies the backing model, used in cache keys
	Model() string
}

// OpenAIText generates text through an OpenAI-compatible chat endpoint
type OpenAIText struct {
	client  *Client
	baseURL string
	model   string
}

var _ TextGenerator = (*OpenAIText)(nil)

// NewOpenAIText creates an OpenAI-compatible text generator
func NewOpenAIText(client *Client, baseURL, model string) *OpenAIText {
	return &OpenAIText{client: client, baseURL: baseURL, model: model}
}

func (o *OpenAIText) Model() string { return o.model }

func (o *OpenAIText) GenerateText(ctx context.Context, apiKey string, req TextRequest) (string, error) {
	messages := make([]Message, 0, 2)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	chatReq := ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	resp, err := o.client.ChatCompletion(ctx, o.baseURL, apiKey, chatReq)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
