package api

import "context"

// Speaker turns narration into encoded audio
type Speaker interface {
	Speak(ctx context.Context, apiKey, text, voice string) ([]byte, error)
	Model() string
	// Format is the audio container extension ("mp3", "wav")
	Format() string
}

// Painter renders one image from a prompt
type Painter interface {
	Paint(ctx context.Context, apiKey, prompt string) ([]byte, error)
	Model() string
}

// OpenAISpeech synthesizes speech through an OpenAI-compatible audio endpoint
type OpenAISpeech struct {
	client  *Client
	baseURL string
	model   string
	format  string
}

var _ Speaker = (*OpenAISpeech)(nil)

// NewOpenAISpeech creates a speech adapter; format defaults to mp3
func NewOpenAISpeech(client *Client, baseURL, model, format string) *OpenAISpeech {
	if format == "" {
		format = "mp3"
	}
	return &OpenAISpeech{client: client, baseURL: baseURL, model: model, format: format}
}

func (s *OpenAISpeech) Model() string  { return s.model }
func (s *OpenAISpeech) Format() string { return s.format }

func (s *OpenAISpeech) Speak(ctx context.Context, apiKey, text, voice string) ([]byte, error) {
	return s.client.Speech(ctx, s.baseURL, apiKey, SpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: s.format,
	})
}

// OpenAIImage generates images through an OpenAI-compatible images endpoint
type OpenAIImage struct {
	client  *Client
	baseURL string
	model   string
	size    string
}

var _ Painter = (*OpenAIImage)(nil)

// NewOpenAIImage creates an image adapter
func NewOpenAIImage(client *Client, baseURL, model, size string) *OpenAIImage {
	return &OpenAIImage{client: client, baseURL: baseURL, model: model, size: size}
}

func (p *OpenAIImage) Model() string { return p.model }

func (p *OpenAIImage) Paint(ctx context.Context, apiKey, prompt string) ([]byte, error) {
	return p.client.Image(ctx, p.baseURL, apiKey, ImageRequest{
		Model:  p.model,
		Prompt: prompt,
		Size:   p.size,
	})
}
