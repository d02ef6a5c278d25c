package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiCompleter calls the Gemini API through the genai SDK
type GeminiCompleter struct {
	client *genai.Client
}

func NewGeminiCompleter(ctx context.Context, apiKey string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiCompleter{client: client}, nil
}

func (c *GeminiCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(p.Temperature),
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, p.Model, genai.Text(p.User), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", emptyCompletion("gemini")
	}
	return text, nil
}
