package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompleter talks to any OpenAI-compatible chat completions endpoint
type OpenAICompleter struct {
	client *openai.Client
}

func NewOpenAICompleter(apiKey, baseURL string) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.Model,
		Messages:    messages,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", emptyCompletion("openai")
	}
	return resp.Choices[0].Message.Content, nil
}
