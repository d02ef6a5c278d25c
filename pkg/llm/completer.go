package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/config"
)

// Prompt is a single-turn request to a language model
type Prompt struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Completer is the provider-neutral text completion capability
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// NewCompleter builds the configured provider wrapped in a circuit breaker.
// It returns nil when no provider is configured.
func NewCompleter(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Completer, error) {
	var (
		base Completer
		err  error
	)
	switch strings.ToLower(cfg.LLMProvider) {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderOpenAI:
		base = NewOpenAICompleter(cfg.LLMAPIKey, cfg.LLMBaseURL)
	case config.ProviderGemini:
		base, err = NewGeminiCompleter(ctx, cfg.LLMAPIKey)
		if err != nil {
			return nil, apperrors.Configf("gemini client: %w", err)
		}
	default:
		return nil, apperrors.Configf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}

	logger.WithFields(logrus.Fields{
		"provider":         cfg.LLMProvider,
		"analysis_model":   cfg.AnalysisModel,
		"generation_model": cfg.GenerationModel,
	}).Info("Language model capability configured")

	return NewBreakerCompleter(cfg.LLMProvider, base, logger), nil
}

func emptyCompletion(provider string) error {
	return fmt.Errorf("%s returned no content", provider)
}
