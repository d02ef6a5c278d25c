package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conversation-intervention-engine/pkg/response"
)

// ResponseGenerator implements response.Generator on top of a Completer
type ResponseGenerator struct {
	completer Completer
	model     string
	persona   string
}

func NewResponseGenerator(completer Completer, model, persona string) *ResponseGenerator {
	return &ResponseGenerator{completer: completer, model: model, persona: persona}
}

func (g *ResponseGenerator) Generate(ctx context.Context, req response.GenerationRequest) (string, error) {
	system := fmt.Sprintf(generationSystemPrompt, g.persona, req.MaxSentences)
	if req.Whisper {
		system = fmt.Sprintf(whisperSystemPrompt, g.persona, req.MaxSentences)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Phase: %s\nSituation: %s\n", req.Phase, req.Category)
	if len(req.Memories) > 0 {
		fmt.Fprintf(&user, "Earlier in this conversation: %s\n", strings.Join(req.Memories, "; "))
	}
	if len(req.Window) > 0 {
		user.WriteString("Recent messages:\n")
		user.WriteString(transcript(req.Window, g.persona))
	}
	fmt.Fprintf(&user, "Respond to %s: %s\n", speaker(req.Latest, g.persona), req.Latest.Body)

	return g.completer.Complete(ctx, Prompt{
		Model:       g.model,
		System:      system,
		User:        user.String(),
		MaxTokens:   120,
		Temperature: 0.8,
	})
}

// Suggester implements response.SuggestionGenerator on top of a Completer
type Suggester struct {
	completer Completer
	model     string
	persona   string
}

func NewSuggester(completer Completer, model, persona string) *Suggester {
	return &Suggester{completer: completer, model: model, persona: persona}
}

func (s *Suggester) Suggest(ctx context.Context, req response.SuggestionRequest) ([]string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "You are writing replies for %s.\n", req.SenderRole)
	if len(req.Window) == 0 {
		user.WriteString("The conversation has not started yet.\n")
	} else {
		user.WriteString("Conversation so far:\n")
		user.WriteString(transcript(req.Window, s.persona))
	}

	out, err := s.completer.Complete(ctx, Prompt{
		Model:       s.model,
		System:      suggestionSystemPrompt,
		User:        user.String(),
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, err
	}
	return parseChoices(out)
}

func parseChoices(out string) ([]string, error) {
	raw := between(stripFences(out), '[', ']')
	if raw == "" {
		return nil, fmt.Errorf("suggestions are not a JSON array: %q", out)
	}
	var choices []string
	if err := json.Unmarshal([]byte(raw), &choices); err != nil {
		return nil, fmt.Errorf("failed to decode suggestions: %w", err)
	}
	return choices, nil
}

var (
	_ response.Generator           = (*ResponseGenerator)(nil)
	_ response.SuggestionGenerator = (*Suggester)(nil)
)
