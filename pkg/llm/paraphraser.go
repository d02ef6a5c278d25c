package llm

import (
	"context"
	"strings"

	"conversation-intervention-engine/pkg/response"
)

// Paraphraser implements response.ParaphraseGenerator on top of a Completer
type Paraphraser struct {
	completer Completer
	model     string
}

func NewParaphraser(completer Completer, model string) *Paraphraser {
	return &Paraphraser{completer: completer, model: model}
}

func (p *Paraphraser) Paraphrase(ctx context.Context, lines []string) ([]string, error) {
	out, err := p.completer.Complete(ctx, Prompt{
		Model:       p.model,
		System:      paraphraseSystemPrompt,
		User:        strings.Join(lines, "\n"),
		MaxTokens:   512,
		Temperature: 0.8,
	})
	if err != nil {
		return nil, err
	}
	return strings.Split(stripFences(out), "\n"), nil
}

var _ response.ParaphraseGenerator = (*Paraphraser)(nil)
