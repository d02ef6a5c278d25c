package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conversation-intervention-engine/pkg/tone"
)

// ToneAnalyzer implements tone.Analyzer on top of a Completer
type ToneAnalyzer struct {
	completer Completer
	model     string
}

func NewToneAnalyzer(completer Completer, model string) *ToneAnalyzer {
	return &ToneAnalyzer{completer: completer, model: model}
}

var _ tone.Analyzer = (*ToneAnalyzer)(nil)

type analysisPayload struct {
	Intensity *float64 `json:"intensity"`
	Urgent    bool     `json:"urgent"`
}

func (a *ToneAnalyzer) Analyze(ctx context.Context, req tone.Request) (tone.Analysis, error) {
	var user strings.Builder
	if len(req.Context) > 0 {
		user.WriteString("Recent conversation:\n")
		user.WriteString(transcript(req.Context, ""))
		user.WriteString("\n")
	}
	if req.Hint != "" {
		fmt.Fprintf(&user, "Pattern detector hint: %s\n", req.Hint)
	}
	fmt.Fprintf(&user, "LAST MESSAGE: %s\n", req.Text)

	maxTokens := 64
	if req.Depth == tone.DepthFull {
		maxTokens = 128
	}

	out, err := a.completer.Complete(ctx, Prompt{
		Model:       a.model,
		System:      analysisSystemPrompt,
		User:        user.String(),
		MaxTokens:   maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return tone.Analysis{}, err
	}
	return parseAnalysis(out)
}

func parseAnalysis(out string) (tone.Analysis, error) {
	raw := between(stripFences(out), '{', '}')
	if raw == "" {
		return tone.Analysis{}, fmt.Errorf("analysis output is not JSON: %q", out)
	}
	var payload analysisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return tone.Analysis{}, fmt.Errorf("failed to decode analysis: %w", err)
	}
	if payload.Intensity == nil {
		return tone.Analysis{}, fmt.Errorf("analysis output has no intensity: %q", out)
	}
	return tone.Analysis{Intensity: *payload.Intensity, Urgent: payload.Urgent}, nil
}
