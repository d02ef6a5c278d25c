package response

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/models"
)

const MaxQuickChoices = 4

// DefaultQuickChoices are served whenever suggestion generation is unavailable
var DefaultQuickChoices = []string{
	"I hear what you're saying and that makes sense.",
	"What part of that feels most important to you?",
	"I'm sorry if this is causing you some stress.",
	"That is fair, but I see things a little differently.",
}

type SuggestionRequest struct {
	ConversationID string
	SenderID       string
	SenderRole     models.SenderRole
	Window         []models.Message
}

// SuggestionGenerator produces candidate replies a party can send
type SuggestionGenerator interface {
	Suggest(ctx context.Context, req SuggestionRequest) ([]string, error)
}

// Suggester serves quick reply choices with a fixed fallback list
type Suggester struct {
	generator SuggestionGenerator
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewSuggester(generator SuggestionGenerator, timeout time.Duration, logger *logrus.Logger) *Suggester {
	return &Suggester{generator: generator, timeout: timeout, logger: logger}
}

// Suggest returns up to four choices and whether they were generated
func (s *Suggester) Suggest(ctx context.Context, req SuggestionRequest) ([]string, bool) {
	if s.generator == nil {
		return defaultChoices(), false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	choices, err := s.generator.Suggest(callCtx, req)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": req.ConversationID,
			"sender_id":       req.SenderID,
		}).WithError(err).Warn("Quick choice generation failed, using defaults")
		return defaultChoices(), false
	}

	cleaned := make([]string, 0, MaxQuickChoices)
	for _, c := range choices {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		cleaned = append(cleaned, c)
		if len(cleaned) == MaxQuickChoices {
			break
		}
	}
	if len(cleaned) == 0 {
		return defaultChoices(), false
	}
	return cleaned, true
}

func defaultChoices() []string {
	out := make([]string, len(DefaultQuickChoices))
	copy(out, DefaultQuickChoices)
	return out
}
