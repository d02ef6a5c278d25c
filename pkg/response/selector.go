package response

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

// Source names where a selected message came from
type Source string

const (
	SourceTemplate  Source = "template"
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

type Selection struct {
	Message models.OutgoingMessage
	Source  Source
	// Err is the recovered generation failure behind a fallback selection
	Err error
}

// TypingNotifier announces that the Agent is composing a reply. Implementations must not block.
type TypingNotifier interface {
	Typing(ctx context.Context, conversationID string, active bool)
}

// Selector picks canned copy first and only asks the generator when no template fits
type Selector struct {
	templates *TemplateSource
	generated ResponseSource
	typing    TypingNotifier
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewSelector builds a selector. generated and typing may be nil.
func NewSelector(templates *TemplateSource, generated ResponseSource, typing TypingNotifier, logger *logrus.Logger, m *metrics.Metrics) *Selector {
	return &Selector{
		templates: templates,
		generated: generated,
		typing:    typing,
		logger:    logger,
		metrics:   m,
	}
}

// Select never fails and never returns an empty body
func (s *Selector) Select(ctx context.Context, req Request) Selection {
	if s.templates.Has(req) {
		msg, err := s.templates.Respond(ctx, req)
		if err == nil {
			return s.selected(req, Selection{Message: msg, Source: SourceTemplate})
		}
	}

	if s.generated == nil {
		return s.selected(req, Selection{Message: s.templates.Fallback(req), Source: SourceFallback})
	}

	if s.typing != nil {
		s.typing.Typing(ctx, req.ConversationID, true)
		defer s.typing.Typing(ctx, req.ConversationID, false)
	}

	start := time.Now()
	msg, err := s.generated.Respond(ctx, req)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": req.ConversationID,
			"category":        req.Category,
			"kind":            apperrors.KindOf(err),
			"elapsed":         time.Since(start).String(),
		}).WithError(err).Warn("Generation failed, using fallback template")
		return s.selected(req, Selection{Message: s.templates.Fallback(req), Source: SourceFallback, Err: err})
	}
	return s.selected(req, Selection{Message: msg, Source: SourceGenerated})
}

func (s *Selector) selected(req Request, sel Selection) Selection {
	s.metrics.ResponsesSelected.WithLabelValues(string(sel.Source), string(req.Category)).Inc()
	return sel
}
