package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

// ErrNoTemplate is returned by TemplateSource when no canned copy exists for the key
var ErrNoTemplate = errors.New("no template for key")

// Request carries everything a source needs to produce an intervention
type Request struct {
	ConversationID string
	Category       models.Category
	Phase          models.Phase
	Whisper        bool
	// RecipientID is the participant a whisper reply is addressed to
	RecipientID string
	// Window is the context visible to the reply's audience, oldest first
	Window  []models.Message
	Latest  models.Message
	Variant int
}

// ResponseSource produces an outgoing Agent message for a positive timing decision
type ResponseSource interface {
	Respond(ctx context.Context, req Request) (models.OutgoingMessage, error)
}

func newOutgoing(req Request, persona, body string) models.OutgoingMessage {
	msg := models.OutgoingMessage{
		ConversationID: req.ConversationID,
		SenderID:       nil,
		SenderRole:     models.RoleAgent,
		Persona:        persona,
		Body:           body,
		MessageType:    models.MessageTypeText,
		IsWhisper:      req.Whisper,
	}
	if req.Whisper && req.RecipientID != "" {
		recipient := req.RecipientID
		msg.RecipientID = &recipient
	}
	return msg
}

// TemplateSource returns canned copy verbatim
type TemplateSource struct {
	persona string
}

func NewTemplateSource(persona string) *TemplateSource {
	return &TemplateSource{persona: persona}
}

func (t *TemplateSource) Has(req Request) bool {
	return len(lookupTemplates(req.Category, req.Phase, req.Whisper)) > 0
}

func (t *TemplateSource) Respond(_ context.Context, req Request) (models.OutgoingMessage, error) {
	list := lookupTemplates(req.Category, req.Phase, req.Whisper)
	if len(list) == 0 {
		return models.OutgoingMessage{}, fmt.Errorf("%w: %s/%s/whisper=%t", ErrNoTemplate, req.Category, req.Phase, req.Whisper)
	}
	return newOutgoing(req, t.persona, pick(list, req.Variant)), nil
}

// Fallback returns the generic copy for the category. It never returns an empty body.
func (t *TemplateSource) Fallback(req Request) models.OutgoingMessage {
	return newOutgoing(req, t.persona, pick(fallbackFor(req.Category, req.Whisper), req.Variant))
}

// GenerationRequest is the bounded input handed to the generation capability
type GenerationRequest struct {
	ConversationID string
	Category       models.Category
	Phase          models.Phase
	Whisper        bool
	Window         []models.Message
	Latest         models.Message
	Memories       []string
	MaxSentences   int
}

// Generator is the external text-generation capability
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// MemoryLookup is the optional key-value memory capability
type MemoryLookup interface {
	Search(ctx context.Context, conversationID, query string, limit int) ([]string, error)
}

type GeneratedConfig struct {
	Timeout       time.Duration
	MemoryTimeout time.Duration
	WindowSize    int
	MaxMemories   int
	MaxSentences  int
}

func DefaultGeneratedConfig() GeneratedConfig {
	return GeneratedConfig{
		Timeout:       1500 * time.Millisecond,
		MemoryTimeout: 150 * time.Millisecond,
		WindowSize:    5,
		MaxMemories:   2,
		MaxSentences:  2,
	}
}

// GeneratedSource asks the generation capability for a short contextual reply
type GeneratedSource struct {
	generator Generator
	memory    MemoryLookup
	persona   string
	cfg       GeneratedConfig
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewGeneratedSource builds the source. memory may be nil.
func NewGeneratedSource(generator Generator, memory MemoryLookup, persona string, cfg GeneratedConfig, logger *logrus.Logger, m *metrics.Metrics) *GeneratedSource {
	return &GeneratedSource{
		generator: generator,
		memory:    memory,
		persona:   persona,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

func (g *GeneratedSource) Respond(ctx context.Context, req Request) (models.OutgoingMessage, error) {
	window := req.Window
	if g.cfg.WindowSize > 0 && len(window) > g.cfg.WindowSize {
		window = window[len(window)-g.cfg.WindowSize:]
	}

	genReq := GenerationRequest{
		ConversationID: req.ConversationID,
		Category:       req.Category,
		Phase:          req.Phase,
		Whisper:        req.Whisper,
		Window:         window,
		Latest:         req.Latest,
		Memories:       g.memories(ctx, req),
		MaxSentences:   g.cfg.MaxSentences,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := g.generator.Generate(callCtx, genReq)
		done <- reply{text: text, err: err}
	}()

	var text string
	select {
	case <-callCtx.Done():
		g.metrics.GenerationCalls.WithLabelValues(string(apperrors.KindGenerationTimeout)).Inc()
		return models.OutgoingMessage{}, apperrors.FromCall(apperrors.KindGenerationTimeout, apperrors.KindGenerationError, "generate", callCtx.Err())
	case r := <-done:
		if r.err != nil {
			err := apperrors.FromCall(apperrors.KindGenerationTimeout, apperrors.KindGenerationError, "generate", r.err)
			g.metrics.GenerationCalls.WithLabelValues(string(err.Kind)).Inc()
			return models.OutgoingMessage{}, err
		}
		text = r.text
	}

	body := LimitSentences(text, g.cfg.MaxSentences)
	if body == "" {
		g.metrics.GenerationCalls.WithLabelValues(string(apperrors.KindGenerationError)).Inc()
		return models.OutgoingMessage{}, apperrors.New(apperrors.KindGenerationError, "generate", errors.New("empty generation"))
	}
	g.metrics.GenerationCalls.WithLabelValues("ok").Inc()
	return newOutgoing(req, g.persona, body), nil
}

// memories never fails: lookup errors and timeouts only cost the context
func (g *GeneratedSource) memories(ctx context.Context, req Request) []string {
	if g.memory == nil || g.cfg.MaxMemories < 1 {
		return nil
	}
	if req.Category == models.CategoryPositive || req.Category == models.CategoryGeneric {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.MemoryTimeout)
	defer cancel()

	items, err := g.memory.Search(lookupCtx, req.ConversationID, req.Latest.Body, g.cfg.MaxMemories)
	if err != nil {
		g.metrics.MemoryLookups.WithLabelValues("error").Inc()
		g.logger.WithFields(logrus.Fields{
			"conversation_id": req.ConversationID,
		}).WithError(err).Debug("Memory lookup failed")
		return nil
	}
	g.metrics.MemoryLookups.WithLabelValues("ok").Inc()
	if len(items) > g.cfg.MaxMemories {
		items = items[:g.cfg.MaxMemories]
	}
	return items
}

// LimitSentences trims text to at most n sentences and collapses whitespace
func LimitSentences(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	text = strings.Trim(text, "\"'` ")
	if n < 1 || text == "" {
		return text
	}

	count := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		count++
		if count == n {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return text
}
