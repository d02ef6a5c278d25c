package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

type fakeGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	block bool
	seen  []GenerationRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

type fakeMemory struct {
	items []string
	err   error
}

func (f *fakeMemory) Search(_ context.Context, _, _ string, limit int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type fakeTyping struct {
	mu     sync.Mutex
	events []bool
}

func (f *fakeTyping) Typing(_ context.Context, _ string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, active)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestSelector(gen Generator, mem MemoryLookup, typing TypingNotifier) *Selector {
	cfg := DefaultGeneratedConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.MemoryTimeout = 10 * time.Millisecond
	m := metrics.NewTestMetrics()
	var generated ResponseSource
	if gen != nil {
		generated = NewGeneratedSource(gen, mem, "glovy", cfg, testLogger(), m)
	}
	return NewSelector(NewTemplateSource("glovy"), generated, typing, testLogger(), m)
}

func TestSelector_ContemptLiveBroadcastTemplate(t *testing.T) {
	gen := &fakeGenerator{text: "should not be used"}
	s := newTestSelector(gen, nil, nil)

	sel := s.Select(context.Background(), Request{
		ConversationID: "conv_1",
		Category:       models.CategoryContempt,
		Phase:          models.PhaseLive,
	})

	require.Equal(t, SourceTemplate, sel.Source)
	assert.Contains(t, cannedTemplates[templateKey{models.CategoryContempt, anyPhase, false}], sel.Message.Body)
	assert.Equal(t, "conv_1", sel.Message.ConversationID)
	assert.Nil(t, sel.Message.SenderID)
	assert.Nil(t, sel.Message.RecipientID)
	assert.Equal(t, models.RoleAgent, sel.Message.SenderRole)
	assert.Equal(t, "glovy", sel.Message.Persona)
	assert.Equal(t, models.MessageTypeText, sel.Message.MessageType)
	assert.False(t, sel.Message.IsWhisper)
	assert.Empty(t, gen.seen)
}

func TestSelector_TemplateVariantIsDeterministic(t *testing.T) {
	s := newTestSelector(nil, nil, nil)
	req := Request{ConversationID: "conv_1", Category: models.CategoryInterruption, Phase: models.PhaseLive, Variant: 2}

	first := s.Select(context.Background(), req)
	second := s.Select(context.Background(), req)
	assert.Equal(t, first.Message.Body, second.Message.Body)
	assert.Equal(t, "Whoa there! One at a time—let's hear them out.", first.Message.Body)
}

func TestSelector_PhaseSpecificTemplateWins(t *testing.T) {
	s := newTestSelector(nil, nil, nil)
	sel := s.Select(context.Background(), Request{Category: models.CategoryPositive, Phase: models.PhaseIntro})
	assert.Contains(t, cannedTemplates[templateKey{models.CategoryPositive, models.PhaseIntro, false}], sel.Message.Body)
}

func TestSelector_WhisperAddressedToRecipient(t *testing.T) {
	s := newTestSelector(nil, nil, nil)
	sel := s.Select(context.Background(), Request{
		ConversationID: "conv_1",
		Category:       models.CategoryContempt,
		Phase:          models.PhaseLive,
		Whisper:        true,
		RecipientID:    "user_a",
	})

	require.True(t, sel.Message.IsWhisper)
	require.NotNil(t, sel.Message.RecipientID)
	assert.Equal(t, "user_a", *sel.Message.RecipientID)
	assert.Contains(t, cannedTemplates[templateKey{models.CategoryContempt, anyPhase, true}], sel.Message.Body)
}

func TestSelector_GeneratesWhenNoTemplate(t *testing.T) {
	gen := &fakeGenerator{text: "Round three of the budget talk. What would a small win look like today? And another sentence."}
	typing := &fakeTyping{}
	s := newTestSelector(gen, &fakeMemory{items: []string{"a", "b", "c"}}, typing)

	window := make([]models.Message, 8)
	sel := s.Select(context.Background(), Request{
		ConversationID: "conv_1",
		Category:       models.CategoryRepetition,
		Phase:          models.PhaseLive,
		Window:         window,
		Latest:         models.Message{Body: "We need to talk about the budget"},
	})

	require.Equal(t, SourceGenerated, sel.Source)
	assert.Equal(t, "Round three of the budget talk. What would a small win look like today?", sel.Message.Body)
	require.Len(t, gen.seen, 1)
	assert.Len(t, gen.seen[0].Window, 5)
	assert.Equal(t, []string{"a", "b"}, gen.seen[0].Memories)
	assert.Equal(t, []bool{true, false}, typing.events)
}

func TestSelector_GenerationTimeoutStillYieldsMessage(t *testing.T) {
	s := newTestSelector(&fakeGenerator{block: true}, nil, nil)

	start := time.Now()
	sel := s.Select(context.Background(), Request{ConversationID: "conv_1", Category: models.CategoryGeneric, Phase: models.PhaseLive})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SourceFallback, sel.Source)
	assert.NotEmpty(t, sel.Message.Body)
	assert.True(t, errors.Is(sel.Err, apperrors.ErrGenerationTimeout))
}

func TestSelector_GenerationErrorAndEmptyOutputFallBack(t *testing.T) {
	sel := newTestSelector(&fakeGenerator{err: errors.New("quota")}, nil, nil).
		Select(context.Background(), Request{Category: models.CategoryRepetition, Phase: models.PhaseLive})
	assert.Equal(t, SourceFallback, sel.Source)
	assert.Contains(t, fallbackTemplates[models.CategoryRepetition], sel.Message.Body)
	assert.True(t, errors.Is(sel.Err, apperrors.ErrGenerationError))

	sel = newTestSelector(&fakeGenerator{text: "   "}, nil, nil).
		Select(context.Background(), Request{Category: models.CategoryGeneric, Phase: models.PhaseLive, Whisper: true, RecipientID: "user_b"})
	assert.Equal(t, SourceFallback, sel.Source)
	assert.Contains(t, whisperFallback, sel.Message.Body)
}

func TestSelector_MemoryFailureDoesNotBlockGeneration(t *testing.T) {
	gen := &fakeGenerator{text: "Try naming the feeling."}
	s := newTestSelector(gen, &fakeMemory{err: errors.New("memory down")}, nil)

	sel := s.Select(context.Background(), Request{Category: models.CategoryRepetition, Phase: models.PhaseLive})
	assert.Equal(t, SourceGenerated, sel.Source)
	assert.Empty(t, gen.seen[0].Memories)
}

func TestSelector_NoGeneratorUsesFallback(t *testing.T) {
	sel := newTestSelector(nil, nil, nil).Select(context.Background(), Request{Category: models.CategoryGeneric, Phase: models.PhaseLive})
	assert.Equal(t, SourceFallback, sel.Source)
	assert.NotEmpty(t, sel.Message.Body)
}

func TestLimitSentences(t *testing.T) {
	assert.Equal(t, "One. Two!", LimitSentences("One. Two! Three?", 2))
	assert.Equal(t, "Version 2.5 is out. Nice.", LimitSentences("Version 2.5 is out. Nice. Really.", 2))
	assert.Equal(t, "no punctuation here", LimitSentences("  \"no   punctuation here\" ", 2))
	assert.Equal(t, "", LimitSentences("   ", 2))
}

type fakeSuggestions struct {
	choices []string
	err     error
}

func (f fakeSuggestions) Suggest(context.Context, SuggestionRequest) ([]string, error) {
	return f.choices, f.err
}

func TestSuggester(t *testing.T) {
	s := NewSuggester(fakeSuggestions{choices: []string{"a", " ", "b", "c", "d", "e"}}, time.Second, testLogger())
	got, generated := s.Suggest(context.Background(), SuggestionRequest{ConversationID: "conv_1"})
	assert.True(t, generated)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)

	s = NewSuggester(fakeSuggestions{err: errors.New("down")}, time.Second, testLogger())
	got, generated = s.Suggest(context.Background(), SuggestionRequest{ConversationID: "conv_1"})
	assert.False(t, generated)
	assert.Equal(t, DefaultQuickChoices, got)

	got, _ = NewSuggester(nil, time.Second, testLogger()).Suggest(context.Background(), SuggestionRequest{})
	assert.Len(t, got, MaxQuickChoices)
}
