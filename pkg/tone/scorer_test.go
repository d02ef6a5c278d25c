package tone

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-intervention-engine/pkg/classifier"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/state"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	analysis Analysis
	err      error
	block    bool
	requests []Request
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req Request) (Analysis, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return Analysis{}, ctx.Err()
	}
	return f.analysis, f.err
}

func (f *fakeAnalyzer) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestScorer(a Analyzer) *Scorer {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := DefaultConfig()
	cfg.FastTimeout = 20 * time.Millisecond
	cfg.FullTimeout = 40 * time.Millisecond
	return NewScorer(a, cfg, logger, metrics.NewTestMetrics())
}

func stateWith(bodies ...string) *state.ConversationState {
	st := state.NewConversationState("conv_1", 5)
	for i, body := range bodies {
		role := models.RolePartyA
		if i%2 == 1 {
			role = models.RolePartyB
		}
		st.Observe(models.Message{ID: body, ConversationID: "conv_1", SenderRole: role, Body: body})
	}
	return st
}

func TestScorer_FastPathForConfidentClassification(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: Analysis{Intensity: 0.8}}
	s := newTestScorer(analyzer)
	st := stateWith("one", "two", "three", "That's stupid, whatever")
	cls := classifier.Result{Kind: classifier.KindContempt, Confidence: 0.85}

	got := s.Score(context.Background(), st, cls)

	assert.Equal(t, PathFast, got.Path)
	assert.InDelta(t, 0.8, got.Intensity, 1e-9)
	assert.False(t, got.Urgent)
	assert.False(t, got.Fallback)
	assert.Equal(t, models.CategoryContempt, got.Category)

	req := analyzer.last()
	assert.Equal(t, DepthFast, req.Depth)
	assert.Equal(t, "That's stupid, whatever", req.Text)
	assert.Len(t, req.Context, 2)
}

func TestScorer_FullPathForNoneOrLowConfidence(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: Analysis{Intensity: 0.4}}
	s := newTestScorer(analyzer)
	st := stateWith("one", "two", "three", "four")

	got := s.Score(context.Background(), st, classifier.None())

	assert.Equal(t, PathFull, got.Path)
	assert.Equal(t, models.CategoryGeneric, got.Category)
	req := analyzer.last()
	assert.Equal(t, DepthFull, req.Depth)
	assert.Len(t, req.Context, 4)
}

func TestScorer_TimeoutFallsBackToHeuristic(t *testing.T) {
	s := newTestScorer(&fakeAnalyzer{block: true})
	st := stateWith("whatever")
	cls := classifier.Result{Kind: classifier.KindContempt, Confidence: 0.85}

	start := time.Now()
	got := s.Score(context.Background(), st, cls)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, got.Fallback)
	assert.Equal(t, PathHeuristic, got.Path)
	assert.InDelta(t, 0.85, got.Intensity, 1e-9)
}

func TestScorer_ErrorAndInvalidOutputFallBack(t *testing.T) {
	cls := classifier.Result{Kind: classifier.KindInterruption, Confidence: 0.7}

	got := newTestScorer(&fakeAnalyzer{err: errors.New("boom")}).Score(context.Background(), stateWith("hold on"), cls)
	assert.True(t, got.Fallback)
	assert.InDelta(t, 0.7, got.Intensity, 1e-9)

	got = newTestScorer(&fakeAnalyzer{analysis: Analysis{Intensity: math.NaN()}}).Score(context.Background(), stateWith("hold on"), cls)
	assert.True(t, got.Fallback)
}

func TestScorer_ClampsIntensity(t *testing.T) {
	got := newTestScorer(&fakeAnalyzer{analysis: Analysis{Intensity: 4}}).Score(context.Background(), stateWith("hey"), classifier.None())
	assert.Equal(t, 1.0, got.Intensity)
}

func TestScorer_AnalysisUrgencyKeepsCategory(t *testing.T) {
	s := newTestScorer(&fakeAnalyzer{analysis: Analysis{Intensity: 0.9, Urgent: true}})
	cls := classifier.Result{Kind: classifier.KindEscalation, Tier: models.TierModerate, Confidence: 0.8}

	got := s.Score(context.Background(), stateWith("SHUT UP NOW PLEASE"), cls)

	assert.False(t, got.Urgent)
	require.True(t, got.Flagged)
	assert.Equal(t, models.CategoryEscalationModerate, got.Category)

	positive := classifier.Result{Kind: classifier.KindPositive, Confidence: 0.8}
	got = s.Score(context.Background(), stateWith("I hear you"), positive)
	assert.False(t, got.Flagged)
	assert.Equal(t, models.CategoryPositive, got.Category)

	severe := classifier.Result{Kind: classifier.KindEscalation, Tier: models.TierSevere, Confidence: 0.95}
	got = s.Score(context.Background(), stateWith("I hate you"), severe)
	assert.True(t, got.Urgent)
	assert.False(t, got.Flagged)
}

func TestScorer_NilAnalyzerUsesHeuristic(t *testing.T) {
	s := newTestScorer(nil)
	cls := classifier.Result{Kind: classifier.KindEscalation, Tier: models.TierSevere, Confidence: 0.95}

	got := s.Score(context.Background(), stateWith("I hate you"), cls)

	assert.Equal(t, PathHeuristic, got.Path)
	assert.False(t, got.Fallback)
	assert.True(t, got.Urgent)
	assert.Equal(t, models.CategoryEscalationSevere, got.Category)
}

func TestScorer_WhisperIsDirected(t *testing.T) {
	st := state.NewConversationState("conv_1", 5)
	st.Observe(models.Message{ID: "m1", SenderRole: models.RolePartyA, SenderID: "user_a", Body: "help me out here", IsWhisper: true, RecipientID: "agent"})

	got := newTestScorer(nil).Score(context.Background(), st, classifier.None())
	assert.True(t, got.Directed)
	assert.False(t, got.Urgent)
}
