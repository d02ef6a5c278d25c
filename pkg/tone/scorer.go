package tone

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/classifier"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/state"
)

// Depth selects how much work the analysis capability should do
type Depth string

const (
	DepthFast Depth = "fast"
	DepthFull Depth = "full"
)

// Path records how a tone result was produced
type Path string

const (
	PathFast      Path = "fast"
	PathFull      Path = "full"
	PathHeuristic Path = "heuristic"
)

// Request is what the scorer sends to the analysis capability
type Request struct {
	ConversationID string
	Text           string
	Depth          Depth
	Hint           models.Category
	Context        []models.Message
}

// Analysis is the raw answer of the analysis capability
type Analysis struct {
	Intensity float64
	Urgent    bool
}

// Analyzer is the external text-analysis capability
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Analysis, error)
}

// Result is the scored tone of the latest message
type Result struct {
	Intensity float64
	// Urgent is only ever set for a message classified as severe escalation
	Urgent bool
	// Flagged is set when the analysis reports urgency the classifier did not see
	Flagged bool
	// Directed is set when the message was whispered to the Agent
	Directed bool
	Category models.Category
	Path     Path
	Fallback bool
}

type Config struct {
	FastPathConfidence float64
	FastTimeout        time.Duration
	FullTimeout        time.Duration
	FastContextSize    int
}

func DefaultConfig() Config {
	return Config{
		FastPathConfidence: 0.6,
		FastTimeout:        300 * time.Millisecond,
		FullTimeout:        800 * time.Millisecond,
		FastContextSize:    2,
	}
}

type Scorer struct {
	analyzer Analyzer
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewScorer builds a scorer. A nil analyzer always scores with the heuristic.
func NewScorer(analyzer Analyzer, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Scorer {
	if cfg.FastContextSize < 1 {
		cfg.FastContextSize = 2
	}
	return &Scorer{
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Score never fails: analysis timeouts and errors fall back to the classifier confidence
func (s *Scorer) Score(ctx context.Context, st *state.ConversationState, cls classifier.Result) Result {
	latest, _ := st.Window.Latest()

	result := Result{
		Intensity: heuristicIntensity(cls),
		Urgent:    cls.IsSevere(),
		Directed:  latest.IsWhisper,
		Category:  cls.Category(),
		Path:      PathHeuristic,
	}

	if s.analyzer == nil {
		return result
	}

	path, depth, timeout, limit := PathFull, DepthFull, s.cfg.FullTimeout, 0
	if cls.Kind != classifier.KindNone && cls.Confidence > s.cfg.FastPathConfidence {
		path, depth, timeout, limit = PathFast, DepthFast, s.cfg.FastTimeout, s.cfg.FastContextSize
	}

	viewer := ""
	if latest.IsWhisper {
		viewer = latest.SenderID
	}
	req := Request{
		ConversationID: st.ConversationID,
		Text:           latest.Body,
		Depth:          depth,
		Hint:           result.Category,
		Context:        st.Window.Visible(viewer, limit),
	}

	start := time.Now()
	analysis, err := s.analyze(ctx, timeout, req)
	s.metrics.AnalysisDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := apperrors.KindOf(err)
		s.metrics.AnalysisCalls.WithLabelValues(string(path), string(kind)).Inc()
		s.logger.WithFields(logrus.Fields{
			"conversation_id": st.ConversationID,
			"path":            path,
			"kind":            kind,
			"heuristic":       result.Intensity,
		}).WithError(err).Warn("Tone analysis failed, using heuristic intensity")
		result.Fallback = true
		return result
	}
	s.metrics.AnalysisCalls.WithLabelValues(string(path), "ok").Inc()

	result.Path = path
	result.Intensity = analysis.Intensity
	if analysis.Urgent && !result.Urgent && cls.Kind != classifier.KindPositive {
		result.Flagged = true
	}
	return result
}

func (s *Scorer) analyze(ctx context.Context, timeout time.Duration, req Request) (Analysis, error) {
	op := fmt.Sprintf("analyze %s", req.Depth)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		analysis Analysis
		err      error
	}
	done := make(chan reply, 1)
	go func() {
		a, err := s.analyzer.Analyze(callCtx, req)
		done <- reply{analysis: a, err: err}
	}()

	select {
	case <-callCtx.Done():
		return Analysis{}, apperrors.FromCall(apperrors.KindAnalysisTimeout, apperrors.KindAnalysisError, op, callCtx.Err())
	case r := <-done:
		if r.err != nil {
			return Analysis{}, apperrors.FromCall(apperrors.KindAnalysisTimeout, apperrors.KindAnalysisError, op, r.err)
		}
		if math.IsNaN(r.analysis.Intensity) || math.IsInf(r.analysis.Intensity, 0) {
			return Analysis{}, apperrors.New(apperrors.KindAnalysisError, op, fmt.Errorf("invalid intensity %v", r.analysis.Intensity))
		}
		r.analysis.Intensity = clamp(r.analysis.Intensity)
		return r.analysis, nil
	}
}

func heuristicIntensity(cls classifier.Result) float64 {
	if cls.Kind == classifier.KindNone {
		return 0
	}
	return clamp(cls.Confidence)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
