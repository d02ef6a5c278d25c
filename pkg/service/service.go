package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"conversation-intervention-engine/pkg/classifier"
	"conversation-intervention-engine/pkg/config"
	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/handlers"
	"conversation-intervention-engine/pkg/llm"
	"conversation-intervention-engine/pkg/lock"
	"conversation-intervention-engine/pkg/memory"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/notify"
	"conversation-intervention-engine/pkg/pipeline"
	redisClient "conversation-intervention-engine/pkg/redis"
	"conversation-intervention-engine/pkg/response"
	"conversation-intervention-engine/pkg/server"
	"conversation-intervention-engine/pkg/store"
	"conversation-intervention-engine/pkg/stream"
	"conversation-intervention-engine/pkg/timing"
	"conversation-intervention-engine/pkg/tone"
)

const (
	typingTimeout   = time.Second
	shutdownTimeout = 10 * time.Second
)

// Service runs the intervention engine on one pod: the consumers of the partitions it
// owns, the lifecycle subscriber, housekeeping and the HTTP API
type Service struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	pipeline   *pipeline.Pipeline
	producer   *stream.Producer
	partitions *PartitionSet
	lifecycle  *stream.LifecycleSubscriber
	leader     *LeaderElection
	registry   *store.ActivityRegistry
	memory     *memory.Store
	server     *http.Server
}

// NewService wires every component from the configuration. ctx is only used to build
// the language model clients.
func NewService(ctx context.Context, cfg *config.Config, client *redisClient.Client, logger *logrus.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) (*Service, error) {
	rdb := client.GetRedisClient()

	completer, err := llm.NewCompleter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(rdb, cfg.MemoryCacheSize, cfg.MemoryCacheTTL, logger, m)
	if err != nil {
		return nil, err
	}

	var (
		analyzer    tone.Analyzer
		generated   response.ResponseSource
		suggestions response.SuggestionGenerator
		paraphraser response.ParaphraseGenerator
	)
	if completer != nil {
		analyzer = llm.NewToneAnalyzer(completer, cfg.AnalysisModel)

		genCfg := response.DefaultGeneratedConfig()
		genCfg.Timeout = cfg.GenerationTimeout
		genCfg.MemoryTimeout = cfg.MemoryTimeout
		generated = response.NewGeneratedSource(llm.NewResponseGenerator(completer, cfg.GenerationModel, cfg.AgentPersona), mem, cfg.AgentPersona, genCfg, logger, m)

		suggestions = llm.NewSuggester(completer, cfg.GenerationModel, cfg.AgentPersona)
		paraphraser = llm.NewParaphraser(completer, cfg.GenerationModel)
	} else {
		logger.Warn("No language model configured, using heuristic scoring and templates only")
	}

	typing := notify.NewTypingPublisher(rdb, cfg.AgentPersona, typingTimeout, logger)
	selector := response.NewSelector(response.NewTemplateSource(cfg.AgentPersona), generated, typing, logger, m)

	scorer := tone.NewScorer(analyzer, tone.Config{
		FastPathConfidence: cfg.FastPathConfidence,
		FastTimeout:        cfg.FastAnalysisTimeout,
		FullTimeout:        cfg.FullAnalysisTimeout,
	}, logger, m)

	policy := timing.NewPolicy(timing.Config{
		ResponseThreshold:         cfg.ResponseThreshold,
		MinMessagesBeforeResponse: cfg.MinMessagesBeforeResponse,
		Cooldown:                  cfg.Cooldown,
	})

	messages := store.NewMessageStore(rdb, cfg.OutboundStream, logger, m)
	persister := store.NewRetryingStore(messages, store.RetryConfig{
		AttemptTimeout: cfg.PersistTimeout,
		Backoff:        cfg.PersistRetryBackoff,
		MaxRetries:     1,
	}, logger)
	conversations := store.NewConversationStore(rdb, cfg.LifecycleChannel, logger, m)
	registry := store.NewActivityRegistry(rdb, logger, m)

	deps := pipeline.Deps{
		Classifier: classifier.New(2),
		Scorer:     scorer,
		Policy:     policy,
		Selector:   selector,
		Store:      persister,
		Phases:     conversations,
		Activity:   registry,
		Memory:     mem,
		History:    messages,
	}
	if cfg.DistributedLockEnabled {
		deps.Lock = lock.New(rdb, cfg.LockExpiry, logger)
	}

	p := pipeline.New(pipeline.Config{
		WindowSize:    cfg.RollingWindowSize,
		LatencyBudget: cfg.TotalLatencyBudget,
		PhaseTimeout:  constants.ConversationReadLimit,
		MemoryTimeout: cfg.MemoryTimeout,
	}, deps, logger, m)

	producer := stream.NewProducer(rdb, cfg.InboundStream, cfg.ConsumerGroupName, cfg.InboundPartitions, logger, m)
	partitions := NewPartitionSet(rdb, cfg, p, store.NewDeduper(rdb, cfg.DedupeTTL), p, logger, m)

	handler := handlers.NewHandler(handlers.Deps{
		Publisher:  producer,
		Scheduler:  conversations,
		Windows:    p,
		Choices:    response.NewSuggester(suggestions, cfg.GenerationTimeout, logger),
		Onboarding: response.NewOnboarding(paraphraser, cfg.GenerationTimeout, logger),
		Activity:   registry,
		Redis:      client,
	}, cfg.PodID, cfg.AgentPersona, logger)

	return &Service{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		pipeline:   p,
		producer:   producer,
		partitions: partitions,
		lifecycle:  stream.NewLifecycleSubscriber(rdb, cfg.LifecycleChannel, p, logger),
		leader:     NewLeaderElection(rdb, constants.LeaderKey, "housekeeping", cfg.PodID, cfg.LeaderTTL, logger, m),
		registry:   registry,
		memory:     mem,
		server:     server.NewHTTPServer(cfg.Addr(), server.NewRouter(handler, gatherer, logger)),
	}, nil
}

// Run blocks until ctx is cancelled or a component fails, then drains queued cycles
func (s *Service) Run(ctx context.Context) error {
	s.logger.WithField("pod_id", s.config.PodID).Info("Starting intervention engine")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.partitions.Run(gctx) })
	g.Go(func() error { return s.lifecycle.Run(gctx) })
	g.Go(func() error { return s.leader.Run(gctx) })
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.WithField("addr", s.server.Addr).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			return err
		}
		return nil
	})

	err := g.Wait()
	s.pipeline.Close()
	s.logger.Info("Intervention engine stopped")
	return err
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep evicts idle local states on every pod. The leader also prunes the shared
// registry and the memory notes of conversations nobody touched within the window.
func (s *Service) sweep(ctx context.Context) {
	evicted, err := s.pipeline.Sweep(s.config.IdleEvictAfter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to evict idle conversations")
	}
	s.metrics.SweptConversations.WithLabelValues("local").Add(float64(evicted))

	if !s.leader.IsLeader() {
		return
	}

	pruned, err := s.registry.PruneIdle(ctx, time.Now(), s.config.IdleEvictAfter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to prune conversation registry")
		return
	}
	for _, id := range pruned {
		if err := s.memory.Forget(ctx, id); err != nil {
			s.logger.WithError(err).WithField("conversation_id", id).Warn("Failed to drop memory notes")
		}
	}
	s.metrics.SweptConversations.WithLabelValues("registry").Add(float64(len(pruned)))

	if len(pruned) > 0 {
		s.logger.WithField("pruned", len(pruned)).Info("Pruned idle conversations from registry")
	}
}
