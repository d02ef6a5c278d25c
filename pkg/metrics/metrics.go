package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CycleDuration            prometheus.Histogram
	CyclesTotal              *prometheus.CounterVec
	LatencyBudgetOverruns    prometheus.Counter
	AnalysisCalls            *prometheus.CounterVec
	AnalysisDuration         *prometheus.HistogramVec
	GenerationCalls          *prometheus.CounterVec
	ResponsesSelected        *prometheus.CounterVec
	PersistenceFailures      prometheus.Counter
	MemoryLookups            *prometheus.CounterVec
	ActiveConversations      prometheus.Gauge
	RedisOperationDuration   *prometheus.HistogramVec
	StreamProcessingDuration prometheus.Histogram
	StreamMessagesProcessed  *prometheus.CounterVec
	LeaderChanges            *prometheus.CounterVec
	OwnedPartitions          prometheus.Gauge
	SweptConversations       *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intervention_cycle_duration_seconds",
			Help:    "Wall-clock duration of a classification to response cycle",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_cycles_total",
			Help: "Total number of processed message events by outcome",
		}, []string{"outcome"}),
		LatencyBudgetOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "intervention_latency_budget_overruns_total",
			Help: "Cycles that exceeded the total latency budget",
		}),
		AnalysisCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_analysis_calls_total",
			Help: "Tone analysis calls by path and status",
		}, []string{"path", "status"}),
		AnalysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intervention_analysis_duration_seconds",
			Help:    "Time taken by tone analysis calls",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.2},
		}, []string{"path"}),
		GenerationCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_generation_calls_total",
			Help: "Response generation calls by status",
		}, []string{"status"}),
		ResponsesSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_responses_selected_total",
			Help: "Interventions selected by source and category",
		}, []string{"source", "category"}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "intervention_persistence_failures_total",
			Help: "Cycles dropped because the reply could not be persisted",
		}),
		MemoryLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_memory_lookups_total",
			Help: "Memory lookups by status",
		}, []string{"status"}),
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_active_conversations",
			Help: "Conversation states currently held in memory",
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StreamProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_processing_duration_seconds",
			Help:    "Time taken to process stream messages",
			Buckets: prometheus.DefBuckets,
		}),
		StreamMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_processed_total",
			Help: "Total number of stream messages processed",
		}, []string{"status"}),
		LeaderChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_leader_changes_total",
			Help: "Number of times this pod acquired a lease",
		}, []string{"lease"}),
		OwnedPartitions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intervention_owned_partitions",
			Help: "Inbound partitions currently consumed by this pod",
		}),
		SweptConversations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intervention_swept_conversations_total",
			Help: "Idle conversations evicted by the sweeper",
		}, []string{"scope"}),
	}
}

// NewTestMetrics returns collectors bound to a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
