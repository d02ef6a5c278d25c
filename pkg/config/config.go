package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"conversation-intervention-engine/pkg/apperrors"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

type Config struct {
	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	PodID             string `env:"POD_ID"`
	Port              string `env:"PORT" envDefault:"8080"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	InboundStream     string `env:"INBOUND_STREAM" envDefault:"intervention:inbound"`
	OutboundStream    string `env:"OUTBOUND_STREAM" envDefault:"intervention:outbound"`
	ConsumerGroupName string `env:"CONSUMER_GROUP_NAME" envDefault:"intervention-engine"`
	LifecycleChannel  string `env:"LIFECYCLE_CHANNEL" envDefault:"intervention:lifecycle"`

	// Inbound partitioning: a conversation always hashes to the same partition and
	// each partition is consumed by the single pod holding its lease
	InboundPartitions  int `env:"INBOUND_PARTITIONS" envDefault:"1"`
	MaxOwnedPartitions int `env:"MAX_OWNED_PARTITIONS" envDefault:"0"`

	// Timing policy
	ResponseThreshold         float64       `env:"RESPONSE_THRESHOLD" envDefault:"0.7"`
	MinMessagesBeforeResponse int           `env:"MIN_MESSAGES_BEFORE_RESPONSE" envDefault:"2"`
	Cooldown                  time.Duration `env:"RESPONSE_COOLDOWN" envDefault:"20s"`
	RollingWindowSize         int           `env:"ROLLING_WINDOW_SIZE" envDefault:"5"`
	TotalLatencyBudget        time.Duration `env:"TOTAL_LATENCY_BUDGET" envDefault:"3s"`

	// Tone scoring
	FastPathConfidence  float64       `env:"FAST_PATH_CONFIDENCE" envDefault:"0.6"`
	FastAnalysisTimeout time.Duration `env:"FAST_ANALYSIS_TIMEOUT" envDefault:"300ms"`
	FullAnalysisTimeout time.Duration `env:"FULL_ANALYSIS_TIMEOUT" envDefault:"800ms"`

	// Response selection
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"1500ms"`
	AgentPersona      string        `env:"AGENT_PERSONA" envDefault:"glovy"`

	// Persistence
	PersistTimeout      time.Duration `env:"PERSIST_TIMEOUT" envDefault:"1s"`
	PersistRetryBackoff time.Duration `env:"PERSIST_RETRY_BACKOFF" envDefault:"100ms"`
	DedupeTTL           time.Duration `env:"DEDUPE_TTL" envDefault:"24h"`

	// Memory lookup
	MemoryTimeout   time.Duration `env:"MEMORY_TIMEOUT" envDefault:"150ms"`
	MemoryCacheSize int           `env:"MEMORY_CACHE_SIZE" envDefault:"512"`
	MemoryCacheTTL  time.Duration `env:"MEMORY_CACHE_TTL" envDefault:"1m"`

	// Language model capability
	LLMProvider     string `env:"LLM_PROVIDER" envDefault:"none"`
	LLMAPIKey       string `env:"LLM_API_KEY"`
	LLMBaseURL      string `env:"LLM_BASE_URL"`
	AnalysisModel   string `env:"ANALYSIS_MODEL" envDefault:"gemini-2.5-flash-lite"`
	GenerationModel string `env:"GENERATION_MODEL" envDefault:"gemini-2.5-flash-lite"`

	// Cross-pod exclusivity and housekeeping
	DistributedLockEnabled bool          `env:"DISTRIBUTED_LOCK_ENABLED" envDefault:"false"`
	LockExpiry             time.Duration `env:"LOCK_EXPIRY" envDefault:"8s"`
	IdleEvictAfter         time.Duration `env:"IDLE_EVICT_AFTER" envDefault:"2h"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	LeaderTTL              time.Duration `env:"LEADER_TTL" envDefault:"15s"`
}

// Load reads an optional .env file, parses the environment and validates the result.
// Any failure is a ConfigError and must stop the process.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, apperrors.Configf("load %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, apperrors.Configf("parse env config: %w", err)
	}
	if cfg.PodID == "" {
		cfg.PodID = generatePodID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the thresholds and budgets the decision engine depends on
func (c *Config) Validate() error {
	if !unitInterval(c.ResponseThreshold) {
		return apperrors.Configf("RESPONSE_THRESHOLD must be within [0,1], got %v", c.ResponseThreshold)
	}
	if !unitInterval(c.FastPathConfidence) {
		return apperrors.Configf("FAST_PATH_CONFIDENCE must be within [0,1], got %v", c.FastPathConfidence)
	}
	if c.MinMessagesBeforeResponse < 0 {
		return apperrors.Configf("MIN_MESSAGES_BEFORE_RESPONSE must be >= 0, got %d", c.MinMessagesBeforeResponse)
	}
	if c.Cooldown < 0 {
		return apperrors.Configf("RESPONSE_COOLDOWN must be >= 0, got %s", c.Cooldown)
	}
	if c.RollingWindowSize < 1 {
		return apperrors.Configf("ROLLING_WINDOW_SIZE must be >= 1, got %d", c.RollingWindowSize)
	}
	if c.MemoryCacheSize < 1 {
		return apperrors.Configf("MEMORY_CACHE_SIZE must be >= 1, got %d", c.MemoryCacheSize)
	}
	if c.InboundPartitions < 1 {
		return apperrors.Configf("INBOUND_PARTITIONS must be >= 1, got %d", c.InboundPartitions)
	}
	if c.MaxOwnedPartitions < 0 || c.MaxOwnedPartitions > c.InboundPartitions {
		return apperrors.Configf("MAX_OWNED_PARTITIONS must be within [0,%d], got %d", c.InboundPartitions, c.MaxOwnedPartitions)
	}

	positive := map[string]time.Duration{
		"TOTAL_LATENCY_BUDGET":  c.TotalLatencyBudget,
		"FAST_ANALYSIS_TIMEOUT": c.FastAnalysisTimeout,
		"FULL_ANALYSIS_TIMEOUT": c.FullAnalysisTimeout,
		"GENERATION_TIMEOUT":    c.GenerationTimeout,
		"PERSIST_TIMEOUT":       c.PersistTimeout,
		"MEMORY_TIMEOUT":        c.MemoryTimeout,
		"MEMORY_CACHE_TTL":      c.MemoryCacheTTL,
		"DEDUPE_TTL":            c.DedupeTTL,
		"IDLE_EVICT_AFTER":      c.IdleEvictAfter,
		"SWEEP_INTERVAL":        c.SweepInterval,
		"LEADER_TTL":            c.LeaderTTL,
	}
	for name, value := range positive {
		if value <= 0 {
			return apperrors.Configf("%s must be > 0, got %s", name, value)
		}
	}

	switch strings.ToLower(c.LLMProvider) {
	case ProviderNone:
	case ProviderOpenAI, ProviderGemini:
		if strings.TrimSpace(c.LLMAPIKey) == "" {
			return apperrors.Configf("LLM_API_KEY is required when LLM_PROVIDER is %s", c.LLMProvider)
		}
	default:
		return apperrors.Configf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.DistributedLockEnabled && c.LockExpiry <= c.TotalLatencyBudget {
		return apperrors.Configf("LOCK_EXPIRY (%s) must exceed TOTAL_LATENCY_BUDGET (%s)", c.LockExpiry, c.TotalLatencyBudget)
	}
	return nil
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.Port)
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
