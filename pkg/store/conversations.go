package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

const (
	fieldPhase     = "phase"
	fieldPartyA    = "party_a_id"
	fieldPartyB    = "party_b_id"
	fieldStartedAt = "started_at"
	fieldEndedAt   = "ended_at"
	fieldMetadata  = "metadata"
)

// ConversationStore is the read side of the scheduler's conversation records, plus the
// phase and end writes exposed to the scheduler over HTTP
type ConversationStore struct {
	rdb              *redis.Client
	lifecycleChannel string
	logger           *logrus.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
}

func NewConversationStore(rdb *redis.Client, lifecycleChannel string, logger *logrus.Logger, m *metrics.Metrics) *ConversationStore {
	return &ConversationStore{
		rdb:              rdb,
		lifecycleChannel: lifecycleChannel,
		logger:           logger,
		metrics:          m,
		now:              time.Now,
	}
}

// Phase returns the current phase, or "" when the conversation has no record
func (s *ConversationStore) Phase(ctx context.Context, conversationID string) (models.Phase, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("get_phase").Observe(time.Since(start).Seconds())
	}()

	raw, err := s.rdb.HGet(ctx, constants.ConversationKey(conversationID), fieldPhase).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to get phase: %w", err)
	}
	return models.ParsePhase(raw)
}

func (s *ConversationStore) Get(ctx context.Context, conversationID string) (models.Conversation, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, constants.ConversationKey(conversationID)).Result()
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(fields) == 0 {
		return models.Conversation{}, false, nil
	}

	conv := models.Conversation{
		ID:       conversationID,
		PartyAID: fields[fieldPartyA],
		PartyBID: fields[fieldPartyB],
	}
	if phase, err := models.ParsePhase(fields[fieldPhase]); err == nil {
		conv.Phase = phase
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldStartedAt]); err == nil {
		conv.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldEndedAt]); err == nil {
		conv.EndedAt = t
	}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &conv.Metadata); err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Ignoring malformed conversation metadata")
		}
	}
	return conv, true, nil
}

// Save writes a full conversation record
func (s *ConversationStore) Save(ctx context.Context, conv models.Conversation) error {
	values := map[string]interface{}{
		fieldPhase:  string(conv.Phase),
		fieldPartyA: conv.PartyAID,
		fieldPartyB: conv.PartyBID,
	}
	if !conv.StartedAt.IsZero() {
		values[fieldStartedAt] = conv.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(conv.Metadata) > 0 {
		raw, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		values[fieldMetadata] = string(raw)
	}
	if err := s.rdb.HSet(ctx, constants.ConversationKey(conv.ID), values).Err(); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// SetPhase records a scheduler phase transition and broadcasts it to every pod
func (s *ConversationStore) SetPhase(ctx context.Context, conversationID string, phase models.Phase) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("set_phase").Observe(time.Since(start).Seconds())
	}()

	if err := s.rdb.HSet(ctx, constants.ConversationKey(conversationID), fieldPhase, string(phase)).Err(); err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	return s.publish(ctx, models.LifecycleEvent{
		ConversationID: conversationID,
		Type:           models.LifecyclePhaseChange,
		Phase:          phase,
		At:             s.now().UTC(),
	})
}

// End marks the conversation ended and tells every pod to evict its state
func (s *ConversationStore) End(ctx context.Context, conversationID string) error {
	at := s.now().UTC()
	if err := s.rdb.HSet(ctx, constants.ConversationKey(conversationID), fieldEndedAt, at.Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	return s.publish(ctx, models.LifecycleEvent{
		ConversationID: conversationID,
		Type:           models.LifecycleEnded,
		At:             at,
	})
}

func (s *ConversationStore) publish(ctx context.Context, event models.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.lifecycleChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": event.ConversationID,
		"type":            event.Type,
		"phase":           event.Phase,
	}).Info("Published lifecycle event")
	return nil
}
