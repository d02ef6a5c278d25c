package stream

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/models"
)

// Ender releases a conversation's state
type Ender interface {
	End(ctx context.Context, conversationID string) error
}

// LifecycleSubscriber evicts local conversation state when the scheduler ends or
// archives a conversation. Every pod subscribes, since any pod may hold the state.
type LifecycleSubscriber struct {
	rdb     *redis.Client
	channel string
	ender   Ender
	logger  *logrus.Logger
}

func NewLifecycleSubscriber(rdb *redis.Client, channel string, ender Ender, logger *logrus.Logger) *LifecycleSubscriber {
	return &LifecycleSubscriber{rdb: rdb, channel: channel, ender: ender, logger: logger}
}

// Run blocks until ctx is cancelled
func (s *LifecycleSubscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.logger.WithField("channel", s.channel).Info("Subscribed to lifecycle events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *LifecycleSubscriber) handle(ctx context.Context, payload string) {
	var event models.LifecycleEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.logger.WithError(err).Warn("Failed to decode lifecycle event")
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"conversation_id": event.ConversationID,
		"type":            event.Type,
	})

	switch event.Type {
	case models.LifecycleEnded, models.LifecycleArchived:
		if err := s.ender.End(ctx, event.ConversationID); err != nil {
			log.WithError(err).Error("Failed to end conversation")
		}
	case models.LifecyclePhaseChange:
		// phase is read at the start of every cycle
		log.WithField("phase", event.Phase).Debug("Conversation phase changed")
	default:
		log.Debug("Ignoring lifecycle event")
	}
}
