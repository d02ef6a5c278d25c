package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/constants"
)

type typingEvent struct {
	ConversationID string    `json:"conversation_id"`
	Persona        string    `json:"persona"`
	Typing         bool      `json:"typing"`
	At             time.Time `json:"at"`
}

// TypingPublisher broadcasts the Agent typing indicator on typing:{conversation_id}
type TypingPublisher struct {
	rdb     *redis.Client
	persona string
	timeout time.Duration
	logger  *logrus.Logger
}

func NewTypingPublisher(rdb *redis.Client, persona string, timeout time.Duration, logger *logrus.Logger) *TypingPublisher {
	return &TypingPublisher{rdb: rdb, persona: persona, timeout: timeout, logger: logger}
}

// Typing publishes in the background; failures are logged and otherwise ignored
func (p *TypingPublisher) Typing(ctx context.Context, conversationID string, active bool) {
	payload, err := json.Marshal(typingEvent{
		ConversationID: conversationID,
		Persona:        p.persona,
		Typing:         active,
		At:             time.Now().UTC(),
	})
	if err != nil {
		return
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := p.rdb.Publish(pubCtx, constants.TypingChannel(conversationID), payload).Err(); err != nil {
			p.logger.WithError(err).WithField("conversation_id", conversationID).Debug("Failed to publish typing indicator")
		}
	}()
}
