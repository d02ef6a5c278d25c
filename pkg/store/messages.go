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

// persistScript writes the message once: the SET NX on the message key guards the
// list append and the outbound stream entry
var persistScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('RPUSH', KEYS[2], ARGV[2])
	redis.call('LTRIM', KEYS[2], -tonumber(ARGV[4]), -1)
	redis.call('XADD', KEYS[3], '*', 'message_id', ARGV[2], 'conversation_id', ARGV[3], 'payload', ARGV[1])
	return 1
end
return 0
`)

const messageListMaxLength = 500

// MessageStore persists Agent messages in Redis and fans them out on the outbound stream
type MessageStore struct {
	rdb            *redis.Client
	outboundStream string
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewMessageStore(rdb *redis.Client, outboundStream string, logger *logrus.Logger, m *metrics.Metrics) *MessageStore {
	return &MessageStore{
		rdb:            rdb,
		outboundStream: outboundStream,
		logger:         logger,
		metrics:        m,
		now:            time.Now,
	}
}

// Persist stores the outgoing message under messageID. Calling it again with the same
// id is a no-op, so a retried write never produces a second reply.
func (s *MessageStore) Persist(ctx context.Context, messageID string, out models.OutgoingMessage) (models.Message, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("persist_message").Observe(time.Since(start).Seconds())
	}()

	msg := models.Message{
		ID:             messageID,
		ConversationID: out.ConversationID,
		SenderRole:     out.SenderRole,
		Persona:        out.Persona,
		Body:           out.Body,
		MessageType:    out.MessageType,
		IsWhisper:      out.IsWhisper,
		CreatedAt:      s.now().UTC(),
	}
	if out.RecipientID != nil {
		msg.RecipientID = *out.RecipientID
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	keys := []string{
		constants.MessageKey(messageID),
		constants.MessageListKey(out.ConversationID),
		s.outboundStream,
	}
	written, err := persistScript.Run(ctx, s.rdb, keys, payload, messageID, out.ConversationID, messageListMaxLength).Int()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	if written == 0 {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": out.ConversationID,
			"message_id":      messageID,
		}).Debug("Message already persisted")
		return s.Get(ctx, messageID)
	}
	return msg, nil
}

func (s *MessageStore) Get(ctx context.Context, messageID string) (models.Message, error) {
	raw, err := s.rdb.Get(ctx, constants.MessageKey(messageID)).Bytes()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode message %s: %w", messageID, err)
	}
	return msg, nil
}

// Recent returns up to limit of the newest Agent messages of a conversation, oldest first
func (s *MessageStore) Recent(ctx context.Context, conversationID string, limit int64) ([]models.Message, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("recent_messages").Observe(time.Since(start).Seconds())
	}()

	ids, err := s.rdb.LRange(ctx, constants.MessageListKey(conversationID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = constants.MessageKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]models.Message, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.logger.WithError(err).WithField("message_id", ids[i]).Warn("Skipping undecodable message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
