package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

// Stream entry fields of an inbound message event
const (
	fieldEventID        = "event_id"
	fieldConversationID = "conversation_id"
	fieldSenderRole     = "sender_role"
	fieldSenderID       = "sender_id"
	fieldRecipientID    = "recipient_id"
	fieldBody           = "body"
	fieldMessageType    = "message_type"
	fieldIsWhisper      = "is_whisper"
	fieldCreatedAt      = "created_at"
)

// Producer appends inbound message events to the inbound stream. Events of one
// conversation always land on the same partition.
type Producer struct {
	rdb        *redis.Client
	stream     string
	group      string
	partitions int
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func NewProducer(rdb *redis.Client, stream, group string, partitions int, logger *logrus.Logger, m *metrics.Metrics) *Producer {
	return &Producer{
		rdb:        rdb,
		stream:     stream,
		group:      group,
		partitions: partitions,
		logger:     logger,
		metrics:    m,
	}
}

// EnsureGroup creates the consumer group if it doesn't exist
func EnsureGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish adds the event to the stream. An event without an id gets one.
func (p *Producer) Publish(ctx context.Context, ev models.InboundEvent) (models.InboundEvent, error) {
	start := time.Now()
	defer func() {
		p.metrics.RedisOperationDuration.WithLabelValues("publish_event").Observe(time.Since(start).Seconds())
	}()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.MessageType == "" {
		ev.MessageType = models.MessageTypeText
	}

	partition := PartitionFor(ev.ConversationID, p.partitions)
	entryID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: PartitionStream(p.stream, partition, p.partitions),
		Values: encodeEvent(ev),
	}).Result()
	if err != nil {
		return ev, fmt.Errorf("failed to add event to stream: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"event_id":        ev.ID,
		"entry_id":        entryID,
		"partition":       partition,
	}).Debug("Published inbound event to stream")

	return ev, nil
}

func encodeEvent(ev models.InboundEvent) map[string]interface{} {
	return map[string]interface{}{
		fieldEventID:        ev.ID,
		fieldConversationID: ev.ConversationID,
		fieldSenderRole:     string(ev.SenderRole),
		fieldSenderID:       ev.SenderID,
		fieldRecipientID:    ev.RecipientID,
		fieldBody:           ev.Body,
		fieldMessageType:    ev.MessageType,
		fieldIsWhisper:      strconv.FormatBool(ev.IsWhisper),
		fieldCreatedAt:      ev.CreatedAt.UnixMilli(),
	}
}

func decodeEvent(message redis.XMessage) (models.InboundEvent, error) {
	str := func(field string) string {
		v, _ := message.Values[field].(string)
		return v
	}

	ev := models.InboundEvent{
		ID:             str(fieldEventID),
		ConversationID: str(fieldConversationID),
		SenderID:       str(fieldSenderID),
		RecipientID:    str(fieldRecipientID),
		Body:           str(fieldBody),
		MessageType:    str(fieldMessageType),
	}

	if ev.ConversationID == "" {
		return ev, fmt.Errorf("missing or invalid conversation_id")
	}
	if ev.ID == "" {
		ev.ID = message.ID
	}

	role, err := models.ParseSenderRole(str(fieldSenderRole))
	if err != nil {
		return ev, err
	}
	ev.SenderRole = role

	if raw := str(fieldIsWhisper); raw != "" {
		whisper, err := strconv.ParseBool(raw)
		if err != nil {
			return ev, fmt.Errorf("invalid is_whisper format: %w", err)
		}
		ev.IsWhisper = whisper
	}

	if raw := str(fieldCreatedAt); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("invalid created_at format: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(ms).UTC()
	}

	return ev, nil
}
