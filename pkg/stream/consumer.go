package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/pipeline"
)

// Submitter hands an event to the decision pipeline; done runs when its cycle ends
type Submitter interface {
	Submit(ctx context.Context, ev models.InboundEvent, done func(pipeline.Outcome, error)) error
}

// Deduper remembers, across pods, the events whose cycle has finished
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

type ConsumerConfig struct {
	Stream         string
	Group          string
	PodID          string
	ReadCount      int64
	Block          time.Duration
	PendingCheck   time.Duration
	PendingMinIdle time.Duration
}

// DefaultConsumerConfig fills in the stream tuning constants
func DefaultConsumerConfig(stream, group, podID string) ConsumerConfig {
	return ConsumerConfig{
		Stream:         stream,
		Group:          group,
		PodID:          podID,
		ReadCount:      constants.StreamReadCount,
		Block:          constants.StreamBlock,
		PendingCheck:   constants.PendingCheckInterval,
		PendingMinIdle: constants.PendingMinIdle,
	}
}

// Consumer reads inbound events through a consumer group, so every event reaches exactly
// one pod, and acknowledges each once its cycle has finished
type Consumer struct {
	rdb          *redis.Client
	cfg          ConsumerConfig
	submitter    Submitter
	dedupe       Deduper
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	consumerName string
}

func NewConsumer(rdb *redis.Client, cfg ConsumerConfig, submitter Submitter, dedupe Deduper, logger *logrus.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		rdb:          rdb,
		cfg:          cfg,
		submitter:    submitter,
		dedupe:       dedupe,
		logger:       logger,
		metrics:      m,
		consumerName: fmt.Sprintf("consumer-%s", cfg.PodID),
	}
}

// Run consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.rdb, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"consumer_name":  c.consumerName,
		"consumer_group": c.cfg.Group,
		"stream":         c.cfg.Stream,
	}).Info("Starting stream consumer")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.consumeLoop(ctx)
		return nil
	})
	g.Go(func() error {
		c.pendingMessagesRecovery(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			c.consumeMessages(ctx)
		}
	}
}

func (c *Consumer) consumeMessages(ctx context.Context) {
	start := time.Now()

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.consumerName,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.ReadCount,
		Block:    c.cfg.Block,
	}).Result()

	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			c.logger.WithError(err).Error("Failed to read from stream")
			// back off so a broken connection doesn't spin
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.Block):
			}
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.processMessage(ctx, message)
		}
	}

	if len(streams) > 0 {
		c.metrics.StreamProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	ev, err := decodeEvent(message)
	if err != nil {
		c.logger.WithError(err).WithField("entry_id", message.ID).Error("Failed to parse inbound event")
		c.metrics.StreamMessagesProcessed.WithLabelValues("parse_error").Inc()
		c.acknowledge(ctx, message.ID)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"event_id":        ev.ID,
		"entry_id":        message.ID,
	})

	seen, err := c.dedupe.Seen(ctx, ev.ID)
	if err != nil {
		// leave it pending; recovery claims it later
		log.WithError(err).Error("Failed to check event delivery")
		c.metrics.StreamMessagesProcessed.WithLabelValues("dedupe_error").Inc()
		return
	}
	if seen {
		log.Debug("Skipping already processed event")
		c.metrics.StreamMessagesProcessed.WithLabelValues("duplicate").Inc()
		c.acknowledge(ctx, message.ID)
		return
	}

	// in-flight cycles finish during shutdown. The event is marked and acknowledged only
	// once its cycle has ended, so an entry whose pod died mid-cycle stays pending.
	cycleCtx := context.WithoutCancel(ctx)
	err = c.submitter.Submit(cycleCtx, ev, func(outcome pipeline.Outcome, err error) {
		if err != nil {
			log.WithError(err).WithField("status", outcome.Status).Warn("Inbound event cycle failed")
		}
		c.markProcessed(cycleCtx, log, ev.ID)
		c.metrics.StreamMessagesProcessed.WithLabelValues(string(outcome.Status)).Inc()
		c.acknowledge(cycleCtx, message.ID)
	})
	if err != nil {
		log.WithError(err).Error("Failed to submit inbound event")
		c.metrics.StreamMessagesProcessed.WithLabelValues("submit_error").Inc()
	}
}

func (c *Consumer) markProcessed(ctx context.Context, log *logrus.Entry, eventID string) {
	markCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := c.dedupe.MarkProcessed(markCtx, eventID); err != nil {
		log.WithError(err).Warn("Failed to record processed event")
	}
}

func (c *Consumer) acknowledge(ctx context.Context, entryID string) {
	ackCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.rdb.XAck(ackCtx, c.cfg.Stream, c.cfg.Group, entryID).Err(); err != nil {
		c.logger.WithError(err).WithField("entry_id", entryID).Error("Failed to acknowledge message")
	}
}

func (c *Consumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processPendingMessages(ctx)
		}
	}
}

// processPendingMessages claims entries left unacknowledged by a crashed or stuck consumer.
// Events whose cycle already finished are acknowledged without running again.
func (c *Consumer) processPendingMessages(ctx context.Context) {
	pending, err := c.rdb.XPending(ctx, c.cfg.Stream, c.cfg.Group).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to get pending messages")
		return
	}
	if pending.Count == 0 {
		return
	}

	c.logger.WithField("pending_count", pending.Count).Info("Processing pending messages")

	messages, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.consumerName,
		MinIdle:  c.cfg.PendingMinIdle,
		Count:    c.cfg.ReadCount,
		Start:    "0-0",
	}).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to auto-claim pending messages")
		return
	}

	for _, message := range messages {
		c.processMessage(ctx, message)
	}
}
