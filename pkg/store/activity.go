package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
)

// pruneScript reads and removes idle members atomically so a conversation touched
// concurrently is never dropped
var pruneScript = redis.NewScript(`
local idle = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #idle > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return idle
`)

// ActivityRegistry tracks conversations by last activity in a sorted set scored by
// unix milliseconds, shared by every pod
type ActivityRegistry struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewActivityRegistry(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *ActivityRegistry {
	return &ActivityRegistry{
		rdb:     rdb,
		logger:  logger,
		metrics: m,
	}
}

// Touch records activity for a conversation
func (a *ActivityRegistry) Touch(ctx context.Context, conversationID string, at time.Time) error {
	start := time.Now()
	defer func() {
		a.metrics.RedisOperationDuration.WithLabelValues("touch_conversation").Observe(time.Since(start).Seconds())
	}()

	err := a.rdb.ZAdd(ctx, constants.ActiveConversationsKey, &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: conversationID,
	}).Err()
	if err != nil {
		a.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to record conversation activity")
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// Remove stops tracking a conversation once it has ended
func (a *ActivityRegistry) Remove(ctx context.Context, conversationID string) error {
	start := time.Now()
	defer func() {
		a.metrics.RedisOperationDuration.WithLabelValues("remove_conversation").Observe(time.Since(start).Seconds())
	}()

	if err := a.rdb.ZRem(ctx, constants.ActiveConversationsKey, conversationID).Err(); err != nil {
		return fmt.Errorf("failed to remove conversation: %w", err)
	}
	return nil
}

// Count returns the number of tracked conversations across all pods
func (a *ActivityRegistry) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		a.metrics.RedisOperationDuration.WithLabelValues("count_conversations").Observe(time.Since(start).Seconds())
	}()

	count, err := a.rdb.ZCard(ctx, constants.ActiveConversationsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active conversations: %w", err)
	}
	return count, nil
}

// LastActivity returns the last recorded activity, zero time when untracked
func (a *ActivityRegistry) LastActivity(ctx context.Context, conversationID string) (time.Time, error) {
	score, err := a.rdb.ZScore(ctx, constants.ActiveConversationsKey, conversationID).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last activity: %w", err)
	}
	return time.UnixMilli(int64(score)), nil
}

// PruneIdle removes and returns conversations idle since before now-maxAge
func (a *ActivityRegistry) PruneIdle(ctx context.Context, now time.Time, maxAge time.Duration) ([]string, error) {
	start := time.Now()
	defer func() {
		a.metrics.RedisOperationDuration.WithLabelValues("prune_idle").Observe(time.Since(start).Seconds())
	}()

	cutoff := strconv.FormatInt(now.Add(-maxAge).UnixMilli(), 10)

	idle, err := pruneScript.Run(ctx, a.rdb, []string{constants.ActiveConversationsKey}, cutoff).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to prune idle conversations: %w", err)
	}
	if len(idle) == 0 {
		return nil, nil
	}

	a.logger.WithFields(logrus.Fields{
		"removed_count": len(idle),
		"max_age":       maxAge,
	}).Info("Pruned idle conversations")

	return idle, nil
}
