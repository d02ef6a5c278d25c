package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/constants"
)

const retryDelay = 100 * time.Millisecond

// ConversationLock serializes decision cycles for one conversation across pods
type ConversationLock struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
	logger *logrus.Logger
}

// New builds a lock whose hold time is capped by expiry; a waiter keeps retrying
// for about one expiry before giving up
func New(rdb *redis.Client, expiry time.Duration, logger *logrus.Logger) *ConversationLock {
	tries := int(expiry / retryDelay)
	if tries < 1 {
		tries = 1
	}
	return &ConversationLock{
		rs:     redsync.New(goredis.NewPool(rdb)),
		expiry: expiry,
		tries:  tries,
		logger: logger,
	}
}

// WithLock runs fn while holding the conversation's mutex
func (l *ConversationLock) WithLock(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(constants.LockKey(conversationID),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to lock conversation %s: %w", conversationID, err)
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			l.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to unlock conversation")
		}
	}()

	return fn(ctx)
}
