package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/models"
)

// Persister writes an Agent message exactly once per id
type Persister interface {
	Persist(ctx context.Context, messageID string, out models.OutgoingMessage) (models.Message, error)
}

type RetryConfig struct {
	AttemptTimeout time.Duration
	Backoff        time.Duration
	MaxRetries     uint64
}

// RetryingStore retries a failed write once with exponential backoff, then gives up
// with a PersistenceError
type RetryingStore struct {
	next   Persister
	cfg    RetryConfig
	logger *logrus.Logger
}

func NewRetryingStore(next Persister, cfg RetryConfig, logger *logrus.Logger) *RetryingStore {
	return &RetryingStore{next: next, cfg: cfg, logger: logger}
}

func (r *RetryingStore) Persist(ctx context.Context, messageID string, out models.OutgoingMessage) (models.Message, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Backoff
	policy.MaxInterval = 4 * r.cfg.Backoff
	policy.MaxElapsedTime = 0

	var (
		saved   models.Message
		attempt int
	)
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		msg, err := r.next.Persist(attemptCtx, messageID, out)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.WithFields(logrus.Fields{
				"conversation_id": out.ConversationID,
				"message_id":      messageID,
				"attempt":         attempt,
			}).WithError(err).Warn("Persist attempt failed")
			return err
		}
		saved = msg
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
	if err != nil {
		return models.Message{}, apperrors.New(apperrors.KindPersistenceError, "persist "+messageID, err)
	}
	return saved, nil
}
