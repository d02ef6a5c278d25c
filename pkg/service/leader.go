package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/metrics"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	resignScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// LeaderElection holds a Redis lease that at most one pod owns at a time. One lease
// picks the pod that runs cluster-wide housekeeping; one per inbound partition picks
// the pod that consumes it.
type LeaderElection struct {
	rdb      *redis.Client
	key      string
	name     string
	podID    string
	ttl      time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader atomic.Bool
}

// NewLeaderElection campaigns for key. name labels logs and metrics.
func NewLeaderElection(rdb *redis.Client, key, name, podID string, ttl time.Duration, logger *logrus.Logger, m *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:     rdb,
		key:     key,
		name:    name,
		podID:   podID,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

// Run campaigns every third of the TTL and resigns when ctx is cancelled
func (le *LeaderElection) Run(ctx context.Context) error {
	le.logger.WithFields(logrus.Fields{"pod_id": le.podID, "lease": le.name}).Info("Starting leader election process")

	le.tryBecomeLeader(ctx)

	ticker := time.NewTicker(le.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if le.isLeader.Load() {
				resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				le.resignLeadership(resignCtx)
				cancel()
			}
			return nil
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	if le.isLeader.Load() {
		le.renewLeadership(ctx)
		return
	}

	acquired, err := le.rdb.SetNX(ctx, le.key, le.podID, le.ttl).Result()
	if err != nil {
		if ctx.Err() == nil {
			le.logger.WithError(err).Error("Failed to attempt leader election")
		}
		return
	}
	if acquired {
		le.logger.WithFields(logrus.Fields{"pod_id": le.podID, "lease": le.name}).Info("Became leader")
		le.metrics.LeaderChanges.WithLabelValues(le.name).Inc()
		le.isLeader.Store(true)
	}
}

func (le *LeaderElection) renewLeadership(ctx context.Context) {
	renewed, err := renewScript.Run(ctx, le.rdb, []string{le.key}, le.podID, le.ttl.Milliseconds()).Int()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.isLeader.Store(false)
		return
	}
	if renewed == 0 {
		le.logger.WithField("lease", le.name).Warn("Leadership renewal failed, no longer leader")
		le.isLeader.Store(false)
	}
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	if err := resignScript.Run(ctx, le.rdb, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.WithField("lease", le.name).Info("Resigned leadership")
	}
	le.isLeader.Store(false)
}
