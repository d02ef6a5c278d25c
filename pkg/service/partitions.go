package service

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"conversation-intervention-engine/pkg/config"
	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/stream"
)

// Releaser drops the local state of conversations a pod no longer owns
type Releaser interface {
	Release(match func(conversationID string) bool) (int, error)
}

// PartitionSet gives every inbound partition exactly one consuming pod. Each partition
// has its own lease; the pod holding it runs the partition's consumer, so all events of
// a conversation are processed where its state lives.
type PartitionSet struct {
	rdb       *redis.Client
	cfg       *config.Config
	submitter stream.Submitter
	dedupe    stream.Deduper
	releaser  Releaser
	leases    []*LeaderElection
	owned     atomic.Int32
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewPartitionSet(rdb *redis.Client, cfg *config.Config, submitter stream.Submitter, dedupe stream.Deduper, releaser Releaser, logger *logrus.Logger, m *metrics.Metrics) *PartitionSet {
	leases := make([]*LeaderElection, cfg.InboundPartitions)
	for i := range leases {
		leases[i] = NewLeaderElection(rdb, constants.PartitionLeaseKey(i), "partition-"+strconv.Itoa(i), cfg.PodID, cfg.LeaderTTL, logger, m)
	}
	return &PartitionSet{
		rdb:       rdb,
		cfg:       cfg,
		submitter: submitter,
		dedupe:    dedupe,
		releaser:  releaser,
		leases:    leases,
		logger:    logger,
		metrics:   m,
	}
}

// Run campaigns for every partition until ctx is cancelled, then stops the consumers and
// resigns the held leases
func (ps *PartitionSet) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range ps.leases {
		i := i
		g.Go(func() error {
			ps.own(gctx, i)
			return nil
		})
	}
	return g.Wait()
}

// Owns reports whether this pod currently holds the partition's lease
func (ps *PartitionSet) Owns(partition int) bool {
	return ps.leases[partition].IsLeader()
}

// partitionConsumer is the consumer of one held partition
type partitionConsumer struct {
	cancel context.CancelFunc
	done   chan error
}

func (ps *PartitionSet) own(ctx context.Context, partition int) {
	lease := ps.leases[partition]
	log := ps.logger.WithFields(logrus.Fields{"pod_id": ps.cfg.PodID, "partition": partition})

	ticker := time.NewTicker(ps.cfg.LeaderTTL / 3)
	defer ticker.Stop()

	var running *partitionConsumer
	defer func() {
		if running != nil {
			ps.stop(log, partition, running)
		}
		if lease.IsLeader() {
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			lease.resignLeadership(resignCtx)
			cancel()
			ps.release()
		}
	}()

	for {
		ps.campaign(ctx, lease)

		switch {
		case lease.IsLeader() && running == nil:
			running = ps.start(ctx, partition)
			log.Info("Started consuming partition")
		case !lease.IsLeader() && running != nil:
			ps.stop(log, partition, running)
			running = nil
			log.Warn("Lost partition lease, stopped consuming")
		}

		var done chan error
		if running != nil {
			done = running.done
		}

		select {
		case <-ctx.Done():
			return
		case err := <-done:
			// the consumer only returns early when its group cannot be created
			log.WithError(err).Error("Partition consumer stopped")
			running.cancel()
			running = nil
			resignCtx, cancel := context.WithTimeout(ctx, time.Second)
			lease.resignLeadership(resignCtx)
			cancel()
			ps.release()
		case <-ticker.C:
		}
	}
}

// campaign renews a held lease or, if an ownership slot is free, tries to acquire it
func (ps *PartitionSet) campaign(ctx context.Context, lease *LeaderElection) {
	if lease.IsLeader() {
		lease.tryBecomeLeader(ctx)
		if !lease.IsLeader() {
			ps.release()
		}
		return
	}
	if !ps.reserve() {
		return
	}
	lease.tryBecomeLeader(ctx)
	if !lease.IsLeader() {
		ps.release()
	}
}

// reserve takes an ownership slot when MaxOwnedPartitions allows another partition
func (ps *PartitionSet) reserve() bool {
	limit := int32(ps.cfg.MaxOwnedPartitions)
	for {
		n := ps.owned.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if ps.owned.CompareAndSwap(n, n+1) {
			ps.metrics.OwnedPartitions.Set(float64(n + 1))
			return true
		}
	}
}

func (ps *PartitionSet) release() {
	ps.metrics.OwnedPartitions.Set(float64(ps.owned.Add(-1)))
}

func (ps *PartitionSet) start(ctx context.Context, partition int) *partitionConsumer {
	consumerCtx, cancel := context.WithCancel(ctx)
	consumer := stream.NewConsumer(ps.rdb,
		stream.DefaultConsumerConfig(stream.PartitionStream(ps.cfg.InboundStream, partition, ps.cfg.InboundPartitions), ps.cfg.ConsumerGroupName, ps.cfg.PodID),
		ps.submitter, ps.dedupe, ps.logger, ps.metrics)

	pc := &partitionConsumer{cancel: cancel, done: make(chan error, 1)}
	go func() { pc.done <- consumer.Run(consumerCtx) }()
	return pc
}

// stop cancels the consumer, waits for it and drops the partition's local states
func (ps *PartitionSet) stop(log *logrus.Entry, partition int, pc *partitionConsumer) {
	pc.cancel()
	<-pc.done

	if ps.releaser == nil {
		return
	}
	n := ps.cfg.InboundPartitions
	if _, err := ps.releaser.Release(func(id string) bool { return stream.PartitionFor(id, n) == partition }); err != nil {
		log.WithError(err).Debug("Failed to release partition states")
	}
}
