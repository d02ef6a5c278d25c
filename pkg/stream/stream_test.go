package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/pipeline"
	"conversation-intervention-engine/pkg/store"
)

const (
	testStream = "intervention:inbound"
	testGroup  = "intervention-engine"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []models.InboundEvent
}

func (f *fakeSubmitter) Submit(_ context.Context, ev models.InboundEvent, done func(pipeline.Outcome, error)) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	done(pipeline.Outcome{ConversationID: ev.ConversationID, EventID: ev.ID, Status: pipeline.StatusSuppressed}, nil)
	return nil
}

func (f *fakeSubmitter) received() []models.InboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InboundEvent(nil), f.events...)
}

type fakeEnder struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeEnder) End(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, conversationID)
	return nil
}

func (f *fakeEnder) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// stuckSubmitter accepts events but never finishes their cycle, like a pod that dies mid-cycle
type stuckSubmitter struct {
	fakeSubmitter
}

func (s *stuckSubmitter) Submit(_ context.Context, ev models.InboundEvent, _ func(pipeline.Outcome, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func newTestConsumer(rdb *redis.Client, sub Submitter) *Consumer {
	return newPodConsumer(rdb, sub, "pod-1")
}

func newPodConsumer(rdb *redis.Client, sub Submitter, podID string) *Consumer {
	cfg := DefaultConsumerConfig(testStream, testGroup, podID)
	cfg.Block = 20 * time.Millisecond
	cfg.PendingCheck = time.Hour
	cfg.PendingMinIdle = 0
	return NewConsumer(rdb, cfg, sub, store.NewDeduper(rdb, time.Hour), testLogger(), metrics.NewTestMetrics())
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	pending, err := rdb.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestProducer_PublishRoundTrip(t *testing.T) {
	rdb := setupTestRedis(t)
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, err := p.Publish(context.Background(), models.InboundEvent{
		ConversationID: "conv_1",
		SenderRole:     models.RolePartyA,
		SenderID:       "user_a",
		Body:           "can we talk?",
		IsWhisper:      true,
		CreatedAt:      created,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, models.MessageTypeText, ev.MessageType)

	entries, err := rdb.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	decoded, err := decodeEvent(entries[0])
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestPartitionFor_StableAndInRange(t *testing.T) {
	assert.Equal(t, 0, PartitionFor("conv_1", 1))
	assert.Equal(t, 0, PartitionFor("conv_1", 0))

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id := "conv_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		got := PartitionFor(id, 4)
		require.GreaterOrEqual(t, got, 0)
		require.Less(t, got, 4)
		assert.Equal(t, got, PartitionFor(id, 4))
		seen[got] = true
	}
	assert.Len(t, seen, 4)

	assert.Equal(t, testStream, PartitionStream(testStream, 0, 1))
	assert.Equal(t, testStream+":3", PartitionStream(testStream, 3, 4))
}

func TestProducer_KeepsConversationOnOnePartition(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	p := NewProducer(rdb, testStream, testGroup, 4, testLogger(), metrics.NewTestMetrics())

	for i := 0; i < 3; i++ {
		_, err := p.Publish(ctx, models.InboundEvent{ConversationID: "conv_1", SenderRole: models.RolePartyA, Body: "hi"})
		require.NoError(t, err)
	}

	partition := PartitionFor("conv_1", 4)
	for i := 0; i < 4; i++ {
		n, err := rdb.XLen(ctx, PartitionStream(testStream, i, 4)).Result()
		require.NoError(t, err)
		if i == partition {
			assert.Equal(t, int64(3), n)
		} else {
			assert.Zero(t, n)
		}
	}
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := decodeEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"body": "hi"}})
	assert.Error(t, err)

	_, err = decodeEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"conversation_id": "conv_1",
		"sender_role":     "referee",
	}})
	assert.Error(t, err)
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	rdb := setupTestRedis(t)
	require.NoError(t, EnsureGroup(context.Background(), rdb, testStream, testGroup))
	require.NoError(t, EnsureGroup(context.Background(), rdb, testStream, testGroup))
}

func TestConsumer_SubmitsAndAcknowledges(t *testing.T) {
	rdb := setupTestRedis(t)
	sub := &fakeSubmitter{}
	c := newTestConsumer(rdb, sub)
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// the group starts at the beginning of the stream, so ordering against Run doesn't matter
	for _, body := range []string{"hello", "you never listen"} {
		_, err := p.Publish(context.Background(), models.InboundEvent{
			ConversationID: "conv_1",
			SenderRole:     models.RolePartyA,
			Body:           body,
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(sub.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_SkipsDuplicateEvents(t *testing.T) {
	rdb := setupTestRedis(t)
	require.NoError(t, EnsureGroup(context.Background(), rdb, testStream, testGroup))
	sub := &fakeSubmitter{}
	c := newTestConsumer(rdb, sub)
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	ev := models.InboundEvent{ID: "evt_1", ConversationID: "conv_1", SenderRole: models.RolePartyB, Body: "fine"}
	_, err := p.Publish(context.Background(), ev)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), ev)
	require.NoError(t, err)

	c.consumeMessages(context.Background())

	assert.Len(t, sub.received(), 1)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestConsumer_AcknowledgesUnparseableEntries(t *testing.T) {
	rdb := setupTestRedis(t)
	require.NoError(t, EnsureGroup(context.Background(), rdb, testStream, testGroup))
	sub := &fakeSubmitter{}
	c := newTestConsumer(rdb, sub)

	require.NoError(t, rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"body": "orphan"},
	}).Err())

	c.consumeMessages(context.Background())

	assert.Empty(t, sub.received())
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestConsumer_ClaimsAbandonedEntries(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, EnsureGroup(ctx, rdb, testStream, testGroup))
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	_, err := p.Publish(ctx, models.InboundEvent{ConversationID: "conv_1", SenderRole: models.RolePartyA, Body: "hello"})
	require.NoError(t, err)

	// a consumer on another pod reads the entry and dies before acknowledging it
	_, err = rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "consumer-pod-2",
		Streams:  []string{testStream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pendingCount(t, rdb))

	sub := &fakeSubmitter{}
	c := newTestConsumer(rdb, sub)
	c.processPendingMessages(ctx)

	assert.Len(t, sub.received(), 1)
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestConsumer_RecoversEventsInterruptedMidCycle(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, EnsureGroup(ctx, rdb, testStream, testGroup))
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	_, err := p.Publish(ctx, models.InboundEvent{ID: "evt_1", ConversationID: "conv_1", SenderRole: models.RolePartyA, Body: "that is stupid"})
	require.NoError(t, err)

	stuck := &stuckSubmitter{}
	newPodConsumer(rdb, stuck, "pod-2").consumeMessages(ctx)
	require.Len(t, stuck.received(), 1)
	require.Equal(t, int64(1), pendingCount(t, rdb))

	seen, err := store.NewDeduper(rdb, time.Hour).Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	sub := &fakeSubmitter{}
	newTestConsumer(rdb, sub).processPendingMessages(ctx)

	require.Len(t, sub.received(), 1)
	assert.Equal(t, "evt_1", sub.received()[0].ID)
	assert.Equal(t, int64(0), pendingCount(t, rdb))

	seen, err = store.NewDeduper(rdb, time.Hour).Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestConsumer_AcknowledgesReclaimedFinishedEvents(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, EnsureGroup(ctx, rdb, testStream, testGroup))
	p := NewProducer(rdb, testStream, testGroup, 1, testLogger(), metrics.NewTestMetrics())

	_, err := p.Publish(ctx, models.InboundEvent{ID: "evt_1", ConversationID: "conv_1", SenderRole: models.RolePartyA, Body: "hello"})
	require.NoError(t, err)

	// the cycle finished but the acknowledgement never reached Redis
	_, err = rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "consumer-pod-2",
		Streams:  []string{testStream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)
	_, err = store.NewDeduper(rdb, time.Hour).MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	newTestConsumer(rdb, sub).processPendingMessages(ctx)

	assert.Empty(t, sub.received())
	assert.Equal(t, int64(0), pendingCount(t, rdb))
}

func TestLifecycleSubscriber_EndsConversations(t *testing.T) {
	rdb := setupTestRedis(t)
	ender := &fakeEnder{}
	s := NewLifecycleSubscriber(rdb, "intervention:lifecycle", ender, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	publish := func(ev models.LifecycleEvent) {
		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, rdb.Publish(context.Background(), "intervention:lifecycle", payload).Err())
	}

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), "intervention:lifecycle").Result()
		return err == nil && n["intervention:lifecycle"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	publish(models.LifecycleEvent{ConversationID: "conv_1", Type: models.LifecyclePhaseChange, Phase: models.PhaseWrapUp})
	publish(models.LifecycleEvent{ConversationID: "conv_1", Type: models.LifecycleEnded})
	publish(models.LifecycleEvent{ConversationID: "conv_2", Type: models.LifecycleArchived})

	assert.Eventually(t, func() bool { return len(ender.list()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"conv_1", "conv_2"}, ender.list())

	cancel()
	require.NoError(t, <-done)
}
