package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-intervention-engine/pkg/apperrors"
	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func agentReply(conversationID, body string) models.OutgoingMessage {
	return models.OutgoingMessage{
		ConversationID: conversationID,
		SenderRole:     models.RoleAgent,
		Persona:        "glovy",
		Body:           body,
		MessageType:    models.MessageTypeText,
	}
}

func TestMessageStore_PersistIsIdempotent(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := NewMessageStore(rdb, "test:outbound", testLogger(), metrics.NewTestMetrics())
	ctx := context.Background()

	first, err := s.Persist(ctx, "reply_1", agentReply("conv_1", "Flag on tone"))
	require.NoError(t, err)
	assert.Equal(t, "reply_1", first.ID)
	assert.Equal(t, models.RoleAgent, first.SenderRole)
	assert.Empty(t, first.SenderID)

	again, err := s.Persist(ctx, "reply_1", agentReply("conv_1", "Flag on tone"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Body, again.Body)

	length, err := rdb.LLen(ctx, constants.MessageListKey("conv_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	entries, err := rdb.XRange(ctx, "test:outbound", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reply_1", entries[0].Values["message_id"])
	assert.Equal(t, "conv_1", entries[0].Values["conversation_id"])
}

func TestMessageStore_WhisperRecipientAndRecent(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := NewMessageStore(rdb, "test:outbound", testLogger(), metrics.NewTestMetrics())
	ctx := context.Background()

	recipient := "user_a"
	whisper := agentReply("conv_1", "Take a breath.")
	whisper.IsWhisper = true
	whisper.RecipientID = &recipient

	_, err := s.Persist(ctx, "reply_1", agentReply("conv_1", "one"))
	require.NoError(t, err)
	_, err = s.Persist(ctx, "reply_2", whisper)
	require.NoError(t, err)

	recent, err := s.Recent(ctx, "conv_1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "reply_1", recent[0].ID)
	assert.True(t, recent[1].IsWhisper)
	assert.Equal(t, "user_a", recent[1].RecipientID)

	recent, err = s.Recent(ctx, "conv_1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "reply_2", recent[0].ID)
}

type flakyPersister struct {
	failures int
	calls    int
}

func (f *flakyPersister) Persist(_ context.Context, messageID string, out models.OutgoingMessage) (models.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return models.Message{}, errors.New("connection reset")
	}
	return models.Message{ID: messageID, ConversationID: out.ConversationID, Body: out.Body}, nil
}

func retryConfig() RetryConfig {
	return RetryConfig{AttemptTimeout: 100 * time.Millisecond, Backoff: time.Millisecond, MaxRetries: 1}
}

func TestRetryingStore_RetriesOnce(t *testing.T) {
	next := &flakyPersister{failures: 1}
	s := NewRetryingStore(next, retryConfig(), testLogger())

	msg, err := s.Persist(context.Background(), "reply_1", agentReply("conv_1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "reply_1", msg.ID)
	assert.Equal(t, 2, next.calls)
}

func TestRetryingStore_GivesUpWithPersistenceError(t *testing.T) {
	next := &flakyPersister{failures: 10}
	s := NewRetryingStore(next, retryConfig(), testLogger())

	_, err := s.Persist(context.Background(), "reply_1", agentReply("conv_1", "hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, 2, next.calls)
}

func TestRetryingStore_RecoversAfterRedisOutage(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	messages := NewMessageStore(rdb, "test:outbound", testLogger(), metrics.NewTestMetrics())
	s := NewRetryingStore(messages, retryConfig(), testLogger())

	mr.SetError("ERR injected failure")
	_, err := s.Persist(context.Background(), "reply_1", agentReply("conv_1", "hi"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPersistenceError, apperrors.KindOf(err))

	mr.SetError("")
	_, err = s.Persist(context.Background(), "reply_1", agentReply("conv_1", "hi"))
	require.NoError(t, err)
}

func TestConversationStore_PhaseAndLifecycle(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := NewConversationStore(rdb, "test:lifecycle", testLogger(), metrics.NewTestMetrics())
	ctx := context.Background()

	phase, err := s.Phase(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, models.Phase(""), phase)

	sub := rdb.Subscribe(ctx, "test:lifecycle")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, models.Conversation{
		ID:       "conv_1",
		Phase:    models.PhaseIntro,
		PartyAID: "user_a",
		PartyBID: "user_b",
		Metadata: map[string]string{"subject": "budget"},
	}))
	require.NoError(t, s.SetPhase(ctx, "conv_1", models.PhaseWrapUp))

	phase, err = s.Phase(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWrapUp, phase)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"type":"phase_changed"`)

	require.NoError(t, s.End(ctx, "conv_1"))
	msg, err = sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"type":"ended"`)

	conv, ok, err := s.Get(ctx, "conv_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user_a", conv.PartyAID)
	assert.Equal(t, "budget", conv.Metadata["subject"])
	assert.False(t, conv.EndedAt.IsZero())
}

func TestDeduper_MarkProcessed(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	d := NewDeduper(rdb, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := d.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	first, err = d.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestActivityRegistry_TouchCountPrune(t *testing.T) {
	_, rdb := setupTestRedis(t)
	a := NewActivityRegistry(rdb, testLogger(), metrics.NewTestMetrics())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, a.Touch(ctx, "conv_old", now.Add(-3*time.Hour)))
	require.NoError(t, a.Touch(ctx, "conv_new", now.Add(-time.Minute)))
	require.NoError(t, a.Touch(ctx, "conv_gone", now))
	require.NoError(t, a.Remove(ctx, "conv_gone"))

	count, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	last, err := a.LastActivity(ctx, "conv_new")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Minute).UnixMilli(), last.UnixMilli())

	pruned, err := a.PruneIdle(ctx, now, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv_old"}, pruned)

	count, err = a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	pruned, err = a.PruneIdle(ctx, now, 2*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}
