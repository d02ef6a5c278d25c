package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLock_Serializes(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// two clients stand in for two pods
	podA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	podB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer podA.Close()
	defer podB.Close()

	locks := []*ConversationLock{New(podA, 2*time.Second, logger), New(podB, 2*time.Second, logger)}

	var (
		inside  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(l *ConversationLock) {
			defer wg.Done()
			err := l.WithLock(context.Background(), "conv_1", func(context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}(locks[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlap)
	assert.False(t, mr.Exists("intervention:lock:conv_1"))
}

func TestConversationLock_ReturnsCallbackError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := New(rdb, time.Second, logrus.New())
	err := l.WithLock(context.Background(), "conv_1", func(context.Context) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
}
