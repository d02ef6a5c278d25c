package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/state"
)

func TestArena_RunsTasksInOrderPerKey(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, a.Do("conv_1", func(*state.ConversationState) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestArena_KeysRunConcurrently(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, a.Do("conv_1", func(*state.ConversationState) {
		<-release
	}))

	require.NoError(t, a.Do("conv_2", func(*state.ConversationState) {
		close(started)
	}))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("a blocked conversation held up another one")
	}
	close(release)
}

func TestArena_EvictAfterQueuedWork(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()

	release := make(chan struct{})
	require.NoError(t, a.Do("conv_1", func(st *state.ConversationState) {
		<-release
		st.Replies = 3
	}))
	require.NoError(t, a.Evict("conv_1"))
	assert.Equal(t, 1, a.Len())

	close(release)
	assert.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestArena_EventsAfterEndStartFresh(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()

	release := make(chan struct{})
	require.NoError(t, a.Do("conv_1", func(st *state.ConversationState) {
		<-release
		st.Replies = 3
	}))
	require.NoError(t, a.Evict("conv_1"))

	seen := make(chan int, 1)
	require.NoError(t, a.Do("conv_1", func(st *state.ConversationState) {
		seen <- st.Replies
	}))
	close(release)

	assert.Equal(t, 0, <-seen)
	assert.Equal(t, 1, a.Len())
}

func TestArena_CloseWaitsForQueuedTasks(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())

	var ran bool
	require.NoError(t, a.Do("conv_1", func(*state.ConversationState) {
		time.Sleep(20 * time.Millisecond)
		ran = true
	}))
	a.Close()

	assert.True(t, ran)
	assert.ErrorIs(t, a.Do("conv_1", func(*state.ConversationState) {}), ErrClosed)
	assert.ErrorIs(t, a.Evict("conv_1"), ErrClosed)
}

func TestArena_VisitSkipsUnknownConversations(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()

	ok, err := a.Visit("conv_1", func(*state.ConversationState) {})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len())

	require.NoError(t, a.Do("conv_1", func(st *state.ConversationState) { st.Replies = 2 }))
	seen := make(chan int, 1)
	ok, err = a.Visit("conv_1", func(st *state.ConversationState) { seen <- st.Replies })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, <-seen)
}

func TestArena_EvictIdleRemovesOnlyIdleConversations(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a.now = clock.Now

	require.NoError(t, a.Do("conv_old", func(*state.ConversationState) {}))
	clock.Advance(10 * time.Minute)
	require.NoError(t, a.Do("conv_new", func(*state.ConversationState) {}))

	n, err := a.EvictIdle(clock.Now().Add(-5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool { return a.Len() == 1 }, time.Second, 5*time.Millisecond)

	ok, err := a.Visit("conv_new", func(*state.ConversationState) {})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArena_EvictIdleSparesConversationUsedBeforeEvictionRuns(t *testing.T) {
	a := NewArena(5, metrics.NewTestMetrics())
	defer a.Close()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a.now = clock.Now

	release := make(chan struct{})
	require.NoError(t, a.Do("conv_1", func(st *state.ConversationState) {
		<-release
		st.Replies = 7
	}))
	clock.Advance(10 * time.Minute)

	n, err := a.EvictIdle(clock.Now().Add(-5 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// new work lands between the idle check and the queued eviction
	require.NoError(t, a.Do("conv_1", func(*state.ConversationState) {}))
	close(release)

	assert.Eventually(t, func() bool {
		seen := make(chan int, 1)
		ok, err := a.Visit("conv_1", func(st *state.ConversationState) { seen <- st.Replies })
		return err == nil && ok && <-seen == 7
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.Len())

	n, err = a.EvictIdle(clock.Now().Add(-5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
