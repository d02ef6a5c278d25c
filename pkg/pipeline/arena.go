package pipeline

import (
	"errors"
	"sync"
	"time"

	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/state"
)

var ErrClosed = errors.New("pipeline closed")

type task func(st *state.ConversationState)

type entry struct {
	state    *state.ConversationState
	queue    []task
	running  bool
	evicting bool
	lastUsed time.Time
}

// Arena owns every ConversationState. Tasks for one conversation run one at a time,
// in submission order, on a goroutine that exits once the queue is empty. Tasks for
// different conversations run concurrently.
type Arena struct {
	mu         sync.Mutex
	entries    map[string]*entry
	windowSize int
	closed     bool
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewArena(windowSize int, m *metrics.Metrics) *Arena {
	return &Arena{
		entries:    make(map[string]*entry),
		windowSize: windowSize,
		metrics:    m,
		now:        time.Now,
	}
}

// Do queues fn on the conversation's lane, creating its state on first use
func (a *Arena) Do(conversationID string, fn func(st *state.ConversationState)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	e, ok := a.entries[conversationID]
	if !ok {
		e = &entry{state: state.NewConversationState(conversationID, a.windowSize)}
		a.entries[conversationID] = e
		a.metrics.ActiveConversations.Set(float64(len(a.entries)))
	}
	e.lastUsed = a.now()
	a.enqueue(conversationID, e, fn)
	return nil
}

// Visit queues fn only if the conversation already has state
func (a *Arena) Visit(conversationID string, fn func(st *state.ConversationState)) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false, ErrClosed
	}
	e, ok := a.entries[conversationID]
	if !ok || e.evicting {
		return false, nil
	}
	a.enqueue(conversationID, e, fn)
	return true, nil
}

// Evict drops the conversation's state after every task already queued for it has run
func (a *Arena) Evict(conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	e, ok := a.entries[conversationID]
	if !ok {
		return nil
	}
	a.evict(conversationID, e, time.Time{})
	return nil
}

// EvictIdle evicts every conversation whose last task was submitted before cutoff and
// returns how many evictions were queued. A conversation that gets new work before its
// eviction runs keeps its state.
func (a *Arena) EvictIdle(cutoff time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, e := range a.entries {
		if e.evicting || !e.lastUsed.Before(cutoff) {
			continue
		}
		a.evict(id, e, cutoff)
		n++
	}
	return n, nil
}

// EvictMatching queues the removal of every conversation match selects, behind the
// tasks already queued for it
func (a *Arena) EvictMatching(match func(conversationID string) bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, e := range a.entries {
		if e.evicting || !match(id) {
			continue
		}
		a.evict(id, e, time.Time{})
		n++
	}
	return n, nil
}

// evict queues the removal behind in-flight tasks. A zero idleBefore is an end signal;
// otherwise the entry survives if it was used at or after idleBefore.
// must hold a.mu
func (a *Arena) evict(conversationID string, e *entry, idleBefore time.Time) {
	e.evicting = true
	a.enqueue(conversationID, e, func(*state.ConversationState) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !idleBefore.IsZero() && !e.lastUsed.Before(idleBefore) {
			e.evicting = false
			return
		}
		if len(e.queue) > 0 {
			// new events arrived after the end signal: start over with a clean state
			e.state = state.NewConversationState(conversationID, a.windowSize)
			e.evicting = false
			return
		}
		if a.entries[conversationID] == e {
			delete(a.entries, conversationID)
			a.metrics.ActiveConversations.Set(float64(len(a.entries)))
		}
	})
}

// must hold a.mu
func (a *Arena) enqueue(conversationID string, e *entry, fn task) {
	e.queue = append(e.queue, fn)
	if e.running {
		return
	}
	e.running = true
	a.wg.Add(1)
	go a.drain(conversationID, e)
}

func (a *Arena) drain(conversationID string, e *entry) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			a.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		st := e.state
		a.mu.Unlock()

		next(st)
	}
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close rejects new work and waits for queued tasks to finish
func (a *Arena) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
