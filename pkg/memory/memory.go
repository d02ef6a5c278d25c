package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/constants"
	"conversation-intervention-engine/pkg/metrics"
)

type cacheEntry struct {
	notes     []string
	expiresAt time.Time
}

// Store keeps short notes about earlier interventions per conversation in a Redis
// list, newest first, with a local LRU in front of the reads
type Store struct {
	rdb     *redis.Client
	cache   *lru.Cache
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(rdb *redis.Client, cacheSize int, ttl time.Duration, logger *logrus.Logger, m *metrics.Metrics) (*Store, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Store{
		rdb:     rdb,
		cache:   cache,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Remember records a note and drops the cached copy
func (s *Store) Remember(ctx context.Context, conversationID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}

	key := constants.MemoryKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, note)
	pipe.LTrim(ctx, key, 0, constants.MemoryListMaxLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remember note: %w", err)
	}

	s.cache.Remove(conversationID)
	return nil
}

// Search returns at most limit notes ranked by word overlap with query, newest first on ties
func (s *Store) Search(ctx context.Context, conversationID, query string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, nil
	}

	notes, err := s.notes(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return rank(notes, query, limit), nil
}

// Forget drops every note for a conversation
func (s *Store) Forget(ctx context.Context, conversationID string) error {
	s.cache.Remove(conversationID)
	return s.rdb.Del(ctx, constants.MemoryKey(conversationID)).Err()
}

func (s *Store) notes(ctx context.Context, conversationID string) ([]string, error) {
	if val, ok := s.cache.Get(conversationID); ok {
		entry := val.(cacheEntry)
		if s.now().Before(entry.expiresAt) {
			s.metrics.MemoryLookups.WithLabelValues("cache_hit").Inc()
			return entry.notes, nil
		}
		s.cache.Remove(conversationID)
	}

	start := time.Now()
	notes, err := s.rdb.LRange(ctx, constants.MemoryKey(conversationID), 0, -1).Result()
	s.metrics.RedisOperationDuration.WithLabelValues("memory_search").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to load notes: %w", err)
	}

	s.cache.Add(conversationID, cacheEntry{notes: notes, expiresAt: s.now().Add(s.ttl)})
	return notes, nil
}

func rank(notes []string, query string, limit int) []string {
	terms := words(query)

	type scored struct {
		note  string
		score int
		order int
	}
	candidates := make([]scored, 0, len(notes))
	for i, note := range notes {
		score := 0
		for w := range words(note) {
			if _, ok := terms[w]; ok {
				score++
			}
		}
		candidates = append(candidates, scored{note: note, score: score, order: i})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.note
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "about": {}, "that": {}, "this": {}, "with": {},
	"you": {}, "your": {}, "for": {}, "are": {}, "was": {}, "what": {},
}

func words(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if _, skip := stopwords[w]; len(w) > 2 && !skip {
			set[w] = struct{}{}
		}
	}
	return set
}
