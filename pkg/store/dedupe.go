package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"conversation-intervention-engine/pkg/constants"
)

// Deduper remembers inbound event ids whose cycle has finished, so a redelivered
// event is acknowledged without running again
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Seen reports whether the event's cycle already finished
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, constants.ProcessedEventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed records a finished cycle. It returns true the first time an event id is marked.
func (d *Deduper) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	first, err := d.rdb.SetNX(ctx, constants.ProcessedEventKey(eventID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return first, nil
}
