package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup is the fast-path duplicate filter for provider event ids. The
// transactional processed_events table remains the arbiter; this only spares
// the database a round trip on obvious replays.
type Dedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDedup(client *redis.Client, ttl time.Duration) *Dedup {
	return &Dedup{client: client, ttl: ttl}
}

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	res := d.client.Exists(ctx, "psp:evt:"+eventID)
	return res.Val() > 0, res.Err()
}

func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	return d.client.Set(ctx, "psp:evt:"+eventID, 1, d.ttl).Err()
}
