package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMXCache is an MXCache backed by Redis, letting several relay
// instances share resolved MX sets instead of each cold-starting its
// own cache, per spec.md §9's note that a multi-instance deployment
// benefits from a shared next-hop cache.
type redisMXCache struct {
	client *redis.Client
	prefix string
}

// NewRedisMXCache builds an MXCache that stores entries in client
// under keyPrefix+domain, with Redis's own TTL doing the expiry.
func NewRedisMXCache(client *redis.Client, keyPrefix string) MXCache {
	if keyPrefix == "" {
		keyPrefix = "gomta:mx:"
	}
	return &redisMXCache{client: client, prefix: keyPrefix}
}

func (c *redisMXCache) Get(ctx context.Context, domain string) ([]Destination, bool) {
	data, err := c.client.Get(ctx, c.prefix+domain).Bytes()
	if err != nil {
		return nil, false
	}
	var dests []Destination
	if err := json.Unmarshal(data, &dests); err != nil {
		return nil, false
	}
	return dests, true
}

func (c *redisMXCache) Set(ctx context.Context, domain string, dests []Destination, ttl time.Duration) {
	if ttl <= 0 {
		return // TTL 0 means do not cache, per spec.md §9 Open Question (b)
	}
	data, err := json.Marshal(dests)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+domain, data, ttl)
}
