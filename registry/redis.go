package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared-process registry backend for relays running more
// than one instance: FindTunnelBySubdomain and MarkTunnelStatus both
// need to observe writes made by other instances, which Memory cannot
// provide.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. prefix namespaces keys, e.g.
// "dotunnel:" in a shared Redis instance.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) subKey(subdomain string) string {
	return r.prefix + "sub:" + subdomain
}

func (r *Redis) pubKey(publicID string) string {
	return r.prefix + "tunnel:" + publicID
}

// Put registers a tunnel under both its subdomain and public-id keys.
func (r *Redis) Put(ctx context.Context, t *Tunnel) error {
	buf, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("registry: marshal tunnel: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.pubKey(t.PublicID), buf, 0)
	pipe.Set(ctx, r.subKey(t.Subdomain), t.PublicID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) FindTunnelBySubdomain(ctx context.Context, subdomain string) (*Tunnel, error) {
	publicID, err := r.client.Get(ctx, r.subKey(subdomain)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: lookup subdomain %s: %w", subdomain, err)
	}
	buf, err := r.client.Get(ctx, r.pubKey(publicID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load tunnel %s: %w", publicID, err)
	}
	var t Tunnel
	if err := json.Unmarshal(buf, &t); err != nil {
		return nil, fmt.Errorf("registry: decode tunnel %s: %w", publicID, err)
	}
	return &t, nil
}

// MarkTunnelStatus is idempotent (UPDATE … WHERE public_id = ? in spec
// §5's terms): it loads, mutates, and stores the row unconditionally,
// with no transactional requirement across relay instances.
func (r *Redis) MarkTunnelStatus(ctx context.Context, publicID, status string, _ time.Time) error {
	key := r.pubKey(publicID)
	buf, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("registry: load tunnel %s: %w", publicID, err)
	}
	var t Tunnel
	if err := json.Unmarshal(buf, &t); err != nil {
		return fmt.Errorf("registry: decode tunnel %s: %w", publicID, err)
	}
	t.Status = status
	out, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("registry: marshal tunnel %s: %w", publicID, err)
	}
	return r.client.Set(ctx, key, out, 0).Err()
}
