package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/portbroker/internal/obs"
)

// releaseScript deletes a key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisDirectory implements Directory with SET NX keys carrying a TTL. Claims
// made by this instance are remembered locally so Refresh can extend them.
type redisDirectory struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	mu    sync.Mutex
	owned map[string]string // full key -> owner
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts Options) (Directory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisDirectory(rdb, opts), nil
}

func newRedisDirectory(rdb *redis.Client, opts Options) *redisDirectory {
	ttl := opts.KeyTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "portbroker:"
	}
	return &redisDirectory{client: rdb, ttl: ttl, prefix: prefix, owned: make(map[string]string)}
}

var _ Directory = (*redisDirectory)(nil)

func (r *redisDirectory) sessionKey(name string) string { return r.prefix + "session:" + name }
func (r *redisDirectory) hostKey(host string) string    { return r.prefix + "host:" + host }

func (r *redisDirectory) ClaimSession(ctx context.Context, name, owner string) error {
	return r.claim(ctx, r.sessionKey(name), owner, ErrNameTaken)
}

func (r *redisDirectory) ReleaseSession(ctx context.Context, name, owner string) error {
	return r.release(ctx, r.sessionKey(name), owner)
}

func (r *redisDirectory) ClaimHost(ctx context.Context, host, owner string) error {
	return r.claim(ctx, r.hostKey(host), owner, ErrHostTaken)
}

func (r *redisDirectory) ReleaseHost(ctx context.Context, host, owner string) error {
	return r.release(ctx, r.hostKey(host), owner)
}

func (r *redisDirectory) claim(ctx context.Context, key, owner string, taken error) error {
	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		cur, err := r.client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("redis get %s: %w", key, err)
		}
		if cur != owner {
			return fmt.Errorf("%w: %s", taken, key)
		}
	}
	r.mu.Lock()
	r.owned[key] = owner
	r.mu.Unlock()
	return nil
}

func (r *redisDirectory) release(ctx context.Context, key, owner string) error {
	r.mu.Lock()
	delete(r.owned, key)
	r.mu.Unlock()
	if err := releaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

// Refresh extends the TTL of every key this instance holds.
func (r *redisDirectory) Refresh(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.owned))
	for k := range r.owned {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Expire(ctx, k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	obs.Debug("state.refresh", obs.Fields{"keys": len(keys)})
	return nil
}

// Close releases everything this instance still holds and closes the client.
func (r *redisDirectory) Close() error {
	r.mu.Lock()
	owned := r.owned
	r.owned = make(map[string]string)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for k, owner := range owned {
		if err := releaseScript.Run(ctx, r.client, []string{k}, owner).Err(); err != nil && err != redis.Nil {
			obs.Error("redis.release", obs.Fields{"err": err.Error(), "key": k})
		}
	}
	return r.client.Close()
}
