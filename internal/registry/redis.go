package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ftlbridge/pkg/ftl"
)

// DefaultKeyPrefix namespaces channel claims in Redis.
const DefaultKeyPrefix = "ftlbridge:channel:"

// Only the owner may extend or delete a claim.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisConfig configures a Redis-backed registry.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis shares channel claims between bridge instances. A claim is a key
// holding the owner id with a TTL; the owner refreshes it while streaming.
type Redis struct {
	client redisClient
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis registry: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	r := NewRedisWithClient(client, cfg.KeyPrefix, cfg.TTL)
	r.closer = client.Close
	return r, nil
}

// NewRedisWithClient wraps an existing client, e.g. a cluster client.
func NewRedisWithClient(client redisClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(channel ftl.ChannelID) string {
	return r.prefix + strconv.FormatUint(uint64(channel), 10)
}

func (r *Redis) Claim(ctx context.Context, channel ftl.ChannelID, owner string) error {
	ok, err := r.client.SetNX(ctx, r.key(channel), owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim channel %d: %w", channel, err)
	}
	if ok {
		return nil
	}

	// 이미 같은 owner가 가지고 있으면 갱신으로 처리
	return r.Refresh(ctx, channel, owner)
}

func (r *Redis) Refresh(ctx context.Context, channel ftl.ChannelID, owner string) error {
	n, err := refreshScript.Eval(ctx, r.client, []string{r.key(channel)}, owner, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh channel %d: %w", channel, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: channel %d", ftl.ErrChannelInUse, channel)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, channel ftl.ChannelID, owner string) error {
	if err := releaseScript.Eval(ctx, r.client, []string{r.key(channel)}, owner).Err(); err != nil {
		return fmt.Errorf("release channel %d: %w", channel, err)
	}
	return nil
}

// Close closes the client if the registry created it.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
