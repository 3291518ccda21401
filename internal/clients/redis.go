package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/deps"
	"arc-framework/bootseq/internal/sequencer"
	"arc-framework/bootseq/internal/stamp"
)

const (
	redisProbeName = "redis"
	stampKeyPrefix = "bootseq:stamp:"
)

// redisKV is the subset of go-redis used by RedisStampStore. It is
// implemented by the real client wrapper and by test doubles.
type redisKV interface {
	PingResult(ctx context.Context) (string, error)
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// realRedisKV adapts *redis.Client to redisKV so tests can inject a fake
// without constructing real *redis.StatusCmd values.
type realRedisKV struct {
	client *redis.Client
}

func (r *realRedisKV) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisKV) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return r.client.Get(ctx, key).Bytes()
}

func (r *realRedisKV) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, val, ttl).Err()
}

func (r *realRedisKV) Close() error {
	return r.client.Close()
}

// RedisStampStore shares install stamps between builders that mount the same
// working directory. It satisfies sequencer.StampStore.
type RedisStampStore struct {
	cfg config.RedisConfig
	cb  *gobreaker.CircuitBreaker
	kv  redisKV
}

// NewRedisStampStore creates the store. go-redis dials lazily, so no
// connection is made here.
func NewRedisStampStore(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisStampStore {
	return &RedisStampStore{
		cfg: cfg,
		cb:  cb,
		kv: &realRedisKV{
			client: redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			}),
		},
	}
}

func stampKey(digest deps.Digest) string {
	return stampKeyPrefix + string(digest)
}

// Get returns the stamp for digest. A missing key is a miss, not an error.
func (c *RedisStampStore) Get(ctx context.Context, digest deps.Digest) (*stamp.Stamp, bool, error) {
	res, err := c.cb.Execute(func() (any, error) {
		data, err := c.kv.GetBytes(ctx, stampKey(digest))
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", stampKey(digest), err)
		}
		return data, nil
	})
	if err != nil {
		return nil, false, breakerErr(err)
	}

	data, _ := res.([]byte)
	if data == nil {
		return nil, false, nil
	}

	var s stamp.Stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decoding stamp %s: %w", digest, err)
	}
	return &s, true, nil
}

// Put stores the stamp with the configured TTL (zero keeps it forever).
func (c *RedisStampStore) Put(ctx context.Context, s stamp.Stamp) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding stamp: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		if err := c.kv.SetBytes(ctx, stampKey(s.Digest), data, c.cfg.TTL); err != nil {
			return nil, fmt.Errorf("set %s: %w", stampKey(s.Digest), err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Probe sends a PING command to Redis and validates the PONG response. The call
// is wrapped in the circuit breaker; after 3 consecutive failures the breaker
// opens and subsequent calls return immediately with "circuit open".
func (c *RedisStampStore) Probe(ctx context.Context) sequencer.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		val, err := c.kv.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	return probeResult(redisProbeName, start, err)
}

func (c *RedisStampStore) Close() error {
	return c.kv.Close()
}
