package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "cache"

type cmdable interface {
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
}

// RedisOptions mirrors the REDIS_* settings.
type RedisOptions struct {
	URL       string
	Addr      string
	Password  string
	DB        int
	Namespace string
	// TTL bounds entry age; zero keeps entries forever.
	TTL time.Duration
}

// RedisStore keeps artifacts under <namespace>:cache:<fingerprint>.
type RedisStore struct {
	store     cmdable
	raw       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	clientOpts, err := redisClientOptions(opts)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(clientOpts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := newRedisStore(raw, opts.Namespace, opts.TTL)
	store.raw = raw
	return store, nil
}

func newRedisStore(store cmdable, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = "tgimg"
	}
	return &RedisStore{store: store, namespace: namespace, ttl: ttl}
}

func redisClientOptions(opts RedisOptions) (*redis.Options, error) {
	if opts.URL == "" && opts.Addr == "" {
		return nil, errors.New("redis url or address is required")
	}
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		if parsed.DB == 0 {
			parsed.DB = opts.DB
		}
		return parsed, nil
	}
	return &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}

func (s *RedisStore) key(fp string) string {
	return s.namespace + ":" + cachePrefix + ":" + fp
}

func (s *RedisStore) Lookup(ctx context.Context, fp string) ([]byte, bool, error) {
	if !ValidFingerprint(fp) {
		return nil, false, ErrInvalidFingerprint
	}
	data, err := s.store.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (s *RedisStore) Put(ctx context.Context, fp string, data []byte) error {
	if !ValidFingerprint(fp) {
		return ErrInvalidFingerprint
	}
	if err := s.store.Set(ctx, s.key(fp), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}
