package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// RedisBackend implements a storage backend on Redis. Unlike the other
// backends it enforces record expiry natively through key TTLs.
type RedisBackend struct {
	client      redis.UniversalClient
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewRedisBackend wraps an existing client. Keys are namespaced with prefix.
func NewRedisBackend(client redis.UniversalClient, prefix, locationURI string, log *slog.Logger) *RedisBackend {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisBackend{
		client:      client,
		prefix:      prefix,
		log:         log,
		locationURI: locationURI,
	}
}

// NewRedisBackendFromURL dials the server described by a redis:// URL.
func NewRedisBackendFromURL(rawURL, prefix string, log *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}
	uri := fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
	return NewRedisBackend(redis.NewClient(opts), prefix, uri, log), nil
}

// Fetch returns the value stored under key.
func (b *RedisBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Fetched record from Redis", slog.String("key", key), slog.Int("size", len(data)))
	return data, nil
}

// Store sets key to data, expiring after ttl when ttl is positive.
func (b *RedisBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, b.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record in Redis: %w", err)
	}
	b.log.Debug("Stored record in Redis", slog.String("key", key), slog.Duration("ttl", ttl))
	return nil
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}
	return nil
}

// List scans for keys starting with prefix.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := b.prefix + escapeGlob(prefix) + "*"
	for {
		batch, next, err := b.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan Redis keys: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, b.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// Available pings the server.
func (b *RedisBackend) Available(ctx context.Context) bool {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Debug("Redis backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *RedisBackend) Name() string {
	return fmt.Sprintf("redis-%s", strings.TrimSuffix(b.prefix, ":"))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *RedisBackend) LocationURI() string {
	return b.locationURI
}
