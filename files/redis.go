package files

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// metaTTL bounds how long a RedisStore's metadata entry is cached
// locally/remotely before Get re-reads it from Redis directly.
const metaTTL = time.Hour

// RedisStore persists objects as plain Redis strings and layers
// go-redis/cache's local+remote tiered cache in front of the small
// Meta record, so repeated downloads of the same object skip a
// metadata round trip without risking a stale blob (the blob itself
// is always read fresh from Redis).
type RedisStore struct {
	client *redis.Client
	meta   *cache.Cache
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		meta:   cache.New(&cache.Options{Redis: client}),
		prefix: prefix,
	}
}

func (s *RedisStore) blobKey(key string) string { return s.prefix + "blob:" + key }
func (s *RedisStore) metaKey(key string) string { return s.prefix + "meta:" + key }

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.client.Set(ctx, s.blobKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("files: redis set blob %q: %w", key, err)
	}
	m := Meta{Key: key, Size: int64(len(data)), ContentType: contentType}
	if err := s.meta.Set(&cache.Item{
		Ctx: ctx, Key: s.metaKey(key), Value: &m, TTL: metaTTL,
	}); err != nil {
		return fmt.Errorf("files: redis set meta %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, Meta, error) {
	data, err := s.client.Get(ctx, s.blobKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("files: redis get blob %q: %w", key, err)
	}

	var m Meta
	if err := s.meta.Get(ctx, s.metaKey(key), &m); err != nil {
		m = Meta{Key: key, Size: int64(len(data))}
	}
	return data, m, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.blobKey(key)).Err(); err != nil {
		return fmt.Errorf("files: redis delete blob %q: %w", key, err)
	}
	_ = s.meta.Delete(ctx, s.metaKey(key))
	return nil
}
