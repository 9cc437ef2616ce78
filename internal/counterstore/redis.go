package counterstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	db      redis.UniversalClient
	timeout time.Duration
}

// NewRedisStore wraps client; timeout bounds every individual call.
func NewRedisStore(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{db: client, timeout: timeout}
}

// Connect parses a redis:// URL and pings the server before returning.
func Connect(ctx context.Context, url string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	client := redis.NewClient(opts)
	store := NewRedisStore(client, timeout)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func (s *RedisStore) Close() error {
	return s.db.Close()
}

func (s *RedisStore) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if isWrongType(err) {
		return errors.Join(ErrWrongType, err)
	}
	return errors.Join(ErrStoreUnavailable, err)
}

func isWrongType(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	val, err := s.db.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.call(ctx)
	defer cancel()

	return wrap(s.db.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	ok, err := s.db.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	n, err := s.db.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.counterErr(err)
	}
	return n, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	n, err := s.db.Decr(ctx, key).Result()
	if err != nil {
		return 0, s.counterErr(err)
	}
	return n, nil
}

func (s *RedisStore) counterErr(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && !isWrongType(err) {
		return errors.Join(ErrNotInteger, err)
	}
	return wrap(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.call(ctx)
	defer cancel()

	return wrap(s.db.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	d, err := s.db.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	// go-redis reports the -1/-2 sentinels unscaled.
	switch d {
	case -1:
		return NoExpiry, nil
	case -2:
		return KeyMissing, nil
	}
	return d, nil
}

func (s *RedisStore) ListAppend(ctx context.Context, listKey, value string) error {
	ctx, cancel := s.call(ctx)
	defer cancel()

	return wrap(s.db.RPush(ctx, listKey, value).Err())
}

func (s *RedisStore) ListRange(ctx context.Context, listKey string, start, stop int64) ([]string, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	vals, err := s.db.LRange(ctx, listKey, start, stop).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return vals, nil
}

func (s *RedisStore) ListRemove(ctx context.Context, listKey, value string) error {
	ctx, cancel := s.call(ctx)
	defer cancel()

	return wrap(s.db.LRem(ctx, listKey, 0, value).Err())
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()

	n, err := s.db.Del(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.call(ctx)
	defer cancel()

	return wrap(s.db.Ping(ctx).Err())
}
