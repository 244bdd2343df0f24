package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Cache is a key-value cache in front of the store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func DomainCacheKey(id string) string  { return "domain:" + id }
func MailboxCacheKey(id string) string { return "mailbox:" + id }

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, ...string) error                  { return nil }

// cachedLoad reads key from the cache, falling back to load and populating
// the cache on a miss. Cache errors are logged and otherwise ignored.
func cachedLoad[T any](ctx context.Context, c Cache, logger zerolog.Logger, key string, ttl time.Duration, load func() (*T, error)) (*T, error) {
	if data, ok, err := c.Get(ctx, key); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return &v, nil
		}
		logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		if err := c.Set(ctx, key, data, ttl); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return v, nil
}

// invalidate drops keys; failure never fails the caller.
func invalidate(ctx context.Context, c Cache, logger zerolog.Logger, keys ...string) {
	if err := c.Delete(ctx, keys...); err != nil {
		logger.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
}
