package database

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Cache key prefixes
	CacheKeySettings     = "coinpanel:settings"
	CacheKeyRates        = "coinpanel:billing:rates"
	CacheKeyTickLock     = "coinpanel:billing:tick-lock"
	CacheKeyTokenRevoked = "coinpanel:token:revoked:"

	// Cache TTLs
	CacheTTLSettings = 5 * time.Minute
	CacheTTLRates    = 2 * time.Minute
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// InvalidateSettingsCache drops the cached settings and rate table so the next
// read sees fresh values
func InvalidateSettingsCache() {
	if Redis == nil {
		return
	}
	CacheDelete(CacheKeySettings, CacheKeyRates)
}

// BlacklistToken marks a JWT as revoked until it would have expired anyway
func BlacklistToken(token string, ttl time.Duration) error {
	if Redis == nil {
		return nil
	}
	ctx := context.Background()
	return Redis.Set(ctx, CacheKeyTokenRevoked+token, "1", ttl).Err()
}

// IsTokenBlacklisted checks whether a JWT has been revoked by logout
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, CacheKeyTokenRevoked+token).Result()
	return err == nil && n > 0
}

// AcquireTickLock attempts to become the billing tick leader for the given window.
// Returns true if this process should run the tick. When Redis is unavailable the
// lock degrades to local-only serialization.
func AcquireTickLock(ttl time.Duration) bool {
	if Redis == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := Redis.SetNX(ctx, CacheKeyTickLock, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		// Redis down must not stop billing on a single-instance deployment
		return true
	}
	return ok
}

// ReleaseTickLock releases the billing tick leader lock
func ReleaseTickLock() {
	if Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	Redis.Del(ctx, CacheKeyTickLock)
}
