package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ViewCache keeps computed per-user dashboard views in Redis. Every key embeds the
// user's data version, so bumping the version on upload orphans all older views.
type ViewCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewViewCache creates a Redis backed view cache
func NewViewCache(config *Config, logger *zap.Logger) (*ViewCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	cache := NewViewCacheFromClient(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.client.Ping(ctx).Err(); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("View cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// NewViewCacheFromClient wraps an existing client
func NewViewCacheFromClient(client *redis.Client, config *Config, logger *zap.Logger) *ViewCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "beacon"
	}
	return &ViewCache{client: client, config: config, logger: logger}
}

// Get loads the view named by name and params into dest.
// A miss, a Redis failure and a corrupt entry all report false without error.
func (vc *ViewCache) Get(ctx context.Context, userID, name string, params map[string]string, dest any) bool {
	key, err := vc.viewKey(ctx, userID, name, params)
	if err != nil {
		vc.logger.Error("Cache version lookup failed", zap.Error(err))
		vc.misses.Add(1)
		return false
	}

	data, err := vc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		vc.misses.Add(1)
		vc.logger.Debug("Cache miss", zap.String("key", key))
		return false
	} else if err != nil {
		vc.misses.Add(1)
		vc.logger.Error("Cache lookup failed", zap.Error(err))
		return false
	}

	var view cachedView
	err = json.Unmarshal(data, &view)
	if err == nil {
		err = json.Unmarshal(view.Payload, dest)
	}
	if err != nil {
		vc.logger.Error("Failed to unmarshal cached view", zap.String("key", key), zap.Error(err))
		vc.client.Del(ctx, key)
		vc.misses.Add(1)
		return false
	}

	vc.hits.Add(1)
	vc.logger.Debug("Cache hit", zap.String("key", key), zap.Time("cached_at", view.CachedAt))
	return true
}

// Set stores value as the view named by name and params
func (vc *ViewCache) Set(ctx context.Context, userID, name string, params map[string]string, value any) error {
	key, err := vc.viewKey(ctx, userID, name, params)
	if err != nil {
		return fmt.Errorf("failed to read cache version: %w", err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal view for caching: %w", err)
	}

	data, err := json.Marshal(cachedView{Payload: payload, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal view for caching: %w", err)
	}

	if err := vc.client.Set(ctx, key, data, vc.config.DefaultTTL).Err(); err != nil {
		vc.logger.Error("Failed to cache view", zap.Error(err))
		return fmt.Errorf("failed to cache view: %w", err)
	}

	vc.logger.Debug("View cached", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Invalidate bumps the user's data version
func (vc *ViewCache) Invalidate(ctx context.Context, userID string) error {
	version, err := vc.client.Incr(ctx, vc.versionKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to invalidate views for %s: %w", userID, err)
	}

	vc.logger.Debug("Views invalidated",
		zap.String("user_id", userID),
		zap.Int64("version", version))
	return nil
}

// GetStats returns cache performance statistics
func (vc *ViewCache) GetStats(ctx context.Context) (*CacheStats, error) {
	info, err := vc.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &CacheStats{
		Hits:   vc.hits.Load(),
		Misses: vc.misses.Load(),
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := vc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every key under the configured prefix
func (vc *ViewCache) Clear(ctx context.Context) error {
	iter := vc.client.Scan(ctx, 0, vc.config.KeyPrefix+":*", 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := vc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			vc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	vc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (vc *ViewCache) Close() error {
	if vc.client != nil {
		return vc.client.Close()
	}
	return nil
}

func (vc *ViewCache) versionKey(userID string) string {
	return fmt.Sprintf("%s:version:%s", vc.config.KeyPrefix, userID)
}

// viewKey hashes the sorted params so equal queries share one entry
func (vc *ViewCache) viewKey(ctx context.Context, userID, name string, params map[string]string) (string, error) {
	version, err := vc.client.Get(ctx, vc.versionKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	hasher := sha256.New()
	for _, k := range names {
		fmt.Fprintf(hasher, "%s=%s;", k, params[k])
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	return fmt.Sprintf("%s:view:%s:v%d:%s:%s", vc.config.KeyPrefix, userID, version, name, hash[:16]), nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return url
	}
	userInfo, host, found := strings.Cut(rest, "@")
	if !found {
		return url
	}
	user, _, hasPassword := strings.Cut(userInfo, ":")
	if !hasPassword {
		return url
	}
	return scheme + "://" + user + ":***@" + host
}
