package volatility

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	volKeyPrefix   = "riskd:vol:"
	redisMirrorTTL = 5 * time.Minute
	redisOpTimeout = 250 * time.Millisecond
)

func cacheKey(instrument string, period int, method models.VolMethod) string {
	return instrument + ":" + strconv.Itoa(period) + ":" + string(method)
}

type cacheEntry struct {
	reading   models.VolatilityReading
	expiresAt time.Time
}

// Cache is a short-TTL in-memory reading cache with an optional Redis
// mirror. The mirror is read on local miss and written asynchronously, so
// restarted or sibling processes can warm from it.
type Cache struct {
	logger *zap.Logger
	rdb    redis.UniversalClient

	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache builds a cache. rdb may be nil to run without the mirror.
func NewCache(ttl time.Duration, rdb redis.UniversalClient, logger *zap.Logger) *Cache {
	return &Cache{
		logger:  logger.Named("volcache"),
		rdb:     rdb,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// UpdateTTL swaps the expiry horizon on hot reload
func (c *Cache) UpdateTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Get returns a live reading for the key, consulting Redis on local miss
func (c *Cache) Get(ctx context.Context, key string) (models.VolatilityReading, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	ttl := c.ttl
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		metrics.VolatilityCacheHits.WithLabelValues("local").Inc()
		return entry.reading, true
	}

	if c.rdb != nil {
		if reading, ok := c.mirrorGet(ctx, key, ttl); ok {
			c.mu.Lock()
			c.entries[key] = cacheEntry{reading: reading, expiresAt: reading.ComputedAt.Add(ttl)}
			c.mu.Unlock()
			metrics.VolatilityCacheHits.WithLabelValues("mirror").Inc()
			return reading, true
		}
	}

	metrics.VolatilityCacheHits.WithLabelValues("miss").Inc()
	return models.VolatilityReading{}, false
}

// Set stores the reading locally and mirrors it to Redis in the background
func (c *Cache) Set(ctx context.Context, key string, reading models.VolatilityReading) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{reading: reading, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}

	go func() {
		opCtx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()

		data, err := json.Marshal(reading)
		if err != nil {
			c.logger.Debug("Failed to marshal reading for mirror", zap.String("key", key), zap.Error(err))
			return
		}
		if err := c.rdb.Set(opCtx, volKeyPrefix+key, data, redisMirrorTTL).Err(); err != nil {
			c.logger.Debug("Failed to mirror reading", zap.String("key", key), zap.Error(err))
		}
	}()
}

// mirrorGet reads the Redis mirror; mirrored readings still honor the local
// TTL so a mirror older than the horizon is discarded.
func (c *Cache) mirrorGet(ctx context.Context, key string, ttl time.Duration) (models.VolatilityReading, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := c.rdb.Get(opCtx, volKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("Mirror read failed", zap.String("key", key), zap.Error(err))
		}
		return models.VolatilityReading{}, false
	}

	var reading models.VolatilityReading
	if err := json.Unmarshal(data, &reading); err != nil {
		c.logger.Debug("Corrupt mirror entry", zap.String("key", key), zap.Error(err))
		return models.VolatilityReading{}, false
	}
	if time.Since(reading.ComputedAt) > ttl {
		return models.VolatilityReading{}, false
	}
	return reading, true
}

// Invalidate drops the local entry and the mirror for one key
func (c *Cache) Invalidate(ctx context.Context, instrument string, period int, method models.VolMethod) error {
	key := cacheKey(instrument, period, method)

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, volKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate mirror entry %s: %w", key, err)
	}
	return nil
}
