package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	barKeyPrefix = "riskd:bars:"
	barMirrorTTL = 10 * time.Minute
)

// RedisBarSource is the fallback BarSource. Sibling replicas mirror their
// closed bars into Redis so a replica with a broken feed can still compute
// volatility from shared history.
type RedisBarSource struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisBarSource creates the fallback source over an existing client
func NewRedisBarSource(client redis.UniversalClient, logger *zap.Logger) *RedisBarSource {
	return &RedisBarSource{
		client: client,
		logger: logger.Named("redis-bars"),
	}
}

// GetBars reads the mirrored bar window for an instrument
func (s *RedisBarSource) GetBars(ctx context.Context, instrument string, limit int) ([]models.PriceBar, error) {
	data, err := s.client.Get(ctx, barKeyPrefix+instrument).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no mirrored bars for instrument %s", instrument)
		}
		return nil, fmt.Errorf("failed to read mirrored bars: %w", err)
	}

	var bars []models.PriceBar
	if err := json.Unmarshal([]byte(data), &bars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mirrored bars: %w", err)
	}

	if limit > 0 && limit < len(bars) {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// Publish mirrors an instrument's bar window for sibling replicas
func (s *RedisBarSource) Publish(ctx context.Context, instrument string, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to marshal bars for mirror: %w", err)
	}

	if err := s.client.Set(ctx, barKeyPrefix+instrument, data, barMirrorTTL).Err(); err != nil {
		return fmt.Errorf("failed to mirror bars: %w", err)
	}
	return nil
}

func (s *RedisBarSource) GetName() string { return "redis-mirror" }

func (s *RedisBarSource) GetPriority() int { return 2 }

// IsHealthy pings the mirror with a short deadline
func (s *RedisBarSource) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Debug("Redis mirror unhealthy", zap.Error(err))
		return false
	}
	return true
}
