package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	chainKeyPrefix      = "riskd:chain:"
	underlyingKeyPrefix = "riskd:underlying:"
)

// chainEnvelope is the mirrored option chain written by the chain feeder
type chainEnvelope struct {
	Instrument string                 `json:"instrument"`
	Candidates []models.RollCandidate `json:"candidates"`
	Underlying decimal.Decimal        `json:"underlying"`
	ImpliedVol float64                `json:"implied_vol"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ChainSource serves roll candidates and the market snapshot from the Redis
// mirror the chain feeder maintains.
type ChainSource struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewChainSource creates a chain source over Redis
func NewChainSource(client redis.UniversalClient, logger *zap.Logger) *ChainSource {
	return &ChainSource{client: client, logger: logger.Named("chains")}
}

func (s *ChainSource) load(ctx context.Context, instrument string) (chainEnvelope, error) {
	var env chainEnvelope

	if s.client == nil {
		return env, errs.Data.Explain("option chain mirror is not configured")
	}

	data, err := s.client.Get(ctx, chainKeyPrefix+instrument).Bytes()
	if err != nil {
		if err == redis.Nil {
			return env, errs.Data.Explain("no option chain mirrored for %s", instrument)
		}
		return env, fmt.Errorf("failed to read option chain for %s: %w", instrument, err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("corrupt option chain for %s: %w", instrument, err)
	}
	return env, nil
}

// Candidates returns the mirrored roll candidates for an instrument
func (s *ChainSource) Candidates(ctx context.Context, instrument string) ([]models.RollCandidate, error) {
	env, err := s.load(ctx, instrument)
	if err != nil {
		return nil, err
	}
	return env.Candidates, nil
}

// Snapshot returns the market context the chain was priced against
func (s *ChainSource) Snapshot(ctx context.Context, instrument string) (models.MarketSnapshot, error) {
	env, err := s.load(ctx, instrument)
	if err != nil {
		return models.MarketSnapshot{}, err
	}
	snap := models.MarketSnapshot{
		UnderlyingPrice: env.Underlying,
		ImpliedVol:      env.ImpliedVol,
		Timestamp:       env.UpdatedAt,
	}
	if !snap.UnderlyingPrice.IsPositive() {
		if data, err := s.client.Get(ctx, underlyingKeyPrefix+instrument).Bytes(); err == nil {
			var px decimal.Decimal
			if err := json.Unmarshal(data, &px); err == nil {
				snap.UnderlyingPrice = px
			}
		}
	}
	return snap, nil
}
