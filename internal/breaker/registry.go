// Package breaker implements the seven independent circuit breakers that
// observe portfolio- and system-wide metrics and can force a global halt
// regardless of per-position escalation state.
package breaker

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	haltKey           = "riskd:breaker:halted"
	stateKeyPrefix    = "riskd:breaker:"
	mirrorStateTTL    = 24 * time.Hour
	mirrorOpTimeout   = 250 * time.Millisecond
	gaugeArmed        = 0
	gaugeTriggered    = 1
	gaugeCoolingDown  = 2
)

// breakerOrder fixes the reporting order of the seven types
var breakerOrder = []models.BreakerType{
	models.BreakerPortfolioLoss,
	models.BreakerPositionLoss,
	models.BreakerVolatilitySpike,
	models.BreakerVolumeAnomaly,
	models.BreakerErrorRate,
	models.BreakerLiquidityDrop,
	models.BreakerCorrelationShift,
}

// Executor runs a breaker's configured actions. Each action executes exactly
// once per trigger.
type Executor interface {
	HaltAllTrading(ctx context.Context, bt models.BreakerType, value float64)
	CloseFlaggedPositions(ctx context.Context, bt models.BreakerType, value float64)
	ShrinkPositionSizes(ctx context.Context, bt models.BreakerType, value float64)
	EmitCriticalAlert(ctx context.Context, bt models.BreakerType, value, threshold float64)
	RunDiagnostics(ctx context.Context, bt models.BreakerType, value float64)
	ResumeTrading(ctx context.Context, bt models.BreakerType)
}

// Recorder receives every breaker state transition before actions execute
type Recorder interface {
	PublishBreakerTransition(ctx context.Context, state models.CircuitBreakerState, result models.TriggerResult)
}

// unit is one breaker's state guarded by its own lock
type unit struct {
	mu    sync.Mutex
	typ   models.BreakerType
	cfg   config.BreakerConfig
	state models.CircuitBreakerState
}

// Registry holds the seven breakers. The global halt flag is an atomic so
// every position loop sees a trip without taking a lock.
type Registry struct {
	logger   *zap.Logger
	executor Executor
	audit    Recorder
	rdb      redis.UniversalClient

	units  map[models.BreakerType]*unit
	halted atomic.Bool

	now func() time.Time
}

// NewRegistry arms all seven breakers from config. rdb may be nil.
func NewRegistry(cfg config.BreakersConfig, executor Executor, audit Recorder, rdb redis.UniversalClient, logger *zap.Logger) *Registry {
	r := &Registry{
		logger:   logger.Named("breaker"),
		executor: executor,
		audit:    audit,
		rdb:      rdb,
		units:    make(map[models.BreakerType]*unit, len(breakerOrder)),
		now:      time.Now,
	}

	for bt, bc := range breakerConfigs(cfg) {
		r.units[bt] = &unit{
			typ: bt,
			cfg: bc,
			state: models.CircuitBreakerState{
				BreakerType: bt,
				Armed:       true,
			},
		}
		metrics.BreakerState.WithLabelValues(string(bt)).Set(gaugeArmed)
	}
	return r
}

func breakerConfigs(cfg config.BreakersConfig) map[models.BreakerType]config.BreakerConfig {
	return map[models.BreakerType]config.BreakerConfig{
		models.BreakerPortfolioLoss:    cfg.PortfolioLoss,
		models.BreakerPositionLoss:     cfg.PositionLoss,
		models.BreakerVolatilitySpike:  cfg.VolatilitySpike,
		models.BreakerVolumeAnomaly:    cfg.VolumeAnomaly,
		models.BreakerErrorRate:        cfg.ErrorRate,
		models.BreakerLiquidityDrop:    cfg.LiquidityDrop,
		models.BreakerCorrelationShift: cfg.CorrelationShift,
	}
}

// UpdateConfig swaps thresholds and cooldowns on hot reload
func (r *Registry) UpdateConfig(cfg config.BreakersConfig) {
	for bt, bc := range breakerConfigs(cfg) {
		u, ok := r.units[bt]
		if !ok {
			continue
		}
		u.mu.Lock()
		u.cfg = bc
		u.mu.Unlock()
	}
}

// Halted reports whether any halt-capable breaker is currently tripped
func (r *Registry) Halted() bool {
	return r.halted.Load()
}

// States returns a snapshot of all breakers in fixed order
func (r *Registry) States() []models.CircuitBreakerState {
	out := make([]models.CircuitBreakerState, 0, len(breakerOrder))
	for _, bt := range breakerOrder {
		u := r.units[bt]
		u.mu.Lock()
		out = append(out, u.state)
		u.mu.Unlock()
	}
	return out
}

// ObserveFault feeds a breaker whose metric could not be computed. Missing
// data assumes the worst: the breaker behaves as if the threshold crossed,
// and the caller gets a BreakerFault to surface.
func (r *Registry) ObserveFault(ctx context.Context, bt models.BreakerType, cause error) (models.TriggerResult, error) {
	res, _ := r.Observe(ctx, bt, math.NaN())
	return res, errs.BreakerFault.Explain("metric for %s unavailable, assuming worst: %v", bt, cause)
}

// Observe feeds one metric sample to its breaker. Armed breakers trigger the
// instant the threshold is crossed, with no debounce. During cooldown a
// crossing is recorded but cannot re-trigger; after cooldown the breaker
// re-arms only if the metric is back under threshold, otherwise it
// re-triggers immediately.
func (r *Registry) Observe(ctx context.Context, bt models.BreakerType, value float64) (models.TriggerResult, error) {
	u, ok := r.units[bt]
	if !ok {
		return models.TriggerResult{}, errs.Validation.Explain("unknown breaker type %q", bt)
	}

	fault := math.IsNaN(value) || math.IsInf(value, 0)

	u.mu.Lock()

	now := r.now().UTC()
	crossed := fault || value >= u.cfg.Threshold
	if !fault {
		u.state.LastValue = value
	}

	result := models.TriggerResult{
		BreakerType: bt,
		Value:       value,
		Threshold:   u.cfg.Threshold,
		ObservedAt:  now,
	}

	inCooldown := u.state.CooldownUntil != nil && now.Before(*u.state.CooldownUntil)
	var rearmed bool

	switch {
	case inCooldown:
		metrics.BreakerState.WithLabelValues(string(bt)).Set(gaugeCoolingDown)
		if crossed {
			// Observed breach during cooldown: recorded, never re-triggered.
			result.Recorded = true
			r.audit.PublishBreakerTransition(ctx, u.state, result)
			r.logger.Warn("Breach observed during cooldown",
				zap.String("breaker", string(bt)),
				zap.Float64("value", value),
				zap.Float64("threshold", u.cfg.Threshold))
		}

	case !u.state.Armed:
		// Cooldown expired. Re-arm only with the metric under threshold.
		if crossed {
			r.trigger(ctx, u, &result, now)
		} else {
			u.state.Armed = true
			u.state.TriggeredAt = nil
			u.state.CooldownUntil = nil
			rearmed = true
			metrics.BreakerState.WithLabelValues(string(bt)).Set(gaugeArmed)
			r.audit.PublishBreakerTransition(ctx, u.state, result)
			r.logger.Info("Breaker re-armed",
				zap.String("breaker", string(bt)),
				zap.Float64("value", value))
		}

	default:
		if crossed {
			r.trigger(ctx, u, &result, now)
		}
	}

	state := u.state
	u.mu.Unlock()

	// recomputeHalt walks the other units, so it must run with this unit's
	// lock released.
	if rearmed {
		r.recomputeHalt(ctx, bt)
	}
	r.mirror(state)

	if fault {
		return result, errs.BreakerFault.Explain("metric for %s unavailable, assuming worst", bt)
	}
	return result, nil
}

// trigger flips Armed -> Triggered, records the transition, then executes
// the configured actions exactly once. Record first, act second.
func (r *Registry) trigger(ctx context.Context, u *unit, result *models.TriggerResult, now time.Time) {
	cooldownUntil := now.Add(u.cfg.Cooldown)
	u.state.Armed = false
	u.state.TriggeredAt = &now
	u.state.CooldownUntil = &cooldownUntil
	u.state.TriggerCount++

	result.Triggered = true
	result.Actions = make([]models.BreakerAction, 0, len(u.cfg.Actions))
	for _, a := range u.cfg.Actions {
		result.Actions = append(result.Actions, models.BreakerAction(a))
	}

	metrics.BreakerTrips.WithLabelValues(string(u.typ)).Inc()
	metrics.BreakerState.WithLabelValues(string(u.typ)).Set(gaugeTriggered)

	r.audit.PublishBreakerTransition(ctx, u.state, *result)
	r.logger.Error("Circuit breaker triggered",
		zap.String("breaker", string(u.typ)),
		zap.Float64("value", result.Value),
		zap.Float64("threshold", u.cfg.Threshold),
		zap.Duration("cooldown", u.cfg.Cooldown),
		zap.Int64("trigger_count", u.state.TriggerCount))

	for _, action := range result.Actions {
		switch action {
		case models.ActionHaltAll:
			r.halted.Store(true)
			r.executor.HaltAllTrading(ctx, u.typ, result.Value)
		case models.ActionCloseFlagged:
			r.executor.CloseFlaggedPositions(ctx, u.typ, result.Value)
		case models.ActionShrinkSizes:
			r.executor.ShrinkPositionSizes(ctx, u.typ, result.Value)
		case models.ActionCriticalAlert:
			r.executor.EmitCriticalAlert(ctx, u.typ, result.Value, u.cfg.Threshold)
		case models.ActionRunDiagnostics:
			r.executor.RunDiagnostics(ctx, u.typ, result.Value)
		}
	}
}

// recomputeHalt lifts the global halt once no halt-capable breaker remains
// tripped. Called with no unit lock held; each unit's config and state are
// read under that unit's own lock, since hot reload rewrites u.cfg.
func (r *Registry) recomputeHalt(ctx context.Context, rearmed models.BreakerType) {
	if !r.halted.Load() {
		return
	}

	for _, bt := range breakerOrder {
		u := r.units[bt]
		if bt == rearmed {
			continue
		}
		u.mu.Lock()
		tripped := hasHaltAction(u.cfg.Actions) && !u.state.Armed
		u.mu.Unlock()
		if tripped {
			return
		}
	}

	r.halted.Store(false)
	r.executor.ResumeTrading(ctx, rearmed)
	r.logger.Info("Global halt lifted", zap.String("re_armed_breaker", string(rearmed)))
}

func hasHaltAction(actions []string) bool {
	for _, a := range actions {
		if models.BreakerAction(a) == models.ActionHaltAll {
			return true
		}
	}
	return false
}

// mirror pushes breaker state to Redis for sibling processes and ops reads
func (r *Registry) mirror(state models.CircuitBreakerState) {
	if r.rdb == nil {
		return
	}

	halted := "0"
	if r.halted.Load() {
		halted = "1"
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		defer cancel()

		data, err := json.Marshal(state)
		if err != nil {
			return
		}
		pipe := r.rdb.Pipeline()
		pipe.Set(ctx, stateKeyPrefix+string(state.BreakerType), data, mirrorStateTTL)
		pipe.Set(ctx, haltKey, halted, mirrorStateTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Debug("Failed to mirror breaker state",
				zap.String("breaker", string(state.BreakerType)),
				zap.Error(err))
		}
	}()
}
