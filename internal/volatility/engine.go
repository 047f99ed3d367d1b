// Package volatility computes smoothed true-range readings per instrument
// from multi-source bar history, with quality scoring and a short-TTL cache.
package volatility

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/marketdata"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// wilderState carries the recursive smoothing state forward so a fresh bar
// needs one smoothing step instead of a full recompute.
type wilderState struct {
	atr     float64
	lastBar time.Time
}

// Engine computes volatility readings. Sources are consulted in priority
// order; total source failure degrades to the last known reading with
// lowered confidence rather than blocking monitoring.
type Engine struct {
	logger  *zap.Logger
	sources []marketdata.BarSource
	cache   *Cache
	group   singleflight.Group

	mu        sync.RWMutex
	cfg       config.VolatilityConfig
	wilder    map[string]wilderState
	lastKnown map[string]models.VolatilityReading
}

// NewEngine creates a volatility engine over the given bar sources
func NewEngine(cfg config.VolatilityConfig, sources []marketdata.BarSource, cache *Cache, logger *zap.Logger) *Engine {
	ordered := make([]marketdata.BarSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].GetPriority() < ordered[j].GetPriority()
	})

	return &Engine{
		logger:    logger.Named("volatility"),
		sources:   ordered,
		cache:     cache,
		cfg:       cfg,
		wilder:    make(map[string]wilderState),
		lastKnown: make(map[string]models.VolatilityReading),
	}
}

// UpdateConfig swaps thresholds on hot reload
func (e *Engine) UpdateConfig(cfg config.VolatilityConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.cache.UpdateTTL(cfg.CacheTTL)
}

func (e *Engine) config() config.VolatilityConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// ComputeDefault computes a reading with the configured default period and method
func (e *Engine) ComputeDefault(ctx context.Context, instrument string) (models.VolatilityReading, error) {
	cfg := e.config()
	return e.Compute(ctx, instrument, cfg.DefaultPeriod, models.VolMethod(cfg.DefaultMethod))
}

// Invalidate drops the cached default reading for an instrument so the next
// evaluation computes fresh from the sources. An operator action after an
// upstream data correction.
func (e *Engine) Invalidate(ctx context.Context, instrument string) error {
	if instrument == "" {
		return errs.Validation.Explain("instrument is required")
	}
	cfg := e.config()
	return e.cache.Invalidate(ctx, instrument, cfg.DefaultPeriod, models.VolMethod(cfg.DefaultMethod))
}

// Compute returns the volatility reading for (instrument, period, method).
// Concurrent callers for the same key share one computation.
func (e *Engine) Compute(ctx context.Context, instrument string, period int, method models.VolMethod) (models.VolatilityReading, error) {
	if instrument == "" {
		return models.VolatilityReading{}, errs.Validation.Explain("instrument is required")
	}
	if period < 2 {
		return models.VolatilityReading{}, errs.Validation.Explain("period must be at least 2, got %d", period)
	}
	switch method {
	case models.MethodSimple, models.MethodExponential, models.MethodWilder:
	default:
		return models.VolatilityReading{}, errs.Validation.Explain("unknown smoothing method %q", method)
	}

	key := cacheKey(instrument, period, method)

	if reading, ok := e.cache.Get(ctx, key); ok {
		return reading, nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		if reading, ok := e.cache.Get(ctx, key); ok {
			return reading, nil
		}

		reading, err := e.computeFresh(ctx, instrument, period, method)
		if err != nil {
			return models.VolatilityReading{}, err
		}

		e.cache.Set(ctx, key, reading)
		return reading, nil
	})
	if err != nil {
		return models.VolatilityReading{}, err
	}
	return v.(models.VolatilityReading), nil
}

// computeFresh walks the source chain and computes a reading from the first
// source that serves fresh bars.
func (e *Engine) computeFresh(ctx context.Context, instrument string, period int, method models.VolMethod) (models.VolatilityReading, error) {
	cfg := e.config()

	var sawStale, sawInsufficient bool
	var lastErr error

	for _, src := range e.sources {
		if !src.IsHealthy() {
			continue
		}

		bars, err := src.GetBars(ctx, instrument, period+1)
		if err != nil {
			lastErr = err
			e.logger.Debug("Bar source failed",
				zap.String("source", src.GetName()),
				zap.String("instrument", instrument),
				zap.Error(err))
			continue
		}
		if len(bars) < 2 {
			sawInsufficient = true
			continue
		}
		if time.Since(bars[len(bars)-1].Timestamp) > cfg.FreshnessBound {
			sawStale = true
			e.logger.Debug("Bar source stale",
				zap.String("source", src.GetName()),
				zap.String("instrument", instrument),
				zap.Time("last_bar", bars[len(bars)-1].Timestamp))
			continue
		}

		reading := e.computeFromBars(bars, instrument, period, method, cfg)

		e.mu.Lock()
		e.lastKnown[cacheKey(instrument, period, method)] = reading
		e.mu.Unlock()

		metrics.VolatilityComputations.WithLabelValues(string(method), "ok").Inc()
		return reading, nil
	}

	// Every source failed. Serve the last known reading with decayed
	// confidence so monitoring keeps running; fail conservative. The decay
	// compounds across consecutive failures.
	key := cacheKey(instrument, period, method)
	e.mu.Lock()
	prior, hasPrior := e.lastKnown[key]
	if hasPrior {
		prior.ConfidenceScore = clamp01(prior.ConfidenceScore * cfg.ConfidenceDecay)
		prior.Degraded = true
		prior.ComputedAt = time.Now().UTC()
		e.lastKnown[key] = prior
	}
	e.mu.Unlock()

	if hasPrior {
		metrics.VolatilityComputations.WithLabelValues(string(method), "degraded").Inc()
		e.logger.Warn("Serving degraded volatility reading",
			zap.String("instrument", instrument),
			zap.Float64("confidence", prior.ConfidenceScore))
		return prior, nil
	}

	metrics.VolatilityComputations.WithLabelValues(string(method), "error").Inc()

	switch {
	case sawInsufficient:
		return models.VolatilityReading{}, fmt.Errorf("%w: instrument %s needs %d bars",
			errs.ErrInsufficientData, instrument, period+1)
	case sawStale:
		return models.VolatilityReading{}, fmt.Errorf("%w: instrument %s has no bars within %s",
			errs.ErrStaleSource, instrument, cfg.FreshnessBound)
	default:
		if lastErr != nil {
			return models.VolatilityReading{}, fmt.Errorf("%w: instrument %s: %v",
				errs.ErrAllSourcesUnavailable, instrument, lastErr)
		}
		return models.VolatilityReading{}, fmt.Errorf("%w: instrument %s",
			errs.ErrAllSourcesUnavailable, instrument)
	}
}

// computeFromBars derives the smoothed value and quality score. Bars arrive
// oldest first with at least two entries.
func (e *Engine) computeFromBars(bars []models.PriceBar, instrument string, period int, method models.VolMethod, cfg config.VolatilityConfig) models.VolatilityReading {
	trs := trueRanges(bars)

	var value float64
	switch method {
	case models.MethodSimple:
		value = simpleAverage(trs, period)
	case models.MethodExponential:
		value = exponential(trs, period)
	case models.MethodWilder:
		value = e.wilderSmoothed(trs, bars, instrument, period)
	}

	score, stats := qualityScore(bars, trs, period+1, cfg.OutlierMultiple)
	if stats.outliers > 0 || stats.gaps > 0 {
		e.logger.Debug("Quality penalties applied",
			zap.String("instrument", instrument),
			zap.Int("gaps", stats.gaps),
			zap.Int("volume_gaps", stats.volumeGaps),
			zap.Int("outliers", stats.outliers),
			zap.Float64("score", score))
	}

	return models.VolatilityReading{
		Instrument:      instrument,
		Value:           value,
		Method:          method,
		Period:          period,
		ConfidenceScore: score,
		ComputedAt:      time.Now().UTC(),
	}
}

// trueRanges returns one true range per bar after the first:
// max(high-low, |high-prevClose|, |low-prevClose|).
func trueRanges(bars []models.PriceBar) []float64 {
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high := bars[i].High.InexactFloat64()
		low := bars[i].Low.InexactFloat64()
		prevClose := bars[i-1].Close.InexactFloat64()

		tr := high - low
		if d := math.Abs(high - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - prevClose); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}
	return trs
}

// simpleAverage is the plain moving average over the most recent period ranges
func simpleAverage(trs []float64, period int) float64 {
	n := len(trs)
	if period < n {
		trs = trs[n-period:]
	}
	var sum float64
	for _, tr := range trs {
		sum += tr
	}
	return sum / float64(len(trs))
}

// exponential smooths with k = 2/(period+1), seeded from the oldest range
func exponential(trs []float64, period int) float64 {
	k := 2.0 / (float64(period) + 1.0)
	ema := trs[0]
	for _, tr := range trs[1:] {
		ema = tr*k + ema*(1.0-k)
	}
	return ema
}

// wilderSmoothed applies newATR = (prevATR*(period-1) + trueRange) / period.
// When the carried state lines up with the penultimate bar only the newest
// range is folded in; otherwise the window is recomputed from scratch.
func (e *Engine) wilderSmoothed(trs []float64, bars []models.PriceBar, instrument string, period int) float64 {
	key := instrument + "|" + strconv.Itoa(period)
	lastBar := bars[len(bars)-1].Timestamp
	prevBar := bars[len(bars)-2].Timestamp

	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.wilder[key]; ok {
		if st.lastBar.Equal(lastBar) {
			return st.atr
		}
		if st.lastBar.Equal(prevBar) {
			atr := (st.atr*float64(period-1) + trs[len(trs)-1]) / float64(period)
			e.wilder[key] = wilderState{atr: atr, lastBar: lastBar}
			return atr
		}
	}

	atr := wilderFromScratch(trs, period)
	e.wilder[key] = wilderState{atr: atr, lastBar: lastBar}
	return atr
}

// wilderFromScratch seeds with the mean of the first period ranges, then
// applies the recursion over the remainder.
func wilderFromScratch(trs []float64, period int) float64 {
	seedLen := period
	if seedLen > len(trs) {
		seedLen = len(trs)
	}

	var sum float64
	for _, tr := range trs[:seedLen] {
		sum += tr
	}
	atr := sum / float64(seedLen)

	for _, tr := range trs[seedLen:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
