package volatility

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/marketdata"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const testInstrument = "SPX-20261218-P4800"

// stubSource is a scriptable BarSource for driving the engine
type stubSource struct {
	name     string
	priority int
	healthy  bool
	bars     []models.PriceBar
	err      error
	calls    int
}

var _ marketdata.BarSource = (*stubSource)(nil)

func (s *stubSource) GetBars(_ context.Context, _ string, limit int) ([]models.PriceBar, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	bars := s.bars
	if limit > 0 && limit < len(bars) {
		bars = bars[len(bars)-limit:]
	}
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *stubSource) GetName() string  { return s.name }
func (s *stubSource) GetPriority() int { return s.priority }
func (s *stubSource) IsHealthy() bool  { return s.healthy }

func testVolCfg() config.VolatilityConfig {
	return config.VolatilityConfig{
		DefaultPeriod:   3,
		DefaultMethod:   "wilder",
		CacheTTL:        time.Minute,
		FreshnessBound:  time.Hour,
		OutlierMultiple: 10,
		ConfidenceDecay: 0.8,
	}
}

func newTestEngine(t *testing.T, cfg config.VolatilityConfig, sources ...marketdata.BarSource) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewEngine(cfg, sources, NewCache(cfg.CacheTTL, nil, logger), logger)
}

func bar(ts time.Time, open, high, low, close float64) models.PriceBar {
	return models.PriceBar{
		Instrument: testInstrument,
		Timestamp:  ts,
		Open:       decimal.NewFromFloat(open),
		High:       decimal.NewFromFloat(high),
		Low:        decimal.NewFromFloat(low),
		Close:      decimal.NewFromFloat(close),
		Volume:     decimal.NewFromInt(1000),
		Source:     "test",
	}
}

// fixtureBars yields five one-minute bars ending now. With period 3 the
// engine requests the most recent four, whose true ranges are 4, 2, 4.
func fixtureBars() []models.PriceBar {
	base := time.Now().UTC().Add(-4 * time.Minute)
	return []models.PriceBar{
		bar(base, 100, 101, 99, 100),
		bar(base.Add(1*time.Minute), 100, 103, 100, 101),
		bar(base.Add(2*time.Minute), 101, 102, 98, 99),
		bar(base.Add(3*time.Minute), 99, 100, 98, 100),
		bar(base.Add(4*time.Minute), 100, 104, 100, 103),
	}
}

func TestCompute_SmoothingMethods(t *testing.T) {
	cases := []struct {
		method   models.VolMethod
		expected float64
	}{
		{models.MethodSimple, 10.0 / 3.0},
		{models.MethodExponential, 3.5},
		{models.MethodWilder, 10.0 / 3.0},
	}

	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, testVolCfg(), src)

	for _, tc := range cases {
		t.Run(string(tc.method), func(t *testing.T) {
			reading, err := eng.Compute(context.Background(), testInstrument, 3, tc.method)
			require.NoError(t, err)
			assert.InDelta(t, tc.expected, reading.Value, 1e-9)
			assert.Equal(t, tc.method, reading.Method)
			assert.Equal(t, 3, reading.Period)
			assert.InDelta(t, 1.0, reading.ConfidenceScore, 1e-9)
			assert.False(t, reading.Degraded)
		})
	}
}

func TestComputeDefault_UsesConfiguredMethod(t *testing.T) {
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, testVolCfg(), src)

	reading, err := eng.ComputeDefault(context.Background(), testInstrument)
	require.NoError(t, err)
	assert.Equal(t, models.MethodWilder, reading.Method)
	assert.InDelta(t, 10.0/3.0, reading.Value, 1e-9)
}

func TestCompute_Validation(t *testing.T) {
	eng := newTestEngine(t, testVolCfg())

	cases := []struct {
		name       string
		instrument string
		period     int
		method     models.VolMethod
	}{
		{"empty instrument", "", 3, models.MethodWilder},
		{"period too small", testInstrument, 1, models.MethodWilder},
		{"unknown method", testInstrument, 3, models.VolMethod("parkinson")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Compute(context.Background(), tc.instrument, tc.period, tc.method)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestCompute_CacheHitSkipsSources(t *testing.T) {
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, testVolCfg(), src)

	first, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)
	second, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)
}

func TestInvalidate_DropsCachedDefaultReading(t *testing.T) {
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, testVolCfg(), src)

	_, err := eng.ComputeDefault(context.Background(), testInstrument)
	require.NoError(t, err)
	_, err = eng.ComputeDefault(context.Background(), testInstrument)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	require.NoError(t, eng.Invalidate(context.Background(), testInstrument))

	_, err = eng.ComputeDefault(context.Background(), testInstrument)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "invalidation forces a fresh compute")

	err = eng.Invalidate(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCompute_SourcePriorityOrder(t *testing.T) {
	// The secondary serves different bars; the primary must win even when
	// handed to the constructor last.
	primary := &stubSource{name: "primary", priority: 1, healthy: true, bars: fixtureBars()}

	base := time.Now().UTC().Add(-4 * time.Minute)
	wide := []models.PriceBar{
		bar(base, 100, 110, 90, 100),
		bar(base.Add(1*time.Minute), 100, 110, 90, 100),
		bar(base.Add(2*time.Minute), 100, 110, 90, 100),
		bar(base.Add(3*time.Minute), 100, 110, 90, 100),
	}
	secondary := &stubSource{name: "secondary", priority: 2, healthy: true, bars: wide}

	eng := newTestEngine(t, testVolCfg(), secondary, primary)

	reading, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)
	assert.InDelta(t, 10.0/3.0, reading.Value, 1e-9)
	assert.Zero(t, secondary.calls)
}

func TestCompute_FallsBackToSecondarySource(t *testing.T) {
	primary := &stubSource{name: "primary", priority: 1, healthy: false}
	secondary := &stubSource{name: "secondary", priority: 2, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, testVolCfg(), primary, secondary)

	reading, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)
	assert.InDelta(t, 10.0/3.0, reading.Value, 1e-9)
	assert.Zero(t, primary.calls, "unhealthy sources are skipped without a call")
}

func TestCompute_ErrorClassification(t *testing.T) {
	base := time.Now().UTC()

	t.Run("insufficient history", func(t *testing.T) {
		src := &stubSource{name: "test", priority: 1, healthy: true,
			bars: []models.PriceBar{bar(base, 100, 101, 99, 100)}}
		eng := newTestEngine(t, testVolCfg(), src)

		_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrInsufficientData))
		assert.Equal(t, errs.KindData, errs.KindOf(err))
	})

	t.Run("stale source", func(t *testing.T) {
		old := base.Add(-3 * time.Hour)
		stale := []models.PriceBar{
			bar(old, 100, 101, 99, 100),
			bar(old.Add(time.Minute), 100, 102, 99, 101),
			bar(old.Add(2*time.Minute), 101, 103, 100, 102),
			bar(old.Add(3*time.Minute), 102, 104, 101, 103),
		}
		src := &stubSource{name: "test", priority: 1, healthy: true, bars: stale}
		eng := newTestEngine(t, testVolCfg(), src)

		_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrStaleSource))
	})

	t.Run("insufficient outranks stale", func(t *testing.T) {
		old := base.Add(-3 * time.Hour)
		short := &stubSource{name: "short", priority: 1, healthy: true,
			bars: []models.PriceBar{bar(base, 100, 101, 99, 100)}}
		stale := &stubSource{name: "stale", priority: 2, healthy: true,
			bars: []models.PriceBar{bar(old, 100, 101, 99, 100), bar(old.Add(time.Minute), 100, 102, 99, 101)}}
		eng := newTestEngine(t, testVolCfg(), short, stale)

		_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrInsufficientData))
	})

	t.Run("all sources failing", func(t *testing.T) {
		src := &stubSource{name: "test", priority: 1, healthy: true, err: fmt.Errorf("connection refused")}
		eng := newTestEngine(t, testVolCfg(), src)

		_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrAllSourcesUnavailable))
	})

	t.Run("no healthy source", func(t *testing.T) {
		src := &stubSource{name: "test", priority: 1, healthy: false}
		eng := newTestEngine(t, testVolCfg(), src)

		_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrAllSourcesUnavailable))
	})
}

func TestCompute_DegradedFallbackDecaysConfidence(t *testing.T) {
	cfg := testVolCfg()
	cfg.CacheTTL = time.Nanosecond // force a fresh computation every call
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	eng := newTestEngine(t, cfg, src)

	healthy, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)
	require.InDelta(t, 1.0, healthy.ConfidenceScore, 1e-9)

	src.err = fmt.Errorf("connection refused")

	degraded, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err, "last known reading is served, not an error")
	assert.True(t, degraded.Degraded)
	assert.InDelta(t, healthy.Value, degraded.Value, 1e-9)
	assert.InDelta(t, 0.8, degraded.ConfidenceScore, 1e-9)

	again, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodSimple)
	require.NoError(t, err)
	assert.InDelta(t, 0.64, again.ConfidenceScore, 1e-9)
}

func TestCompute_DegradedWithoutPriorFails(t *testing.T) {
	src := &stubSource{name: "test", priority: 1, healthy: true, err: fmt.Errorf("connection refused")}
	eng := newTestEngine(t, testVolCfg(), src)

	_, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrAllSourcesUnavailable))
}

func TestCompute_WilderIncrementalStep(t *testing.T) {
	cfg := testVolCfg()
	cfg.CacheTTL = time.Nanosecond
	bars := fixtureBars()
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: bars}
	eng := newTestEngine(t, cfg, src)

	first, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
	require.NoError(t, err)
	require.InDelta(t, 10.0/3.0, first.Value, 1e-9)

	// One new bar with true range 2: newATR = (10/3 * 2 + 2) / 3 = 26/9.
	last := bars[len(bars)-1].Timestamp
	src.bars = append(bars, bar(last.Add(time.Minute), 103, 105, 103, 104))

	second, err := eng.Compute(context.Background(), testInstrument, 3, models.MethodWilder)
	require.NoError(t, err)
	assert.InDelta(t, 26.0/9.0, second.Value, 1e-9)
}

func TestCompute_WilderBoundedByObservedRanges(t *testing.T) {
	// Bars built so each close sits within the next bar's range: the true
	// range equals high minus low, cycling between 1.0 and 5.0. Any weighted
	// average of those ranges must stay inside the band.
	ranges := []float64{1.0, 2.5, 5.0, 3.5, 1.5, 4.0, 2.0, 5.0, 1.0, 3.0}
	base := time.Now().UTC().Add(-time.Duration(len(ranges)) * time.Minute)

	bars := []models.PriceBar{bar(base, 100, 100.5, 99.5, 100)}
	for i, rng := range ranges {
		prevClose := bars[len(bars)-1].Close.InexactFloat64()
		ts := base.Add(time.Duration(i+1) * time.Minute)
		bars = append(bars, bar(ts, prevClose, prevClose+rng/2, prevClose-rng/2, prevClose))
	}

	src := &stubSource{name: "test", priority: 1, healthy: true, bars: bars}
	eng := newTestEngine(t, testVolCfg(), src)

	for _, period := range []int{2, 3, 5, 9} {
		reading, err := eng.Compute(context.Background(), testInstrument, period, models.MethodWilder)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, reading.Value, 1.0, "period %d", period)
		assert.LessOrEqual(t, reading.Value, 5.0, "period %d", period)
	}
}

func TestUpdateConfig_SwapsThresholds(t *testing.T) {
	src := &stubSource{name: "test", priority: 1, healthy: true, bars: fixtureBars()}
	cfg := testVolCfg()
	eng := newTestEngine(t, cfg, src)

	cfg.DefaultMethod = "simple"
	cfg.DefaultPeriod = 2
	eng.UpdateConfig(cfg)

	reading, err := eng.ComputeDefault(context.Background(), testInstrument)
	require.NoError(t, err)
	assert.Equal(t, models.MethodSimple, reading.Method)
	assert.Equal(t, 2, reading.Period)
}
