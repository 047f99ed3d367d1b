package engine

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	baselineAlpha  = 0.02 // slow EMA for baselines
	returnWindow   = 32   // cycle returns kept per instrument
	minCorrSamples = 8    // samples needed before correlation is trusted
)

// ewma is a simple exponential average
type ewma struct {
	value float64
	ready bool
}

func (e *ewma) update(v, alpha float64) {
	if !e.ready {
		e.value = v
		e.ready = true
		return
	}
	e.value = alpha*v + (1-alpha)*e.value
}

// ring keeps the most recent fixed-size window of samples
type ring struct {
	buf   [returnWindow]float64
	idx   int
	count int
}

func (r *ring) push(v float64) {
	r.buf[r.idx] = v
	r.idx = (r.idx + 1) % returnWindow
	if r.count < returnWindow {
		r.count++
	}
}

// window returns the last n samples oldest first
func (r *ring) window(n int) []float64 {
	if n > r.count {
		n = r.count
	}
	out := make([]float64, 0, n)
	start := (r.idx - n + returnWindow*2) % returnWindow
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%returnWindow])
	}
	return out
}

// instrumentStats aggregates per-instrument feed observations
type instrumentStats struct {
	spreadEMA  ewma
	lastSpread float64
	volumeEMA  ewma
	lastVolume float64
	volEMA     ewma
	lastVol    float64
	lastPrice  float64
	returns    ring
}

// metricSource derives the system-wide breaker metrics from tick, reading
// and evaluation observations. Portfolio and single-position loss come from
// tracker snapshots and are not computed here.
type metricSource struct {
	mu          sync.Mutex
	instruments map[string]*instrumentStats

	corrBaseline ewma

	evals  atomic.Uint64
	errors atomic.Uint64
}

func newMetricSource() *metricSource {
	return &metricSource{instruments: make(map[string]*instrumentStats)}
}

func (m *metricSource) stats(instrument string) *instrumentStats {
	st, ok := m.instruments[instrument]
	if !ok {
		st = &instrumentStats{}
		m.instruments[instrument] = st
	}
	return st
}

// observeTick folds one feed tick into the spread and volume baselines
func (m *metricSource) observeTick(tick models.PriceTick) {
	mid := tick.Bid.Add(tick.Ask).InexactFloat64() / 2
	if mid <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats(tick.Instrument)

	if spread := tick.Ask.Sub(tick.Bid).InexactFloat64(); spread >= 0 {
		rel := spread / mid
		st.lastSpread = rel
		st.spreadEMA.update(rel, baselineAlpha)
	}
	if vol := tick.Volume.InexactFloat64(); vol > 0 {
		st.lastVolume = vol
		st.volumeEMA.update(vol, baselineAlpha)
	}
}

// observeReading folds a volatility reading into the spike baseline
func (m *metricSource) observeReading(reading models.VolatilityReading) {
	if reading.Value <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats(reading.Instrument)
	st.lastVol = reading.Value
	st.volEMA.update(reading.Value, baselineAlpha)
}

// recordEvaluation counts one evaluation toward the error-rate window
func (m *metricSource) recordEvaluation(failed bool) {
	m.evals.Add(1)
	if failed {
		m.errors.Add(1)
	}
}

// cycleValues is one observe cycle's worth of derived breaker metrics
type cycleValues struct {
	volatilitySpike  float64
	volumeAnomaly    float64
	errorRate        float64
	liquidityDrop    float64
	correlationShift float64
}

// cycle computes the derived metrics and resets the error-rate window.
// Instruments still warming up contribute nothing rather than noise.
func (m *metricSource) cycle() cycleValues {
	evals := m.evals.Swap(0)
	errors := m.errors.Swap(0)

	var v cycleValues
	if evals > 0 {
		v.errorRate = float64(errors) / float64(evals)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.instruments {
		if st.volEMA.ready && st.volEMA.value > 0 && st.lastVol > 0 {
			if ratio := st.lastVol / st.volEMA.value; ratio > v.volatilitySpike {
				v.volatilitySpike = ratio
			}
		}
		if st.volumeEMA.ready && st.volumeEMA.value > 0 && st.lastVolume > 0 {
			if ratio := st.lastVolume / st.volumeEMA.value; ratio > v.volumeAnomaly {
				v.volumeAnomaly = ratio
			}
		}
		if st.spreadEMA.ready && st.lastSpread > st.spreadEMA.value && st.lastSpread > 0 {
			// Spread widening proxies depth loss: a doubled spread reads
			// as half the book gone.
			if drop := 1 - st.spreadEMA.value/st.lastSpread; drop > v.liquidityDrop {
				v.liquidityDrop = drop
			}
		}
	}

	v.correlationShift = m.correlationShift()
	return v
}

// samplePrice records the per-cycle traded price used for cycle returns
func (m *metricSource) samplePrice(instrument string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats(instrument)
	if st.lastPrice > 0 {
		st.returns.push(math.Log(price / st.lastPrice))
	}
	st.lastPrice = price
}

// correlationShift compares the current average pairwise return correlation
// against its slow baseline. Callers hold m.mu.
func (m *metricSource) correlationShift() float64 {
	series := make([][]float64, 0, len(m.instruments))
	n := returnWindow
	for _, st := range m.instruments {
		if st.returns.count < minCorrSamples {
			continue
		}
		if st.returns.count < n {
			n = st.returns.count
		}
		series = append(series, nil)
	}
	if len(series) < 2 {
		return 0
	}

	series = series[:0]
	for _, st := range m.instruments {
		if st.returns.count < minCorrSamples {
			continue
		}
		series = append(series, st.returns.window(n))
	}

	var sum float64
	var pairs int
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			if c, ok := pearson(series[i], series[j]); ok {
				sum += c
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}

	corr := sum / float64(pairs)
	shift := 0.0
	if m.corrBaseline.ready {
		shift = math.Abs(corr - m.corrBaseline.value)
	}
	m.corrBaseline.update(corr, baselineAlpha)
	return shift
}

// pearson computes the correlation of two equal-length samples
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0, false
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}
