package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	// maxBarHistory caps the per-instrument bar ring
	maxBarHistory = 512

	// mirrorPublishTimeout bounds one asynchronous mirror write
	mirrorPublishTimeout = 250 * time.Millisecond
)

// BarMirror receives an instrument's closed-bar window so sibling replicas
// can serve it as a fallback source when their own feed is broken.
type BarMirror interface {
	Publish(ctx context.Context, instrument string, bars []models.PriceBar) error
}

// BarBuilder aggregates ticks into fixed-interval OHLCV bars and serves them
// as the primary BarSource. Duplicate, out-of-order and missing ticks are
// absorbed into the quality accounting.
type BarBuilder struct {
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	instruments map[string]*instrumentBars
	mirror      BarMirror
}

type instrumentBars struct {
	bars    []models.PriceBar
	current *models.PriceBar

	lastTickTS time.Time
	lastSeen   time.Time

	gaps       int64
	duplicates int64
	outOfOrder int64
	tickCount  int64
	windowFrom time.Time
}

// NewBarBuilder creates a builder producing bars of the given interval
func NewBarBuilder(interval time.Duration, logger *zap.Logger) *BarBuilder {
	return &BarBuilder{
		interval:    interval,
		logger:      logger.Named("bars"),
		instruments: make(map[string]*instrumentBars),
	}
}

// Ingest folds one tick into the bar under construction. Never returns an
// error: anomalies increment quality counters instead.
func (b *BarBuilder) Ingest(tick models.PriceTick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ib, ok := b.instruments[tick.Instrument]
	if !ok {
		ib = &instrumentBars{windowFrom: time.Now()}
		b.instruments[tick.Instrument] = ib
	}

	ib.lastSeen = time.Now()
	ib.tickCount++

	if !ib.lastTickTS.IsZero() {
		if tick.Timestamp.Equal(ib.lastTickTS) {
			ib.duplicates++
			metrics.FeedGaps.WithLabelValues("duplicate").Inc()
			return
		}
		if tick.Timestamp.Before(ib.lastTickTS) {
			ib.outOfOrder++
			metrics.FeedGaps.WithLabelValues("out_of_order").Inc()
			return
		}
	}
	ib.lastTickTS = tick.Timestamp

	bucket := tick.Timestamp.Truncate(b.interval)

	if ib.current == nil {
		ib.current = b.newBar(tick, bucket)
		return
	}

	if bucket.Equal(ib.current.Timestamp) {
		bar := ib.current
		if tick.Last.GreaterThan(bar.High) {
			bar.High = tick.Last
		}
		if tick.Last.LessThan(bar.Low) {
			bar.Low = tick.Last
		}
		bar.Close = tick.Last
		bar.Volume = bar.Volume.Add(tick.Volume)
		return
	}

	// New bucket: close out the bar under construction.
	missed := int(bucket.Sub(ib.current.Timestamp)/b.interval) - 1
	if missed > 0 {
		ib.gaps += int64(missed)
		metrics.FeedGaps.WithLabelValues("gap").Add(float64(missed))
		b.logger.Debug("Bar gap detected",
			zap.String("instrument", tick.Instrument),
			zap.Int("missed_intervals", missed))
	}

	ib.bars = append(ib.bars, *ib.current)
	if len(ib.bars) > maxBarHistory {
		ib.bars = ib.bars[len(ib.bars)-maxBarHistory:]
	}
	if b.mirror != nil {
		window := make([]models.PriceBar, len(ib.bars))
		copy(window, ib.bars)
		go b.mirrorBars(b.mirror, tick.Instrument, window)
	}
	ib.current = b.newBar(tick, bucket)
}

// SetMirror attaches the mirror closed bars are published to
func (b *BarBuilder) SetMirror(m BarMirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// mirrorBars pushes one closed-bar window to the mirror off the tick path
func (b *BarBuilder) mirrorBars(m BarMirror, instrument string, bars []models.PriceBar) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
	defer cancel()

	if err := m.Publish(ctx, instrument, bars); err != nil {
		b.logger.Debug("Failed to mirror closed bars",
			zap.String("instrument", instrument),
			zap.Error(err))
	}
}

func (b *BarBuilder) newBar(tick models.PriceTick, bucket time.Time) *models.PriceBar {
	return &models.PriceBar{
		Instrument: tick.Instrument,
		Timestamp:  bucket,
		Open:       tick.Last,
		High:       tick.Last,
		Low:        tick.Last,
		Close:      tick.Last,
		Volume:     tick.Volume,
		Source:     b.GetName(),
	}
}

// GetBars returns up to limit most recent closed bars, oldest first
func (b *BarBuilder) GetBars(_ context.Context, instrument string, limit int) ([]models.PriceBar, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ib, ok := b.instruments[instrument]
	if !ok || len(ib.bars) == 0 {
		return nil, fmt.Errorf("no bars for instrument %s", instrument)
	}

	n := len(ib.bars)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]models.PriceBar, n)
	copy(out, ib.bars[len(ib.bars)-n:])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (b *BarBuilder) GetName() string { return "feed" }

func (b *BarBuilder) GetPriority() int { return 1 }

// IsHealthy reports whether any instrument produced a tick recently
func (b *BarBuilder) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	staleAfter := 5 * b.interval
	for _, ib := range b.instruments {
		if time.Since(ib.lastSeen) < staleAfter {
			return true
		}
	}
	return false
}

// Quality returns the feed quality accounting for an instrument
func (b *BarBuilder) Quality(instrument string) FeedQuality {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q := FeedQuality{Instrument: instrument, Source: b.GetName()}

	ib, ok := b.instruments[instrument]
	if !ok {
		return q
	}

	q.GapCount = ib.gaps
	q.DuplicateCount = ib.duplicates
	q.OutOfOrder = ib.outOfOrder
	q.LastTick = ib.lastTickTS
	q.DataFreshness = time.Since(ib.lastSeen)
	q.IsHealthy = time.Since(ib.lastSeen) < 5*b.interval

	if elapsed := time.Since(ib.windowFrom).Seconds(); elapsed > 0 {
		q.UpdateRate = float64(ib.tickCount) / elapsed
	}

	return q
}

// Instruments lists instruments with bar history
func (b *BarBuilder) Instruments() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.instruments))
	for name := range b.instruments {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
