// Package position holds live per-position risk state. The tracker owns
// every Position exclusively; all mutation goes through its operations and
// is serialized per position.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// OpenRequest carries the validated inputs for opening a position
type OpenRequest struct {
	Instrument  string          `validate:"required"`
	AccountRef  string          `validate:"required"`
	Strategy    string          `validate:"required,oneof=short_premium long_premium"`
	EntryPrice  decimal.Decimal `validate:"required"`
	Quantity    decimal.Decimal `validate:"required"`
	Strike      decimal.Decimal `validate:"required"`
	Expiry      time.Time       `validate:"required"`
	OptionDelta float64         `validate:"gte=-1,lte=1"`
}

// entry wraps one position with its writer lock and breach episode state
type entry struct {
	mu       sync.Mutex
	pos      models.Position
	closedAt time.Time

	// boundaries already recorded in the current breach episode; cleared
	// when the multiple falls below the lowest boundary
	recorded map[float64]bool
}

// Tracker is the single owner of live position state
type Tracker struct {
	logger   *zap.Logger
	validate *validator.Validate

	mu        sync.RWMutex
	positions map[uuid.UUID]*entry
	frozen    map[string]time.Time // instruments with new entries frozen
}

// NewTracker creates an empty tracker
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:    logger.Named("position"),
		validate:  validator.New(),
		positions: make(map[uuid.UUID]*entry),
		frozen:    make(map[string]time.Time),
	}
}

// Open registers a new position under monitoring at level Normal
func (t *Tracker) Open(req OpenRequest) (models.Position, error) {
	if err := t.validate.Struct(req); err != nil {
		return models.Position{}, errs.Validation.Explain("invalid open request: %v", err)
	}
	if !req.EntryPrice.IsPositive() {
		return models.Position{}, errs.Validation.Explain("entry price must be positive, got %s", req.EntryPrice)
	}
	if !req.Quantity.IsPositive() {
		return models.Position{}, errs.Validation.Explain("quantity must be positive, got %s", req.Quantity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.frozen[req.Instrument]; ok {
		return models.Position{}, errs.Validation.Explain("new entries frozen for instrument %s", req.Instrument)
	}

	now := time.Now().UTC()
	pos := models.Position{
		ID:           uuid.New(),
		Instrument:   req.Instrument,
		AccountRef:   req.AccountRef,
		Strategy:     req.Strategy,
		EntryPrice:   req.EntryPrice,
		CurrentPrice: req.EntryPrice,
		Quantity:     req.Quantity,
		Strike:       req.Strike,
		Expiry:       req.Expiry,
		OptionDelta:  req.OptionDelta,
		OpenedAt:     now,
		LastPriceAt:  now,
		State:        models.StateMonitored,
	}
	t.positions[pos.ID] = &entry{pos: pos, recorded: make(map[float64]bool)}

	metrics.PositionsByLevel.WithLabelValues(models.LevelNormal.String()).Inc()
	t.logger.Info("Position opened",
		zap.String("position_id", pos.ID.String()),
		zap.String("instrument", pos.Instrument),
		zap.String("strategy", pos.Strategy))
	return pos, nil
}

func (t *Tracker) entryFor(id uuid.UUID) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.positions[id]
	if !ok {
		return nil, errs.Validation.Explain("unknown position %s", id)
	}
	return e, nil
}

// UpdatePrice sets the current price and recomputes the unrealized loss
// fraction with the strategy's sign convention.
func (t *Tracker) UpdatePrice(id uuid.UUID, price decimal.Decimal, ts time.Time) (models.Position, error) {
	if !price.IsPositive() {
		return models.Position{}, errs.Validation.Explain("price must be positive, got %s", price)
	}
	if ts.IsZero() {
		return models.Position{}, errs.Validation.Explain("timestamp is required")
	}

	e, err := t.entryFor(id)
	if err != nil {
		return models.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == models.StateClosed {
		return models.Position{}, errs.Validation.Explain("position %s is closed", id)
	}

	e.pos.CurrentPrice = price
	e.pos.LastPriceAt = ts.UTC()
	e.pos.LossFraction = lossFraction(e.pos)
	return e.pos, nil
}

// UpdateDelta sets the live option delta from the feed's greeks
func (t *Tracker) UpdateDelta(id uuid.UUID, delta float64) error {
	if delta < -1 || delta > 1 {
		return errs.Validation.Explain("delta must be within [-1,1], got %f", delta)
	}

	e, err := t.entryFor(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.State == models.StateClosed {
		return errs.Validation.Explain("position %s is closed", id)
	}
	e.pos.OptionDelta = delta
	return nil
}

// lossFraction applies the per-strategy sign convention. Short premium
// loses as price falls below entry, long premium as it rises above.
func lossFraction(pos models.Position) float64 {
	if pos.EntryPrice.IsZero() {
		return 0
	}
	moved := pos.EntryPrice.Sub(pos.CurrentPrice)
	if pos.Strategy == models.StrategyLongPremium {
		moved = moved.Neg()
	}
	return moved.Div(pos.EntryPrice).InexactFloat64()
}

// ComputeBreach derives the breach multiple against the volatility reading
// and emits a BreachEvent the first time a boundary is crossed within the
// current episode. Re-crossing an already recorded boundary emits nothing;
// falling below the lowest boundary ends the episode.
func (t *Tracker) ComputeBreach(id uuid.UUID, vol models.VolatilityReading, boundaries []float64) (*models.BreachEvent, error) {
	if vol.Value <= 0 {
		return nil, fmt.Errorf("%w: volatility reading for %s is %f",
			errs.ErrInsufficientData, vol.Instrument, vol.Value)
	}
	if len(boundaries) == 0 {
		return nil, errs.Validation.Explain("no escalation boundaries configured")
	}

	e, err := t.entryFor(id)
	if err != nil {
		return nil, err
	}

	sorted := make([]float64, len(boundaries))
	copy(sorted, boundaries)
	sort.Float64s(sorted)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == models.StateClosed {
		return nil, errs.Validation.Explain("position %s is closed", id)
	}

	multiple := e.pos.CurrentPrice.Sub(e.pos.EntryPrice).Abs().InexactFloat64() / vol.Value

	if multiple < sorted[0] {
		if len(e.recorded) > 0 {
			e.recorded = make(map[float64]bool)
			t.logger.Debug("Breach episode cleared",
				zap.String("position_id", id.String()),
				zap.Float64("multiple", multiple))
		}
		return nil, nil
	}

	var crossed float64
	var fresh bool
	for _, b := range sorted {
		if multiple < b {
			break
		}
		if !e.recorded[b] {
			e.recorded[b] = true
			crossed = b
			fresh = true
		}
	}
	if !fresh {
		return nil, nil
	}

	event := &models.BreachEvent{
		ID:                   uuid.New(),
		PositionID:           id,
		Instrument:           e.pos.Instrument,
		MultipleOfVolatility: multiple,
		LossFraction:         e.pos.LossFraction,
		Boundary:             crossed,
		ObservedAt:           time.Now().UTC(),
	}

	metrics.BreachEvents.WithLabelValues(fmt.Sprintf("%.1fx", crossed)).Inc()
	t.logger.Warn("Breach boundary crossed",
		zap.String("position_id", id.String()),
		zap.String("instrument", event.Instrument),
		zap.Float64("multiple", multiple),
		zap.Float64("boundary", crossed),
		zap.Float64("loss_fraction", event.LossFraction))
	return event, nil
}

// BreachMultiple returns the current multiple without episode side effects
func (t *Tracker) BreachMultiple(id uuid.UUID, vol models.VolatilityReading) (float64, error) {
	if vol.Value <= 0 {
		return 0, fmt.Errorf("%w: volatility reading for %s is %f",
			errs.ErrInsufficientData, vol.Instrument, vol.Value)
	}
	e, err := t.entryFor(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.CurrentPrice.Sub(e.pos.EntryPrice).Abs().InexactFloat64() / vol.Value, nil
}

// Get returns a copy of the position
func (t *Tracker) Get(id uuid.UUID) (models.Position, error) {
	e, err := t.entryFor(id)
	if err != nil {
		return models.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, nil
}

// SetLevel records a level transition decided by the escalation machine
func (t *Tracker) SetLevel(id uuid.UUID, level models.EscalationLevel, state models.PositionState) error {
	e, err := t.entryFor(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == models.StateClosed {
		return errs.Validation.Explain("position %s is closed", id)
	}

	metrics.PositionsByLevel.WithLabelValues(e.pos.EscalationLevel.String()).Dec()
	metrics.PositionsByLevel.WithLabelValues(level.String()).Inc()
	e.pos.EscalationLevel = level
	e.pos.State = state
	return nil
}

// Close marks the position closed. Callers cancel scheduled work for it.
func (t *Tracker) Close(id uuid.UUID) (models.Position, error) {
	e, err := t.entryFor(id)
	if err != nil {
		return models.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == models.StateClosed {
		return e.pos, nil
	}

	metrics.PositionsByLevel.WithLabelValues(e.pos.EscalationLevel.String()).Dec()
	e.pos.State = models.StateClosed
	e.closedAt = time.Now().UTC()
	t.logger.Info("Position closed",
		zap.String("position_id", id.String()),
		zap.String("instrument", e.pos.Instrument),
		zap.String("level", e.pos.EscalationLevel.String()))
	return e.pos, nil
}

// Reap evicts positions closed for longer than the retention window. The
// window keeps the final snapshot readable for late ops reads and keeps
// Close idempotent; after it the entry is gone for good.
func (t *Tracker) Reap(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for id, e := range t.positions {
		e.mu.Lock()
		dead := e.pos.State == models.StateClosed && e.closedAt.Before(cutoff)
		e.mu.Unlock()
		if dead {
			delete(t.positions, id)
			n++
		}
	}
	if n > 0 {
		t.logger.Debug("Evicted closed positions", zap.Int("count", n))
	}
	return n
}

// SuspendAll forces every open position into the suspended sub-state.
// Called when a halt breaker trips; overrides escalation levels.
func (t *Tracker) SuspendAll() int {
	return t.setSuspended(true)
}

// ResumeAll lifts the suspended sub-state after a halt clears
func (t *Tracker) ResumeAll() int {
	return t.setSuspended(false)
}

func (t *Tracker) setSuspended(suspended bool) int {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.positions))
	for _, e := range t.positions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var n int
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State != models.StateClosed && e.pos.Suspended != suspended {
			e.pos.Suspended = suspended
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// FreezeEntries blocks new positions on the instrument
func (t *Tracker) FreezeEntries(instrument string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frozen[instrument]; !ok {
		t.frozen[instrument] = time.Now().UTC()
	}
}

// UnfreezeEntries lifts an entry freeze
func (t *Tracker) UnfreezeEntries(instrument string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.frozen, instrument)
}

// OpenPositions returns copies of every non-closed position
func (t *Tracker) OpenPositions() []models.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.positions))
	for _, e := range t.positions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]models.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State != models.StateClosed {
			out = append(out, e.pos)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Snapshot takes a consistent portfolio view for cross-position readers.
// Notionals are entry-weighted so the aggregate respects position size.
func (t *Tracker) Snapshot() models.PortfolioSnapshot {
	positions := t.OpenPositions()

	snap := models.PortfolioSnapshot{
		Positions:    positions,
		TotalEntry:   decimal.Zero,
		TotalCurrent: decimal.Zero,
		TakenAt:      time.Now().UTC(),
	}

	var weightedLoss decimal.Decimal
	for _, pos := range positions {
		entryNotional := pos.EntryPrice.Mul(pos.Quantity)
		snap.TotalEntry = snap.TotalEntry.Add(entryNotional)
		snap.TotalCurrent = snap.TotalCurrent.Add(pos.CurrentPrice.Mul(pos.Quantity))
		weightedLoss = weightedLoss.Add(entryNotional.Mul(decimal.NewFromFloat(pos.LossFraction)))

		if pos.LossFraction > snap.WorstLoss {
			snap.WorstLoss = pos.LossFraction
		}
	}
	if snap.TotalEntry.IsPositive() {
		snap.LossFraction = weightedLoss.Div(snap.TotalEntry).InexactFloat64()
	}
	return snap
}
