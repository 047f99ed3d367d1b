// Package escalation maps breach and loss magnitude to one of four severity
// levels per position, driving monitoring cadence and defensive auto-actions.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/position"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// Recorder receives every EscalationRecord before any auto-action runs.
// A crash after recording leaves a recoverable, re-driveable state.
type Recorder interface {
	PublishEscalation(ctx context.Context, rec models.EscalationRecord)
}

// Actions executes the defensive side effects of entering a level
type Actions interface {
	PrepareRollCandidates(ctx context.Context, pos models.Position)
	ExecuteDefensiveRoll(ctx context.Context, pos models.Position)
	AddHedge(ctx context.Context, pos models.Position)
	FreezeEntries(ctx context.Context, instrument string)
	ForceExit(ctx context.Context, pos models.Position)
	EnterSafeMode(ctx context.Context, accountRef string)
}

// HaltCheck exposes the global breaker halt state. The machine consults it
// before executing any auto-action; a halt suppresses actions but never the
// recording of transitions.
type HaltCheck interface {
	Halted() bool
}

// levelSpec is one row of the level lookup table
type levelSpec struct {
	level         models.EscalationLevel
	interval      time.Duration
	enterMultiple float64
}

// Result reports the outcome of one evaluation
type Result struct {
	PositionID   uuid.UUID
	FromLevel    models.EscalationLevel
	ToLevel      models.EscalationLevel
	Records      []models.EscalationRecord
	NextInterval time.Duration
	Suppressed   bool // actions skipped because of a global halt or suspension
}

// Machine is the per-position escalation state machine. Transitions move one
// level at a time per evaluation except the emergency jump to Preservation,
// and only one transition may be in flight per position.
type Machine struct {
	logger  *zap.Logger
	tracker *position.Tracker
	audit   Recorder
	actions Actions
	halt    HaltCheck

	mu  sync.RWMutex
	cfg config.EscalationConfig

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]bool

	belowMu    sync.Mutex
	belowSince map[uuid.UUID]time.Time

	now func() time.Time
}

// NewMachine wires the state machine to its collaborators
func NewMachine(cfg config.EscalationConfig, tracker *position.Tracker, audit Recorder, actions Actions, halt HaltCheck, logger *zap.Logger) *Machine {
	return &Machine{
		logger:     logger.Named("escalation"),
		tracker:    tracker,
		audit:      audit,
		actions:    actions,
		halt:       halt,
		cfg:        cfg,
		inflight:   make(map[uuid.UUID]bool),
		belowSince: make(map[uuid.UUID]time.Time),
		now:        time.Now,
	}
}

// UpdateConfig swaps thresholds on hot reload
func (m *Machine) UpdateConfig(cfg config.EscalationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

func (m *Machine) config() config.EscalationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// table builds the level lookup from the current config
func (m *Machine) table(cfg config.EscalationConfig) [4]levelSpec {
	return [4]levelSpec{
		{models.LevelNormal, cfg.Normal.Interval, cfg.Normal.EnterMultiple},
		{models.LevelEnhanced, cfg.Enhanced.Interval, cfg.Enhanced.EnterMultiple},
		{models.LevelRecovery, cfg.Recovery.Interval, cfg.Recovery.EnterMultiple},
		{models.LevelPreservation, cfg.Preservation.Interval, cfg.Preservation.EnterMultiple},
	}
}

// Interval returns the monitoring cadence for a level
func (m *Machine) Interval(level models.EscalationLevel) time.Duration {
	cfg := m.config()
	table := m.table(cfg)
	if level < models.LevelNormal || level > models.LevelPreservation {
		return cfg.Normal.Interval
	}
	return table[level].interval
}

// Forget drops per-position bookkeeping after a close
func (m *Machine) Forget(id uuid.UUID) {
	m.belowMu.Lock()
	delete(m.belowSince, id)
	m.belowMu.Unlock()
}

// acquire serializes transitions per position. The loser of a race gets an
// EscalationConflict and retries against the new state on its next tick.
func (m *Machine) acquire(id uuid.UUID) error {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if m.inflight[id] {
		return errs.EscalationConflict.Explain("transition already in flight for position %s", id)
	}
	m.inflight[id] = true
	return nil
}

func (m *Machine) release(id uuid.UUID) {
	m.inflightMu.Lock()
	delete(m.inflight, id)
	m.inflightMu.Unlock()
}

// Evaluate runs one evaluation of the position against the breach multiple
// and the volatility reading it was derived from. Escalation steps through
// qualifying levels one at a time within the evaluation; the hard-stop
// condition jumps straight to Preservation. De-escalation drops at most one
// level after the debounce window, and only with confidence above the floor.
func (m *Machine) Evaluate(ctx context.Context, id uuid.UUID, multiple float64, vol models.VolatilityReading) (Result, error) {
	if err := m.acquire(id); err != nil {
		return Result{}, err
	}
	defer m.release(id)

	pos, err := m.tracker.Get(id)
	if err != nil {
		return Result{}, err
	}

	cfg := m.config()
	table := m.table(cfg)

	res := Result{
		PositionID:   id,
		FromLevel:    pos.EscalationLevel,
		ToLevel:      pos.EscalationLevel,
		NextInterval: table[pos.EscalationLevel].interval,
	}

	if pos.State == models.StateClosed {
		return res, nil
	}

	suppressed := m.halt.Halted() || pos.Suspended

	// Emergency jump: the hard stop fires independent of current level.
	if pos.EscalationLevel < models.LevelPreservation && m.hardStop(pos, multiple, cfg) {
		rec := m.transition(ctx, &pos, models.LevelPreservation,
			reasonFor(models.LevelPreservation, pos, multiple, cfg), table, suppressed)
		res.Records = append(res.Records, rec)
		res.ToLevel = pos.EscalationLevel
		res.NextInterval = table[pos.EscalationLevel].interval
		res.Suppressed = suppressed
		m.clearBelow(id)
		return res, nil
	}

	// Stepwise escalation: advance while the next level's entry condition
	// holds, one record per step.
	for pos.EscalationLevel < models.LevelPreservation {
		next := pos.EscalationLevel + 1
		if !m.enters(next, pos, multiple, cfg) {
			break
		}
		rec := m.transition(ctx, &pos, next, reasonFor(next, pos, multiple, cfg), table, suppressed)
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) > 0 {
		res.ToLevel = pos.EscalationLevel
		res.NextInterval = table[pos.EscalationLevel].interval
		res.Suppressed = suppressed
		m.clearBelow(id)
		return res, nil
	}

	// De-escalation path: the multiple must sit below the current level's
	// own entry boundary for the debounce window, and the reading must be
	// trusted. Low confidence never blocks escalation, only clearing.
	if pos.EscalationLevel > models.LevelNormal {
		if m.deescalates(id, pos, multiple, vol, cfg, table) {
			next := pos.EscalationLevel - 1
			rec := m.transition(ctx, &pos, next, clearReason(pos.EscalationLevel, multiple, cfg), table, suppressed)
			res.Records = append(res.Records, rec)
			res.ToLevel = pos.EscalationLevel
			res.NextInterval = table[pos.EscalationLevel].interval
			res.Suppressed = suppressed
		}
	} else {
		m.clearBelow(id)
	}

	return res, nil
}

// ForcePreservation jumps the position to Preservation outside the normal
// entry conditions. Used when a mandatory defensive roll exhausts its
// candidates: the position cannot be repaired, only exited.
func (m *Machine) ForcePreservation(ctx context.Context, id uuid.UUID, reason string) (Result, error) {
	if err := m.acquire(id); err != nil {
		return Result{}, err
	}
	defer m.release(id)

	pos, err := m.tracker.Get(id)
	if err != nil {
		return Result{}, err
	}

	cfg := m.config()
	table := m.table(cfg)

	res := Result{
		PositionID:   id,
		FromLevel:    pos.EscalationLevel,
		ToLevel:      pos.EscalationLevel,
		NextInterval: table[pos.EscalationLevel].interval,
	}
	if pos.State == models.StateClosed || pos.EscalationLevel == models.LevelPreservation {
		return res, nil
	}

	suppressed := m.halt.Halted() || pos.Suspended
	rec := m.transition(ctx, &pos, models.LevelPreservation, reason, table, suppressed)
	res.Records = append(res.Records, rec)
	res.ToLevel = pos.EscalationLevel
	res.NextInterval = table[pos.EscalationLevel].interval
	res.Suppressed = suppressed
	m.clearBelow(id)
	return res, nil
}

// hardStop is the emergency condition for Preservation
func (m *Machine) hardStop(pos models.Position, multiple float64, cfg config.EscalationConfig) bool {
	return multiple >= cfg.Preservation.EnterMultiple || pos.LossFraction >= cfg.HardStopFraction
}

// reasonFor names the condition that admitted the level
func reasonFor(level models.EscalationLevel, pos models.Position, multiple float64, cfg config.EscalationConfig) string {
	switch level {
	case models.LevelEnhanced:
		return fmt.Sprintf("breach multiple %.2f >= %.2f", multiple, cfg.Enhanced.EnterMultiple)
	case models.LevelRecovery:
		if multiple >= cfg.Recovery.EnterMultiple {
			return fmt.Sprintf("breach multiple %.2f >= %.2f", multiple, cfg.Recovery.EnterMultiple)
		}
		return fmt.Sprintf("loss fraction %.4f >= stop %.4f", pos.LossFraction, cfg.StopFraction)
	case models.LevelPreservation:
		if multiple >= cfg.Preservation.EnterMultiple {
			return fmt.Sprintf("breach multiple %.2f >= %.2f", multiple, cfg.Preservation.EnterMultiple)
		}
		return fmt.Sprintf("loss fraction %.4f >= hard stop %.4f", pos.LossFraction, cfg.HardStopFraction)
	default:
		return "baseline"
	}
}

// clearReason names the de-escalation condition
func clearReason(from models.EscalationLevel, multiple float64, cfg config.EscalationConfig) string {
	return fmt.Sprintf("breach multiple %.2f held below %.2f for %s",
		multiple, boundaryOf(from, cfg), cfg.DeescalationDebounce)
}

func boundaryOf(level models.EscalationLevel, cfg config.EscalationConfig) float64 {
	switch level {
	case models.LevelEnhanced:
		return cfg.Enhanced.EnterMultiple
	case models.LevelRecovery:
		return cfg.Recovery.EnterMultiple
	case models.LevelPreservation:
		return cfg.Preservation.EnterMultiple
	default:
		return 0
	}
}

// enters reports whether the entry condition for a level holds
func (m *Machine) enters(level models.EscalationLevel, pos models.Position, multiple float64, cfg config.EscalationConfig) bool {
	switch level {
	case models.LevelEnhanced:
		return multiple >= cfg.Enhanced.EnterMultiple
	case models.LevelRecovery:
		return multiple >= cfg.Recovery.EnterMultiple || pos.LossFraction >= cfg.StopFraction
	case models.LevelPreservation:
		return m.hardStop(pos, multiple, cfg)
	default:
		return false
	}
}

// deescalates gates the step down: debounce on the multiple, then the
// confidence floor.
func (m *Machine) deescalates(id uuid.UUID, pos models.Position, multiple float64, vol models.VolatilityReading, cfg config.EscalationConfig, table [4]levelSpec) bool {
	lower := table[pos.EscalationLevel].enterMultiple
	if multiple >= lower {
		m.clearBelow(id)
		return false
	}

	// Loss-based entries must also have cleared before stepping down.
	if pos.EscalationLevel >= models.LevelRecovery && pos.LossFraction >= cfg.StopFraction {
		m.clearBelow(id)
		return false
	}

	now := m.now()

	m.belowMu.Lock()
	since, ok := m.belowSince[id]
	if !ok {
		m.belowSince[id] = now
		m.belowMu.Unlock()
		return false
	}
	m.belowMu.Unlock()

	if now.Sub(since) < cfg.DeescalationDebounce {
		return false
	}
	if vol.ConfidenceScore < cfg.ConfidenceFloor {
		m.logger.Debug("De-escalation blocked by confidence floor",
			zap.String("position_id", id.String()),
			zap.Float64("confidence", vol.ConfidenceScore),
			zap.Float64("floor", cfg.ConfidenceFloor))
		return false
	}

	m.clearBelow(id)
	return true
}

func (m *Machine) clearBelow(id uuid.UUID) {
	m.belowMu.Lock()
	delete(m.belowSince, id)
	m.belowMu.Unlock()
}

// transition records the step, applies it to the tracker, then executes the
// level's auto-actions unless suppressed. Record first, act second.
func (m *Machine) transition(ctx context.Context, pos *models.Position, to models.EscalationLevel, reason string, table [4]levelSpec, suppressed bool) models.EscalationRecord {
	from := pos.EscalationLevel

	rec := models.EscalationRecord{
		ID:                      uuid.New(),
		PositionID:              pos.ID,
		FromLevel:               from,
		ToLevel:                 to,
		Reason:                  reason,
		MonitoringIntervalAfter: table[to].interval,
		Timestamp:               m.now().UTC(),
	}
	m.audit.PublishEscalation(ctx, rec)

	state := models.StateEscalating
	if to == models.LevelNormal {
		state = models.StateMonitored
	}
	if err := m.tracker.SetLevel(pos.ID, to, state); err != nil {
		m.logger.Error("Failed to apply level transition",
			zap.String("position_id", pos.ID.String()),
			zap.Error(err))
		return rec
	}
	pos.EscalationLevel = to
	pos.State = state

	direction := "up"
	if to < from {
		direction = "down"
	}
	metrics.Escalations.WithLabelValues(direction, to.String()).Inc()

	m.logger.Warn("Escalation transition",
		zap.String("position_id", pos.ID.String()),
		zap.String("instrument", pos.Instrument),
		zap.Int("from_level", int(from)),
		zap.Int("to_level", int(to)),
		zap.String("reason", reason),
		zap.Bool("actions_suppressed", suppressed))

	if suppressed || to < from {
		return rec
	}

	switch to {
	case models.LevelEnhanced:
		m.actions.PrepareRollCandidates(ctx, *pos)
	case models.LevelRecovery:
		m.actions.ExecuteDefensiveRoll(ctx, *pos)
		m.actions.AddHedge(ctx, *pos)
		m.actions.FreezeEntries(ctx, pos.Instrument)
	case models.LevelPreservation:
		m.actions.ForceExit(ctx, *pos)
		m.actions.EnterSafeMode(ctx, pos.AccountRef)
	}
	return rec
}
