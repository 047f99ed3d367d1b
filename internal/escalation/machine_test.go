package escalation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/position"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// scribe captures records and auto-actions in arrival order so tests can
// assert record-before-act ordering.
type scribe struct {
	mu     sync.Mutex
	events []string
	recs   []models.EscalationRecord
}

func (s *scribe) add(ev string) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *scribe) PublishEscalation(_ context.Context, rec models.EscalationRecord) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	s.add(fmt.Sprintf("record %d->%d", rec.FromLevel, rec.ToLevel))
}

func (s *scribe) PrepareRollCandidates(_ context.Context, _ models.Position) { s.add("prepare_roll") }
func (s *scribe) ExecuteDefensiveRoll(_ context.Context, _ models.Position)  { s.add("defensive_roll") }
func (s *scribe) AddHedge(_ context.Context, _ models.Position)              { s.add("add_hedge") }
func (s *scribe) FreezeEntries(_ context.Context, instrument string)         { s.add("freeze " + instrument) }
func (s *scribe) ForceExit(_ context.Context, _ models.Position)             { s.add("force_exit") }
func (s *scribe) EnterSafeMode(_ context.Context, accountRef string)         { s.add("safe_mode " + accountRef) }

func (s *scribe) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type staticHalt struct{ halted bool }

func (h *staticHalt) Halted() bool { return h.halted }

func testEscalationCfg() config.EscalationConfig {
	return config.EscalationConfig{
		Normal:               config.LevelConfig{Interval: 5 * time.Minute},
		Enhanced:             config.LevelConfig{EnterMultiple: 1.0, Interval: time.Minute},
		Recovery:             config.LevelConfig{EnterMultiple: 2.0, Interval: 30 * time.Second},
		Preservation:         config.LevelConfig{EnterMultiple: 3.0, Interval: time.Second},
		StopFraction:         0.25,
		HardStopFraction:     0.50,
		DeescalationDebounce: 2 * time.Minute,
		ConfidenceFloor:      0.5,
	}
}

type fixture struct {
	tracker *position.Tracker
	scribe  *scribe
	halt    *staticHalt
	machine *Machine
	pos     models.Position
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tracker := position.NewTracker(logger)
	sc := &scribe{}
	halt := &staticHalt{}
	m := NewMachine(testEscalationCfg(), tracker, sc, sc, halt, logger)

	pos, err := tracker.Open(position.OpenRequest{
		Instrument:  "ES-4800P",
		AccountRef:  "acct-1",
		Strategy:    models.StrategyShortPremium,
		EntryPrice:  decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(10),
		Strike:      decimal.NewFromInt(5000),
		Expiry:      time.Now().UTC().Add(30 * 24 * time.Hour),
		OptionDelta: -0.30,
	})
	require.NoError(t, err)

	return &fixture{tracker: tracker, scribe: sc, halt: halt, machine: m, pos: pos}
}

func (f *fixture) setPrice(t *testing.T, price int64) {
	t.Helper()
	_, err := f.tracker.UpdatePrice(f.pos.ID, decimal.NewFromInt(price), time.Now().UTC())
	require.NoError(t, err)
}

func reading(confidence float64) models.VolatilityReading {
	return models.VolatilityReading{
		Instrument:      "ES-4800P",
		Value:           2.0,
		Method:          models.MethodWilder,
		Period:          14,
		ConfidenceScore: confidence,
		ComputedAt:      time.Now().UTC(),
	}
}

func TestEvaluate_SkipsThroughQualifyingLevels(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, 96)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)

	assert.Equal(t, models.LevelNormal, res.FromLevel)
	assert.Equal(t, models.LevelRecovery, res.ToLevel)
	assert.Equal(t, 30*time.Second, res.NextInterval)
	assert.False(t, res.Suppressed)

	require.Len(t, res.Records, 2)
	assert.Equal(t, models.LevelNormal, res.Records[0].FromLevel)
	assert.Equal(t, models.LevelEnhanced, res.Records[0].ToLevel)
	assert.Equal(t, time.Minute, res.Records[0].MonitoringIntervalAfter)
	assert.Equal(t, models.LevelEnhanced, res.Records[1].FromLevel)
	assert.Equal(t, models.LevelRecovery, res.Records[1].ToLevel)
	assert.Equal(t, 30*time.Second, res.Records[1].MonitoringIntervalAfter)

	// Each step records before it acts
	assert.Equal(t, []string{
		"record 0->1",
		"prepare_roll",
		"record 1->2",
		"defensive_roll",
		"add_hedge",
		"freeze ES-4800P",
	}, f.scribe.snapshot())

	got, err := f.tracker.Get(f.pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LevelRecovery, got.EscalationLevel)
	assert.Equal(t, models.StateEscalating, got.State)
}

func TestEvaluate_NoChangeInsideBand(t *testing.T) {
	f := newFixture(t)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.Equal(t, models.LevelNormal, res.ToLevel)
	assert.Equal(t, 5*time.Minute, res.NextInterval)
	assert.Empty(t, f.scribe.snapshot())
}

func TestEvaluate_EmergencyJumpToPreservation(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, 93)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 3.2, reading(1.0))
	require.NoError(t, err)

	require.Len(t, res.Records, 1, "the hard stop jumps, it does not step")
	assert.Equal(t, models.LevelNormal, res.Records[0].FromLevel)
	assert.Equal(t, models.LevelPreservation, res.Records[0].ToLevel)
	assert.Contains(t, res.Records[0].Reason, "breach multiple 3.20")
	assert.Equal(t, time.Second, res.NextInterval)

	assert.Equal(t, []string{
		"record 0->3",
		"force_exit",
		"safe_mode acct-1",
	}, f.scribe.snapshot())
}

func TestEvaluate_HardStopByLossFraction(t *testing.T) {
	f := newFixture(t)
	// Entry 100, price 45: loss fraction 0.55 over the 0.50 hard stop even
	// though the breach multiple alone would not escalate
	f.setPrice(t, 45)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 0.9, reading(1.0))
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, models.LevelPreservation, res.ToLevel)
	assert.Contains(t, res.Records[0].Reason, "hard stop")
}

func TestEvaluate_StopFractionEntersRecovery(t *testing.T) {
	f := newFixture(t)
	// Loss fraction 0.30 is past the stop but short of the hard stop
	f.setPrice(t, 70)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 1.1, reading(1.0))
	require.NoError(t, err)

	assert.Equal(t, models.LevelRecovery, res.ToLevel)
	require.Len(t, res.Records, 2)
	assert.Contains(t, res.Records[0].Reason, "breach multiple 1.10")
	assert.Contains(t, res.Records[1].Reason, "loss fraction 0.3000")
	assert.Contains(t, res.Records[1].Reason, "stop")
}

func TestEvaluate_HaltSuppressesActionsNotRecords(t *testing.T) {
	f := newFixture(t)
	f.halt.halted = true
	f.setPrice(t, 96)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)

	assert.True(t, res.Suppressed)
	require.Len(t, res.Records, 2, "transitions are still recorded under a halt")
	assert.Equal(t, []string{"record 0->1", "record 1->2"}, f.scribe.snapshot(),
		"no auto-actions under a halt")

	got, err := f.tracker.Get(f.pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LevelRecovery, got.EscalationLevel)
}

func TestEvaluate_SuspensionSuppressesActions(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 1, f.tracker.SuspendAll())

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)

	assert.True(t, res.Suppressed)
	require.Len(t, res.Records, 2)
	assert.Equal(t, []string{"record 0->1", "record 1->2"}, f.scribe.snapshot())
}

func TestEvaluate_DeescalationDebounceAndConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Now().UTC()
	f.machine.now = func() time.Time { return current }

	// Escalate to Enhanced first
	res, err := f.machine.Evaluate(ctx, f.pos.ID, 1.5, reading(1.0))
	require.NoError(t, err)
	require.Equal(t, models.LevelEnhanced, res.ToLevel)

	// First quiet reading opens the debounce window, nothing moves
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	// One minute in: still inside the window
	current = current.Add(time.Minute)
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	// Past the window, but an untrusted reading may not clear the level
	current = current.Add(90 * time.Second)
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(0.3))
	require.NoError(t, err)
	assert.Empty(t, res.Records, "confidence below the floor blocks clearing")

	// A trusted reading clears one level
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(0.9))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, models.LevelNormal, res.ToLevel)
	assert.Equal(t, 5*time.Minute, res.NextInterval)
	assert.Contains(t, res.Records[0].Reason, "held below")

	got, err := f.tracker.Get(f.pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateMonitored, got.State)

	// Stepping down runs no auto-actions
	assert.Equal(t, []string{"record 0->1", "prepare_roll", "record 1->0"}, f.scribe.snapshot())
}

func TestEvaluate_RebreachResetsDebounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Now().UTC()
	f.machine.now = func() time.Time { return current }

	res, err := f.machine.Evaluate(ctx, f.pos.ID, 1.2, reading(1.0))
	require.NoError(t, err)
	require.Equal(t, models.LevelEnhanced, res.ToLevel)

	// Quiet reading opens the window
	_, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)

	// A reading back above the boundary resets it
	current = current.Add(time.Minute)
	_, err = f.machine.Evaluate(ctx, f.pos.ID, 1.2, reading(1.0))
	require.NoError(t, err)

	// More than the debounce since the original quiet reading, but the
	// window restarted: this only reopens it
	current = current.Add(90 * time.Second)
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, models.LevelEnhanced, res.ToLevel)

	// A full fresh window later it clears
	current = current.Add(2*time.Minute + time.Second)
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.5, reading(1.0))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, models.LevelNormal, res.ToLevel)
}

func TestEvaluate_DeescalationDropsOneLevelAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Now().UTC()
	f.machine.now = func() time.Time { return current }

	f.setPrice(t, 96)
	res, err := f.machine.Evaluate(ctx, f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)
	require.Equal(t, models.LevelRecovery, res.ToLevel)

	_, err = f.machine.Evaluate(ctx, f.pos.ID, 0.4, reading(1.0))
	require.NoError(t, err)

	current = current.Add(2*time.Minute + time.Second)
	res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.4, reading(1.0))
	require.NoError(t, err)

	require.Len(t, res.Records, 1, "clearing steps down one level per evaluation")
	assert.Equal(t, models.LevelRecovery, res.FromLevel)
	assert.Equal(t, models.LevelEnhanced, res.ToLevel)
	assert.Equal(t, time.Minute, res.NextInterval)
}

func TestEvaluate_LossAboveStopBlocksClearing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Now().UTC()
	f.machine.now = func() time.Time { return current }

	// Loss fraction 0.30 holds the position at Recovery even when the
	// breach multiple has fully subsided
	f.setPrice(t, 70)
	res, err := f.machine.Evaluate(ctx, f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)
	require.Equal(t, models.LevelRecovery, res.ToLevel)

	for i := 0; i < 3; i++ {
		current = current.Add(2*time.Minute + time.Second)
		res, err = f.machine.Evaluate(ctx, f.pos.ID, 0.1, reading(1.0))
		require.NoError(t, err)
		assert.Empty(t, res.Records)
		assert.Equal(t, models.LevelRecovery, res.ToLevel)
	}
}

func TestEvaluate_ConflictWhenTransitionInFlight(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.machine.acquire(f.pos.ID))
	_, err := f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	require.Error(t, err)
	assert.Equal(t, errs.KindEscalationConflict, errs.KindOf(err))

	f.machine.release(f.pos.ID)
	_, err = f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	assert.NoError(t, err)
}

func TestEvaluate_ClosedPositionIsNoOp(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Close(f.pos.ID)
	require.NoError(t, err)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 5.0, reading(1.0))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, f.scribe.snapshot())
}

func TestForcePreservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.machine.ForcePreservation(ctx, f.pos.ID, "roll candidates exhausted during mandatory defensive roll")
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, models.LevelPreservation, res.ToLevel)
	assert.Equal(t, "roll candidates exhausted during mandatory defensive roll", res.Records[0].Reason)
	assert.Equal(t, []string{"record 0->3", "force_exit", "safe_mode acct-1"}, f.scribe.snapshot())

	// Already at Preservation: nothing to do
	res, err = f.machine.ForcePreservation(ctx, f.pos.ID, "again")
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestInterval_Table(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, 5*time.Minute, f.machine.Interval(models.LevelNormal))
	assert.Equal(t, time.Minute, f.machine.Interval(models.LevelEnhanced))
	assert.Equal(t, 30*time.Second, f.machine.Interval(models.LevelRecovery))
	assert.Equal(t, time.Second, f.machine.Interval(models.LevelPreservation))
	assert.Equal(t, 5*time.Minute, f.machine.Interval(models.EscalationLevel(9)))
}

func TestUpdateConfig_SwapsThresholds(t *testing.T) {
	f := newFixture(t)

	cfg := testEscalationCfg()
	cfg.Enhanced.EnterMultiple = 5.0
	f.machine.UpdateConfig(cfg)

	res, err := f.machine.Evaluate(context.Background(), f.pos.ID, 2.0, reading(1.0))
	require.NoError(t, err)
	assert.Equal(t, models.LevelNormal, res.ToLevel, "raised threshold keeps the position at baseline")
	assert.Empty(t, res.Records)
}
