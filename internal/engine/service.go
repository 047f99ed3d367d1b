// Package engine wires the feed, volatility, tracker, escalation, roll,
// breaker and dispatch components into the running risk service.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/audit"
	"github.com/Aidin1998/pincex_risk/internal/breaker"
	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/dispatch"
	"github.com/Aidin1998/pincex_risk/internal/escalation"
	"github.com/Aidin1998/pincex_risk/internal/execution"
	"github.com/Aidin1998/pincex_risk/internal/marketdata"
	"github.com/Aidin1998/pincex_risk/internal/position"
	"github.com/Aidin1998/pincex_risk/internal/roll"
	"github.com/Aidin1998/pincex_risk/internal/volatility"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// closedPositionRetention bounds how long a closed position's final state
// stays readable before the tracker evicts it
const closedPositionRetention = time.Minute

// CandidateSource supplies the live option chain for roll analysis
type CandidateSource interface {
	Candidates(ctx context.Context, instrument string) ([]models.RollCandidate, error)
	Snapshot(ctx context.Context, instrument string) (models.MarketSnapshot, error)
}

// Deps carries the externally constructed collaborators
type Deps struct {
	Feed       *marketdata.WebSocketFeed
	Builder    *marketdata.BarBuilder
	Volatility *volatility.Engine
	Tracker    *position.Tracker
	Roll       *roll.Engine
	Audit      *audit.Publisher
	Bus        *execution.Bus
	Chains     CandidateSource
	Redis      redis.UniversalClient
}

// Service is the risk engine. It owns the evaluation pipeline and the
// lifecycles of the feed and the dispatcher.
type Service struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	feed       *marketdata.WebSocketFeed
	builder    *marketdata.BarBuilder
	vol        *volatility.Engine
	tracker    *position.Tracker
	machine    *escalation.Machine
	roll       *roll.Engine
	breakers   *breaker.Registry
	dispatcher *dispatch.Dispatcher
	audit      *audit.Publisher
	bus        *execution.Bus
	chains     CandidateSource

	msrc *metricSource

	indexMu      sync.RWMutex
	byInstrument map[string]map[uuid.UUID]struct{}

	forcedMu sync.Mutex
	forced   map[uuid.UUID]string

	wasFeeding atomic.Bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the service and the components that need it as a collaborator
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Service {
	s := &Service{
		logger:       logger.Named("engine"),
		cfg:          cfg,
		feed:         deps.Feed,
		builder:      deps.Builder,
		vol:          deps.Volatility,
		tracker:      deps.Tracker,
		roll:         deps.Roll,
		audit:        deps.Audit,
		bus:          deps.Bus,
		chains:       deps.Chains,
		msrc:         newMetricSource(),
		byInstrument: make(map[string]map[uuid.UUID]struct{}),
		forced:       make(map[uuid.UUID]string),
		stopChan:     make(chan struct{}),
	}

	s.breakers = breaker.NewRegistry(cfg.Breakers, s, deps.Audit, deps.Redis, logger)
	s.machine = escalation.NewMachine(cfg.Escalation, deps.Tracker, deps.Audit, s, s.breakers, logger)
	s.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, s, logger)
	return s
}

func (s *Service) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ApplyConfig is the hot-reload callback: thresholds swap without
// restarting in-flight monitoring loops.
func (s *Service) ApplyConfig(oldCfg, newCfg *config.Config) error {
	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()

	s.vol.UpdateConfig(newCfg.Volatility)
	s.machine.UpdateConfig(newCfg.Escalation)
	s.roll.UpdateConfig(newCfg.Roll)
	s.breakers.UpdateConfig(newCfg.Breakers)
	s.dispatcher.UpdateConfig(newCfg.Dispatch)

	s.audit.PublishConfigReload(context.Background(), newCfg.Version, newCfg.Environment)
	s.logger.Info("Configuration applied",
		zap.String("version", newCfg.Version),
		zap.String("environment", newCfg.Environment))
	if dump, err := newCfg.Dump(); err == nil {
		s.logger.Debug("Effective configuration", zap.String("config", dump))
	}
	return nil
}

// Start launches the feed, the dispatcher and the breaker observe loop
func (s *Service) Start(ctx context.Context) error {
	if s.feed != nil {
		if err := s.feed.Start(ctx); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.tickLoop(ctx)
	}

	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.observeLoop(ctx)

	s.logger.Info("Risk engine started")
	return nil
}

// Stop shuts the loops down in dependency order
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	if s.feed != nil {
		s.feed.Stop()
	}
	s.dispatcher.Stop()
	s.wg.Wait()
	s.logger.Info("Risk engine stopped")
}

// OpenPosition registers a position and schedules its first evaluation
func (s *Service) OpenPosition(req position.OpenRequest) (models.Position, error) {
	if s.breakers.Halted() {
		return models.Position{}, errs.Validation.Explain("trading halted by circuit breaker")
	}

	pos, err := s.tracker.Open(req)
	if err != nil {
		return models.Position{}, err
	}

	s.indexMu.Lock()
	ids, ok := s.byInstrument[pos.Instrument]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		s.byInstrument[pos.Instrument] = ids
	}
	ids[pos.ID] = struct{}{}
	s.indexMu.Unlock()

	// Baseline evaluation right away, then the level's cadence takes over.
	s.dispatcher.Schedule(pos.ID, 0)
	return pos, nil
}

// ClosePosition closes the position and cancels its scheduled work
func (s *Service) ClosePosition(ctx context.Context, id uuid.UUID) (models.Position, error) {
	pos, err := s.tracker.Close(id)
	if err != nil {
		return models.Position{}, err
	}

	s.dispatcher.Cancel(id)
	s.machine.Forget(id)
	s.dropFromIndex(pos.Instrument, id)
	return pos, nil
}

func (s *Service) dropFromIndex(instrument string, id uuid.UUID) {
	s.indexMu.Lock()
	if ids, ok := s.byInstrument[instrument]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byInstrument, instrument)
		}
	}
	s.indexMu.Unlock()
}

func (s *Service) positionsFor(instrument string) []uuid.UUID {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.byInstrument[instrument]))
	for id := range s.byInstrument[instrument] {
		ids = append(ids, id)
	}
	return ids
}

// Positions exposes open positions for the ops surface
func (s *Service) Positions() []models.Position {
	return s.tracker.OpenPositions()
}

// Position returns one position by id
func (s *Service) Position(id uuid.UUID) (models.Position, error) {
	return s.tracker.Get(id)
}

// AnalyzeRollFor recomputes the roll analysis for a position on demand.
// The artifact is recorded like any machine-initiated analysis.
func (s *Service) AnalyzeRollFor(ctx context.Context, id uuid.UUID) (models.RollAnalysis, error) {
	pos, err := s.tracker.Get(id)
	if err != nil {
		return models.RollAnalysis{}, err
	}
	if pos.State == models.StateClosed {
		return models.RollAnalysis{}, errs.Validation.Explain("position %s is closed", id)
	}

	analysis, err := s.analyze(ctx, pos)
	if err != nil {
		return models.RollAnalysis{}, err
	}
	s.audit.PublishRollAnalysis(ctx, analysis)
	return analysis, nil
}

// UnfreezeInstrument lifts an entry freeze, an operator action
func (s *Service) UnfreezeInstrument(instrument string) {
	s.tracker.UnfreezeEntries(instrument)
}

// InvalidateVolatility drops the cached reading for an instrument so the
// next evaluation recomputes from the sources
func (s *Service) InvalidateVolatility(ctx context.Context, instrument string) error {
	return s.vol.Invalidate(ctx, instrument)
}

// Snapshot exposes the consistent portfolio view
func (s *Service) Snapshot() models.PortfolioSnapshot {
	return s.tracker.Snapshot()
}

// BreakerStates exposes the breaker states for the ops surface
func (s *Service) BreakerStates() []models.CircuitBreakerState {
	return s.breakers.States()
}

// Halted reports the global halt flag
func (s *Service) Halted() bool {
	return s.breakers.Halted()
}

// FeedStatus reports the upstream connection state
func (s *Service) FeedStatus() marketdata.ConnectionStatus {
	if s.feed == nil {
		return marketdata.ConnectionStatus{}
	}
	return s.feed.Status()
}

// FeedQuality exposes per-instrument feed health
func (s *Service) FeedQuality() []marketdata.FeedQuality {
	instruments := s.builder.Instruments()
	out := make([]marketdata.FeedQuality, 0, len(instruments))
	for _, instrument := range instruments {
		out = append(out, s.builder.Quality(instrument))
	}
	return out
}

// tickLoop routes feed ticks into bars, stats and position prices
func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case tick, ok := <-s.feed.Ticks():
			if !ok {
				return
			}
			s.builder.Ingest(tick)
			s.msrc.observeTick(tick)
			s.routeTick(tick)
		}
	}
}

// routeTick updates every position on the tick's instrument. Preservation
// positions are event-driven: each tick wakes an immediate re-evaluation.
func (s *Service) routeTick(tick models.PriceTick) {
	price := tick.Last
	if !price.IsPositive() {
		price = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	}
	if !price.IsPositive() {
		return
	}

	for _, id := range s.positionsFor(tick.Instrument) {
		pos, err := s.tracker.UpdatePrice(id, price, tick.Timestamp)
		if err != nil {
			continue
		}
		if tick.Delta != nil {
			if err := s.tracker.UpdateDelta(id, *tick.Delta); err == nil {
				pos.OptionDelta = *tick.Delta
			}
		}
		if pos.EscalationLevel == models.LevelPreservation {
			s.dispatcher.Wake(id)
		}
	}
}

// EvaluatePosition is one scheduled evaluation: volatility, breach,
// escalation, then the level's cadence for the next run.
func (s *Service) EvaluatePosition(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	pos, err := s.tracker.Get(id)
	if err != nil {
		return 0, err
	}
	if pos.State == models.StateClosed {
		s.machine.Forget(id)
		s.dropFromIndex(pos.Instrument, id)
		return 0, nil
	}

	// A defensive roll that exhausted its candidates forces Preservation.
	if reason, ok := s.takeForced(id); ok {
		res, err := s.machine.ForcePreservation(ctx, id, reason)
		if err != nil {
			s.requeueForced(id, reason)
			return 0, err
		}
		return res.NextInterval, nil
	}

	cfg := s.config()

	reading, err := s.vol.ComputeDefault(ctx, pos.Instrument)
	if err != nil {
		// Total source failure is surfaced, monitoring keeps its cadence.
		s.msrc.recordEvaluation(true)
		s.audit.PublishVolatilityFailure(ctx, pos.Instrument, err)
		s.logger.Warn("Volatility unavailable, holding level",
			zap.String("position_id", id.String()),
			zap.String("instrument", pos.Instrument),
			zap.Error(err))
		return s.machine.Interval(pos.EscalationLevel), nil
	}
	s.msrc.observeReading(reading)

	boundaries := []float64{
		cfg.Escalation.Enhanced.EnterMultiple,
		cfg.Escalation.Recovery.EnterMultiple,
		cfg.Escalation.Preservation.EnterMultiple,
	}
	breach, err := s.tracker.ComputeBreach(id, reading, boundaries)
	if err != nil {
		s.msrc.recordEvaluation(true)
		return 0, err
	}
	if breach != nil {
		s.audit.PublishBreach(ctx, *breach)
	}

	multiple, err := s.tracker.BreachMultiple(id, reading)
	if err != nil {
		s.msrc.recordEvaluation(true)
		return 0, err
	}

	res, err := s.machine.Evaluate(ctx, id, multiple, reading)
	if err != nil {
		s.msrc.recordEvaluation(errs.KindOf(err) != errs.KindEscalationConflict)
		return 0, err
	}

	s.msrc.recordEvaluation(false)
	return res.NextInterval, nil
}

// observeLoop feeds the seven breakers on their own cadence, independent of
// per-position loops.
func (s *Service) observeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		interval := s.config().Breakers.ObserveInterval
		timer := time.NewTimer(interval)

		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.observeCycle(ctx)
		}
	}
}

// observeCycle takes one consistent snapshot and one derived-metrics cycle
// and feeds every breaker.
func (s *Service) observeCycle(ctx context.Context) {
	s.tracker.Reap(closedPositionRetention)

	snap := s.tracker.Snapshot()
	s.samplePrices(ctx)
	vals := s.msrc.cycle()

	s.observe(ctx, models.BreakerPortfolioLoss, snap.LossFraction)
	s.observe(ctx, models.BreakerPositionLoss, snap.WorstLoss)

	if s.feedLost() {
		cause := errs.ErrStaleSource
		s.observeFault(ctx, models.BreakerVolatilitySpike, cause)
		s.observeFault(ctx, models.BreakerVolumeAnomaly, cause)
		s.observeFault(ctx, models.BreakerLiquidityDrop, cause)
	} else {
		s.observe(ctx, models.BreakerVolatilitySpike, vals.volatilitySpike)
		s.observe(ctx, models.BreakerVolumeAnomaly, vals.volumeAnomaly)
		s.observe(ctx, models.BreakerLiquidityDrop, vals.liquidityDrop)
	}

	s.observe(ctx, models.BreakerErrorRate, vals.errorRate)
	s.observe(ctx, models.BreakerCorrelationShift, vals.correlationShift)
}

func (s *Service) observe(ctx context.Context, bt models.BreakerType, value float64) {
	if _, err := s.breakers.Observe(ctx, bt, value); err != nil {
		s.logger.Error("Breaker observation failed",
			zap.String("breaker", string(bt)),
			zap.Error(err))
	}
}

func (s *Service) observeFault(ctx context.Context, bt models.BreakerType, cause error) {
	if _, err := s.breakers.ObserveFault(ctx, bt, cause); err != nil {
		s.logger.Error("Breaker metric unavailable",
			zap.String("breaker", string(bt)),
			zap.Error(err))
	}
}

// samplePrices records one per-cycle price per instrument for the
// correlation window.
func (s *Service) samplePrices(ctx context.Context) {
	for _, instrument := range s.builder.Instruments() {
		bars, err := s.builder.GetBars(ctx, instrument, 1)
		if err != nil || len(bars) == 0 {
			continue
		}
		s.msrc.samplePrice(instrument, bars[len(bars)-1].Close.InexactFloat64())
	}
}

// feedLost reports whether a previously healthy feed has gone dark. Metrics
// derived from it then fault rather than silently reading calm.
func (s *Service) feedLost() bool {
	if s.feed == nil {
		return false
	}
	if s.builder.IsHealthy() {
		s.wasFeeding.Store(true)
		return false
	}
	return s.wasFeeding.Load()
}

func (s *Service) takeForced(id uuid.UUID) (string, bool) {
	s.forcedMu.Lock()
	defer s.forcedMu.Unlock()
	reason, ok := s.forced[id]
	if ok {
		delete(s.forced, id)
	}
	return reason, ok
}

func (s *Service) requeueForced(id uuid.UUID, reason string) {
	s.forcedMu.Lock()
	s.forced[id] = reason
	s.forcedMu.Unlock()
}

// queueForcedExit schedules a Preservation jump once the current evaluation
// completes. Called from inside a transition, so it must not re-enter the
// state machine.
func (s *Service) queueForcedExit(id uuid.UUID, reason string) {
	s.requeueForced(id, reason)
	s.dispatcher.Wake(id)
}
