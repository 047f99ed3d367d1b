package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// sendCommand records the command in the audit stream before handing it to
// the execution bus. A failed send is logged, never fatal: the record of
// intent already exists.
func (s *Service) sendCommand(ctx context.Context, cmd models.ActionCommand) {
	cmd.ID = uuid.New()
	cmd.IssuedAt = time.Now().UTC()

	s.audit.PublishCommand(ctx, cmd)
	if err := s.bus.Send(ctx, cmd); err != nil {
		s.logger.Error("Command dispatch failed",
			zap.String("command_id", cmd.ID.String()),
			zap.String("type", string(cmd.Type)),
			zap.String("reason", cmd.Reason),
			zap.Error(err))
	}
}

func (s *Service) analyze(ctx context.Context, pos models.Position) (models.RollAnalysis, error) {
	candidates, err := s.chains.Candidates(ctx, pos.Instrument)
	if err != nil {
		return models.RollAnalysis{}, err
	}
	snap, err := s.chains.Snapshot(ctx, pos.Instrument)
	if err != nil {
		return models.RollAnalysis{}, err
	}
	return s.roll.AnalyzeRoll(pos, candidates, snap)
}

// PrepareRollCandidates runs the roll analysis and records it. Enhanced
// monitoring prepares, it does not execute.
func (s *Service) PrepareRollCandidates(ctx context.Context, pos models.Position) {
	analysis, err := s.analyze(ctx, pos)
	if err != nil {
		s.logger.Warn("Roll preparation failed",
			zap.String("position_id", pos.ID.String()),
			zap.String("instrument", pos.Instrument),
			zap.Error(err))
		return
	}
	s.audit.PublishRollAnalysis(ctx, analysis)
}

// ExecuteDefensiveRoll analyzes and dispatches the recommended roll. With no
// viable candidate the position cannot be defended: queue the Preservation
// jump instead of failing.
func (s *Service) ExecuteDefensiveRoll(ctx context.Context, pos models.Position) {
	analysis, err := s.analyze(ctx, pos)
	if err != nil {
		s.logger.Error("Defensive roll analysis unavailable",
			zap.String("position_id", pos.ID.String()),
			zap.String("instrument", pos.Instrument),
			zap.Error(err))
		s.queueForcedExit(pos.ID, models.ReasonRollExhausted)
		return
	}
	s.audit.PublishRollAnalysis(ctx, analysis)

	if analysis.Recommendation == nil {
		s.logger.Warn("Defensive roll exhausted candidates, forcing exit",
			zap.String("position_id", pos.ID.String()),
			zap.Int("assessed", len(analysis.Ranked)))
		s.queueForcedExit(pos.ID, models.ReasonRollExhausted)
		return
	}

	id := pos.ID
	s.sendCommand(ctx, models.ActionCommand{
		Type:        models.CmdRollPosition,
		PositionID:  &id,
		Instrument:  pos.Instrument,
		AccountRef:  pos.AccountRef,
		CandidateID: analysis.Recommendation.Candidate.ID,
		Reason:      models.ReasonDefensiveRoll,
	})
}

// AddHedge requests a delta hedge for the position
func (s *Service) AddHedge(ctx context.Context, pos models.Position) {
	id := pos.ID
	s.sendCommand(ctx, models.ActionCommand{
		Type:       models.CmdAddHedge,
		PositionID: &id,
		Instrument: pos.Instrument,
		AccountRef: pos.AccountRef,
		Reason:     models.ReasonDefensiveRoll,
	})
}

// FreezeEntries blocks new entries on the instrument and tells execution
func (s *Service) FreezeEntries(ctx context.Context, instrument string) {
	s.tracker.FreezeEntries(instrument)
	s.sendCommand(ctx, models.ActionCommand{
		Type:       models.CmdFreezeEntries,
		Instrument: instrument,
		Reason:     models.ReasonDefensiveRoll,
	})
}

// ForceExit requests an immediate close of the position
func (s *Service) ForceExit(ctx context.Context, pos models.Position) {
	id := pos.ID
	s.sendCommand(ctx, models.ActionCommand{
		Type:       models.CmdClosePosition,
		PositionID: &id,
		Instrument: pos.Instrument,
		AccountRef: pos.AccountRef,
		Reason:     models.ReasonForcedExit,
	})
}

// EnterSafeMode moves the account into capital preservation
func (s *Service) EnterSafeMode(ctx context.Context, accountRef string) {
	s.sendCommand(ctx, models.ActionCommand{
		Type:       models.CmdSafeMode,
		AccountRef: accountRef,
		Reason:     models.ReasonForcedExit,
	})
}

// HaltAllTrading suspends every position and halts the execution venue
func (s *Service) HaltAllTrading(ctx context.Context, bt models.BreakerType, value float64) {
	suspended := s.tracker.SuspendAll()
	s.logger.Error("TRADING HALTED",
		zap.String("breaker", string(bt)),
		zap.Float64("value", value),
		zap.Int("positions_suspended", suspended))

	s.sendCommand(ctx, models.ActionCommand{
		Type:   models.CmdHaltAll,
		Reason: models.ReasonBreakerTrip,
	})
}

// CloseFlaggedPositions closes positions already in trouble: at or past their
// loss threshold, or escalated to Recovery and above.
func (s *Service) CloseFlaggedPositions(ctx context.Context, bt models.BreakerType, value float64) {
	threshold := s.config().Breakers.PositionLoss.Threshold

	for _, pos := range s.tracker.OpenPositions() {
		if pos.LossFraction < threshold && pos.EscalationLevel < models.LevelRecovery {
			continue
		}
		id := pos.ID
		s.sendCommand(ctx, models.ActionCommand{
			Type:       models.CmdClosePosition,
			PositionID: &id,
			Instrument: pos.Instrument,
			AccountRef: pos.AccountRef,
			Reason:     models.ReasonBreakerTrip,
		})
	}
}

// ShrinkPositionSizes requests a portfolio-wide size reduction
func (s *Service) ShrinkPositionSizes(ctx context.Context, bt models.BreakerType, value float64) {
	s.sendCommand(ctx, models.ActionCommand{
		Type:   models.CmdReduceSize,
		Reason: models.ReasonBreakerTrip,
	})
}

// EmitCriticalAlert raises the page-someone signal
func (s *Service) EmitCriticalAlert(ctx context.Context, bt models.BreakerType, value, threshold float64) {
	s.logger.Error("CRITICAL ALERT: circuit breaker triggered",
		zap.String("breaker", string(bt)),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold))
}

// RunDiagnostics logs a portfolio and breaker health summary
func (s *Service) RunDiagnostics(ctx context.Context, bt models.BreakerType, value float64) {
	snap := s.tracker.Snapshot()

	tripped := make([]string, 0, 2)
	for _, st := range s.breakers.States() {
		if !st.Armed {
			tripped = append(tripped, string(st.BreakerType))
		}
	}

	s.logger.Info("Diagnostics snapshot",
		zap.String("breaker", string(bt)),
		zap.Float64("value", value),
		zap.Int("open_positions", len(snap.Positions)),
		zap.Float64("portfolio_loss", snap.LossFraction),
		zap.Float64("worst_position_loss", snap.WorstLoss),
		zap.Strings("tripped_breakers", tripped),
		zap.Int("pending_evaluations", s.dispatcher.Pending()))
}

// ResumeTrading lifts the suspension once no halting breaker remains tripped
func (s *Service) ResumeTrading(ctx context.Context, bt models.BreakerType) {
	resumed := s.tracker.ResumeAll()
	s.logger.Info("Trading resumed",
		zap.String("breaker", string(bt)),
		zap.Int("positions_resumed", resumed))

	s.sendCommand(ctx, models.ActionCommand{
		Type:   models.CmdResumeAll,
		Reason: models.ReasonBreakerClear,
	})
}
