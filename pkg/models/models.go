package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VolMethod selects the true-range smoothing method
type VolMethod string

const (
	MethodSimple      VolMethod = "simple"      // plain moving average of true ranges
	MethodExponential VolMethod = "exponential" // EMA with k = 2/(period+1)
	MethodWilder      VolMethod = "wilder"      // recursive Wilder smoothing, escalation default
)

// PriceBar represents one OHLCV bar for an instrument. Bars are immutable
// once ingested and strictly increasing in timestamp per instrument.
type PriceBar struct {
	Instrument string          `json:"instrument" validate:"required"`
	Timestamp  time.Time       `json:"timestamp" validate:"required"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Source     string          `json:"source"`
}

// PriceTick represents one update from the price feed
type PriceTick struct {
	Instrument string          `json:"instrument" validate:"required"`
	Timestamp  time.Time       `json:"timestamp" validate:"required"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Volume     decimal.Decimal `json:"volume"`
	Delta      *float64        `json:"delta,omitempty"` // option delta when the feed carries greeks
}

// VolatilityReading is the derived smoothed true-range metric for an instrument
type VolatilityReading struct {
	Instrument      string    `json:"instrument"`
	Value           float64   `json:"value"`
	Method          VolMethod `json:"method"`
	Period          int       `json:"period"`
	ConfidenceScore float64   `json:"confidence_score"` // 0..1
	ComputedAt      time.Time `json:"computed_at"`
	Degraded        bool      `json:"degraded"` // served from last-known after source failure
}

// EscalationLevel is the ordinal severity of a position
type EscalationLevel int

const (
	LevelNormal       EscalationLevel = iota // baseline monitoring
	LevelEnhanced                            // breach >= 1.0x volatility
	LevelRecovery                            // breach >= 2.0x or stop fraction hit
	LevelPreservation                        // breach >= 3.0x or hard stop hit
)

func (l EscalationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelEnhanced:
		return "enhanced"
	case LevelRecovery:
		return "recovery"
	case LevelPreservation:
		return "preservation"
	default:
		return "unknown"
	}
}

// PositionState is the lifecycle state of a position
type PositionState string

const (
	StateMonitored  PositionState = "monitored"
	StateEscalating PositionState = "escalating"
	StateRolling    PositionState = "rolling"
	StateClosed     PositionState = "closed"
)

// Strategy types fix the sign convention for the loss fraction
const (
	StrategyShortPremium = "short_premium"
	StrategyLongPremium  = "long_premium"
)

// Position represents a live option position under monitoring
type Position struct {
	ID              uuid.UUID       `json:"id" validate:"required"`
	Instrument      string          `json:"instrument" validate:"required"`
	AccountRef      string          `json:"account_ref" validate:"required"`
	Strategy        string          `json:"strategy" validate:"required,oneof=short_premium long_premium"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Strike          decimal.Decimal `json:"strike"`
	Expiry          time.Time       `json:"expiry"`
	OptionDelta     float64         `json:"option_delta" validate:"gte=-1,lte=1"`
	LossFraction    float64         `json:"loss_fraction"`
	OpenedAt        time.Time       `json:"opened_at"`
	LastPriceAt     time.Time       `json:"last_price_at"`
	EscalationLevel EscalationLevel `json:"escalation_level"`
	State           PositionState   `json:"state"`
	Suspended       bool            `json:"suspended"` // forced by a triggered halt breaker
}

// BreachEvent records an adverse move crossing an escalation boundary.
// Immutable, append-only.
type BreachEvent struct {
	ID                   uuid.UUID `json:"id"`
	PositionID           uuid.UUID `json:"position_id"`
	Instrument           string    `json:"instrument"`
	MultipleOfVolatility float64   `json:"multiple_of_volatility"`
	LossFraction         float64   `json:"loss_fraction"`
	Boundary             float64   `json:"boundary"` // the boundary crossed, in volatility multiples
	ObservedAt           time.Time `json:"observed_at"`
}

// EscalationRecord is one level transition in a position's history, never deleted
type EscalationRecord struct {
	ID                      uuid.UUID       `json:"id"`
	PositionID              uuid.UUID       `json:"position_id"`
	FromLevel               EscalationLevel `json:"from_level"`
	ToLevel                 EscalationLevel `json:"to_level"`
	Reason                  string          `json:"reason"`
	MonitoringIntervalAfter time.Duration   `json:"monitoring_interval_after"`
	Timestamp               time.Time       `json:"timestamp"`
}

// RollUrgency is derived from current delta alone, independent of economics
type RollUrgency string

const (
	UrgencyLow       RollUrgency = "low"
	UrgencyMedium    RollUrgency = "medium"
	UrgencyHigh      RollUrgency = "high"      // current delta >= 0.50
	UrgencyEmergency RollUrgency = "emergency" // current delta >= 0.70
)

// RollCandidate is an alternate strike/expiry considered as a replacement
type RollCandidate struct {
	ID           string          `json:"id" validate:"required"`
	Instrument   string          `json:"instrument" validate:"required"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       time.Time       `json:"expiry"`
	DaysToExpiry int             `json:"days_to_expiry"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Delta        float64         `json:"delta" validate:"gte=-1,lte=1"`
	ImpliedVol   float64         `json:"implied_vol"`
	OpenInterest int64           `json:"open_interest"`
	Volume       int64           `json:"volume"`
}

// RollOption is one assessed candidate inside a RollAnalysis
type RollOption struct {
	Candidate               RollCandidate   `json:"candidate"`
	TransactionCost         decimal.Decimal `json:"transaction_cost"`
	NetCredit               decimal.Decimal `json:"net_credit"` // negative means a debit
	TimeValueDiff           decimal.Decimal `json:"time_value_diff"`
	ProbabilityOfSuccess    float64         `json:"probability_of_success"`
	DeltaDistanceFromTarget float64         `json:"delta_distance_from_target"`
	Score                   float64         `json:"score"`
	Viable                  bool            `json:"viable"`
	RejectReason            string          `json:"reject_reason,omitempty"`
}

// RollAnalysis is a point-in-time decision artifact, recomputed on demand
type RollAnalysis struct {
	ID             uuid.UUID    `json:"id"`
	PositionID     uuid.UUID    `json:"position_id"`
	Urgency        RollUrgency  `json:"urgency"`
	Recommendation *RollOption  `json:"recommendation,omitempty"` // nil when no viable candidate
	Ranked         []RollOption `json:"ranked"`
	Reason         string       `json:"reason"`
	AnalyzedAt     time.Time    `json:"analyzed_at"`
}

// MarketSnapshot carries the market context a roll analysis prices against
type MarketSnapshot struct {
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	ImpliedVol      float64         `json:"implied_vol"`
	Timestamp       time.Time       `json:"timestamp"`
}

// BreakerType identifies one of the seven independent circuit breakers
type BreakerType string

const (
	BreakerPortfolioLoss    BreakerType = "portfolio_loss"
	BreakerPositionLoss     BreakerType = "position_loss"
	BreakerVolatilitySpike  BreakerType = "volatility_spike"
	BreakerVolumeAnomaly    BreakerType = "volume_anomaly"
	BreakerErrorRate        BreakerType = "error_rate"
	BreakerLiquidityDrop    BreakerType = "liquidity_drop"
	BreakerCorrelationShift BreakerType = "correlation_shift"
)

// BreakerAction is one configured response executed when a breaker trips
type BreakerAction string

const (
	ActionHaltAll        BreakerAction = "halt_all_trading"
	ActionCloseFlagged   BreakerAction = "close_flagged_positions"
	ActionShrinkSizes    BreakerAction = "shrink_position_sizes"
	ActionCriticalAlert  BreakerAction = "emit_critical_alert"
	ActionRunDiagnostics BreakerAction = "run_diagnostics"
)

// CircuitBreakerState is the global state of one breaker type.
// Transitions are Armed -> Triggered -> Cooldown -> Armed.
type CircuitBreakerState struct {
	BreakerType   BreakerType `json:"breaker_type"`
	Armed         bool        `json:"armed"`
	TriggeredAt   *time.Time  `json:"triggered_at,omitempty"`
	CooldownUntil *time.Time  `json:"cooldown_until,omitempty"`
	LastValue     float64     `json:"last_value"`
	TriggerCount  int64       `json:"trigger_count"`
}

// TriggerResult reports the outcome of one breaker observation
type TriggerResult struct {
	BreakerType BreakerType     `json:"breaker_type"`
	Triggered   bool            `json:"triggered"` // a new Armed -> Triggered transition
	Recorded    bool            `json:"recorded"`  // threshold exceeded but suppressed (cooldown)
	Actions     []BreakerAction `json:"actions,omitempty"`
	Value       float64         `json:"value"`
	Threshold   float64         `json:"threshold"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// CommandType enumerates the discrete action requests sent to execution
type CommandType string

const (
	CmdClosePosition CommandType = "close_position"
	CmdRollPosition  CommandType = "roll_position"
	CmdReduceSize    CommandType = "reduce_size"
	CmdAddHedge      CommandType = "add_hedge"
	CmdFreezeEntries CommandType = "freeze_entries"
	CmdHaltAll       CommandType = "halt_all"
	CmdResumeAll     CommandType = "resume_all"
	CmdSafeMode      CommandType = "safe_mode"
)

// Reason codes attached to action commands
const (
	ReasonPrepareRoll   = "escalation_prepare_roll"
	ReasonDefensiveRoll = "escalation_defensive_roll"
	ReasonForcedExit    = "escalation_forced_exit"
	ReasonHardStop      = "hard_stop"
	ReasonBreakerTrip   = "circuit_breaker_trip"
	ReasonBreakerClear  = "circuit_breaker_cleared"
	ReasonRollExhausted = "roll_candidates_exhausted"
)

// ActionCommand is a discrete request for the execution collaborator
type ActionCommand struct {
	ID          uuid.UUID   `json:"id"`
	Type        CommandType `json:"type" validate:"required"`
	PositionID  *uuid.UUID  `json:"position_id,omitempty"` // nil for portfolio-wide commands
	Instrument  string      `json:"instrument,omitempty"`
	AccountRef  string      `json:"account_ref,omitempty"`
	CandidateID string      `json:"candidate_id,omitempty"`
	Reason      string      `json:"reason" validate:"required"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// CommandAck is the execution collaborator's response to a command
type CommandAck struct {
	CommandID uuid.UUID `json:"command_id"`
	Accepted  bool      `json:"accepted"`
	Error     string    `json:"error,omitempty"`
	AckedAt   time.Time `json:"acked_at"`
}

// PortfolioSnapshot is a consistent cross-position read used by the breakers
type PortfolioSnapshot struct {
	Positions    []Position      `json:"positions"`
	TotalEntry   decimal.Decimal `json:"total_entry"`
	TotalCurrent decimal.Decimal `json:"total_current"`
	LossFraction float64         `json:"loss_fraction"`
	WorstLoss    float64         `json:"worst_loss"` // largest single-position loss fraction
	TakenAt      time.Time       `json:"taken_at"`
}
