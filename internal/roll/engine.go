// Package roll computes the economic and delta-positioning case for
// replacing a position with an alternate strike/expiry. Analyses are
// point-in-time artifacts; nothing here mutates position state.
package roll

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// NoViableCandidate is the analysis reason when every candidate fails the
// configured floors. Callers treat it as an explicit decision, not an error.
const NoViableCandidate = "no viable candidate"

var two = decimal.NewFromInt(2)

// Engine ranks roll candidates for a position
type Engine struct {
	logger *zap.Logger

	mu  sync.RWMutex
	cfg config.RollConfig
}

// NewEngine creates a roll decision engine
func NewEngine(cfg config.RollConfig, logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("roll"), cfg: cfg}
}

// UpdateConfig swaps economics floors on hot reload
func (e *Engine) UpdateConfig(cfg config.RollConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *Engine) config() config.RollConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Urgency derives the roll urgency from the position's current delta alone,
// independent of candidate economics.
func (e *Engine) Urgency(currentDelta float64) models.RollUrgency {
	cfg := e.config()
	d := math.Abs(currentDelta)
	switch {
	case d >= 0.70:
		return models.UrgencyEmergency
	case d >= 0.50:
		return models.UrgencyHigh
	case d > cfg.DeltaBandHigh:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

// AnalyzeRoll assesses every candidate against the position and returns the
// ranked list with a single top recommendation. Identical inputs yield an
// identical order and pick.
func (e *Engine) AnalyzeRoll(pos models.Position, candidates []models.RollCandidate, snap models.MarketSnapshot) (models.RollAnalysis, error) {
	if pos.ID == uuid.Nil {
		return models.RollAnalysis{}, errs.Validation.Explain("position is required")
	}
	if !snap.UnderlyingPrice.IsPositive() {
		return models.RollAnalysis{}, errs.Validation.Explain("market snapshot needs a positive underlying price, got %s", snap.UnderlyingPrice)
	}

	cfg := e.config()
	urgency := e.Urgency(pos.OptionDelta)

	options := make([]models.RollOption, 0, len(candidates))
	for _, cand := range candidates {
		options = append(options, e.assess(pos, cand, snap, cfg))
	}
	rankOptions(options)

	analysis := models.RollAnalysis{
		ID:         uuid.New(),
		PositionID: pos.ID,
		Urgency:    urgency,
		Ranked:     options,
		AnalyzedAt: time.Now().UTC(),
	}

	if len(options) > 0 && options[0].Viable {
		top := options[0]
		analysis.Recommendation = &top
		analysis.Reason = fmt.Sprintf("selected %s: score %.4f, net credit %s, probability %.2f",
			top.Candidate.ID, top.Score, top.NetCredit, top.ProbabilityOfSuccess)
		metrics.RollAnalyses.WithLabelValues(string(urgency), "recommended").Inc()
	} else {
		analysis.Reason = fmt.Sprintf("%s: %d candidates assessed, none passed the floors",
			NoViableCandidate, len(candidates))
		metrics.RollAnalyses.WithLabelValues(string(urgency), "no_viable").Inc()
	}

	e.logger.Info("Roll analysis completed",
		zap.String("position_id", pos.ID.String()),
		zap.String("urgency", string(urgency)),
		zap.Int("candidates", len(candidates)),
		zap.String("reason", analysis.Reason))
	return analysis, nil
}

// assess prices one candidate: transaction cost, net credit against the
// position's basis, time-value differential, success probability and the
// ranking score.
func (e *Engine) assess(pos models.Position, cand models.RollCandidate, snap models.MarketSnapshot, cfg config.RollConfig) models.RollOption {
	opt := models.RollOption{Candidate: cand}

	if cand.Bid.IsNegative() || cand.Ask.LessThan(cand.Bid) {
		opt.RejectReason = fmt.Sprintf("invalid quote: bid %s ask %s", cand.Bid, cand.Ask)
		return opt
	}

	mid := cand.Bid.Add(cand.Ask).Div(two)
	halfSpread := cand.Ask.Sub(cand.Bid).Div(two)

	// Two legs trade: close the current position, open the candidate.
	commission := decimal.NewFromFloat(cfg.CommissionPerLeg).Mul(two)
	opt.TransactionCost = commission.Add(halfSpread).Add(decimal.NewFromFloat(cfg.RegulatoryFee))

	opt.NetCredit = mid.Sub(pos.CurrentPrice).Sub(opt.TransactionCost)
	opt.TimeValueDiff = timeValue(mid, cand.Strike, snap.UnderlyingPrice).
		Sub(timeValue(pos.CurrentPrice, pos.Strike, snap.UnderlyingPrice))

	dte := cand.DaysToExpiry
	if dte <= 0 && !cand.Expiry.IsZero() {
		dte = int(time.Until(cand.Expiry).Hours() / 24)
	}
	opt.ProbabilityOfSuccess = successProbability(cand.Delta, dte, cfg)
	opt.DeltaDistanceFromTarget = math.Abs(math.Abs(cand.Delta) - cfg.TargetDelta)

	netCredit := opt.NetCredit.InexactFloat64()
	switch {
	case netCredit >= cfg.MinNetCredit:
		opt.Viable = true
	case netCredit < 0 && cfg.MaxNetDebit > 0 && -netCredit <= cfg.MaxNetDebit:
		opt.Viable = true
	case netCredit < 0:
		opt.RejectReason = fmt.Sprintf("net debit %s exceeds limit %.2f", opt.NetCredit.Abs(), cfg.MaxNetDebit)
	default:
		opt.RejectReason = fmt.Sprintf("net credit %s below floor %.2f", opt.NetCredit, cfg.MinNetCredit)
	}

	opt.Score = opt.ProbabilityOfSuccess*netCredit - cfg.DeltaPenaltyWeight*opt.DeltaDistanceFromTarget
	return opt
}

// timeValue strips put intrinsic value from an option price
func timeValue(price, strike, underlying decimal.Decimal) decimal.Decimal {
	if strike.IsZero() {
		return price
	}
	intrinsic := strike.Sub(underlying)
	if intrinsic.IsNegative() {
		intrinsic = decimal.Zero
	}
	return price.Sub(intrinsic)
}

// successProbability is the heuristic chance the rolled position expires
// favorably: the classic 1-|delta| estimate, shaded down as days-to-expiry
// strays from the target tenor.
func successProbability(delta float64, dte int, cfg config.RollConfig) float64 {
	base := 1 - math.Abs(delta)
	if base < 0 {
		base = 0
	}

	target := float64(cfg.TargetDTE)
	tenorPenalty := math.Abs(float64(dte)-target) / (3 * target)
	if tenorPenalty > 0.15 {
		tenorPenalty = 0.15
	}

	p := base * (1 - tenorPenalty)
	if p > 1 {
		p = 1
	}
	return p
}

// rankOptions orders viable candidates by score, breaking ties by lowest
// transaction cost and finally candidate ID so reruns are stable. Rejected
// candidates follow, ordered by ID, kept for audit and manual override.
func rankOptions(options []models.RollOption) {
	sort.SliceStable(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if a.Viable != b.Viable {
			return a.Viable
		}
		if !a.Viable {
			return a.Candidate.ID < b.Candidate.ID
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.TransactionCost.Equal(b.TransactionCost) {
			return a.TransactionCost.LessThan(b.TransactionCost)
		}
		return a.Candidate.ID < b.Candidate.ID
	})
}
