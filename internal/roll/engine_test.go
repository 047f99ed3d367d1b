package roll

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pincex_risk/internal/config"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

func testRollCfg() config.RollConfig {
	return config.RollConfig{
		TargetDelta:        0.25,
		DeltaBandLow:       0.15,
		DeltaBandHigh:      0.35,
		TargetDTE:          30,
		MinNetCredit:       0.05,
		MaxNetDebit:        0.10,
		CommissionPerLeg:   0.65,
		RegulatoryFee:      0.02,
		DeltaPenaltyWeight: 1.0,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(testRollCfg(), zaptest.NewLogger(t))
}

func testPosition() models.Position {
	return models.Position{
		ID:           uuid.New(),
		Instrument:   "ES-4850P",
		AccountRef:   "acct-1",
		Strategy:     models.StrategyShortPremium,
		EntryPrice:   decimal.NewFromInt(5),
		CurrentPrice: decimal.NewFromInt(3),
		Quantity:     decimal.NewFromInt(10),
		Strike:       decimal.NewFromInt(4850),
		OptionDelta:  -0.40,
	}
}

func testSnapshot() models.MarketSnapshot {
	return models.MarketSnapshot{
		UnderlyingPrice: decimal.NewFromInt(5000),
		ImpliedVol:      0.22,
		Timestamp:       time.Now().UTC(),
	}
}

func candidate(id string, bid, ask float64) models.RollCandidate {
	return models.RollCandidate{
		ID:           id,
		Instrument:   "ES-4800P",
		Strike:       decimal.NewFromInt(4800),
		DaysToExpiry: 30,
		Bid:          decimal.NewFromFloat(bid),
		Ask:          decimal.NewFromFloat(ask),
		Delta:        -0.25,
		ImpliedVol:   0.24,
		OpenInterest: 1200,
		Volume:       300,
	}
}

func TestUrgency_FromCurrentDelta(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		delta float64
		want  models.RollUrgency
	}{
		{0.72, models.UrgencyEmergency},
		{-0.80, models.UrgencyEmergency},
		{0.55, models.UrgencyHigh},
		{0.50, models.UrgencyHigh},
		{-0.40, models.UrgencyMedium},
		{0.35, models.UrgencyLow},
		{0.10, models.UrgencyLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.Urgency(tc.delta), "delta %.2f", tc.delta)
	}
}

func TestAnalyzeRoll_CandidateEconomics(t *testing.T) {
	e := newTestEngine(t)
	pos := testPosition()

	analysis, err := e.AnalyzeRoll(pos, []models.RollCandidate{candidate("cand-a", 4.90, 5.10)}, testSnapshot())
	require.NoError(t, err)

	require.Len(t, analysis.Ranked, 1)
	opt := analysis.Ranked[0]

	// Two legs at 0.65 each, half the 0.20 spread, 0.02 regulatory fee
	assert.True(t, opt.TransactionCost.Equal(decimal.NewFromFloat(1.42)), "got %s", opt.TransactionCost)
	// Mid 5.00 against the 3.00 basis, less costs
	assert.True(t, opt.NetCredit.Equal(decimal.NewFromFloat(0.58)), "got %s", opt.NetCredit)
	// Both strikes are out of the money, so time value is the full premium
	assert.True(t, opt.TimeValueDiff.Equal(decimal.NewFromInt(2)), "got %s", opt.TimeValueDiff)
	assert.InDelta(t, 0.75, opt.ProbabilityOfSuccess, 1e-9)
	assert.InDelta(t, 0.0, opt.DeltaDistanceFromTarget, 1e-9)
	assert.InDelta(t, 0.435, opt.Score, 1e-9)
	assert.True(t, opt.Viable)

	require.NotNil(t, analysis.Recommendation)
	assert.Equal(t, "cand-a", analysis.Recommendation.Candidate.ID)
	assert.Equal(t, models.UrgencyMedium, analysis.Urgency)
	assert.Equal(t, pos.ID, analysis.PositionID)
	assert.NotEqual(t, uuid.Nil, analysis.ID)
}

func TestAnalyzeRoll_StripsPutIntrinsicFromTimeValue(t *testing.T) {
	e := newTestEngine(t)

	deep := candidate("cand-itm", 14.90, 15.10)
	deep.Strike = decimal.NewFromInt(5010)

	analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{deep}, testSnapshot())
	require.NoError(t, err)

	// Candidate mid 15.00 carries 10.00 of intrinsic at strike 5010 over a
	// 5000 underlying; the position's 3.00 premium is all time value
	require.Len(t, analysis.Ranked, 1)
	assert.True(t, analysis.Ranked[0].TimeValueDiff.Equal(decimal.NewFromInt(2)),
		"got %s", analysis.Ranked[0].TimeValueDiff)
}

func TestAnalyzeRoll_RankingAndTieBreaks(t *testing.T) {
	e := newTestEngine(t)

	// Identical economics tie-break by ID; the wide spread ranks below; the
	// deep debit fails the floors and goes last with its reason kept.
	a2 := candidate("cand-a2", 4.90, 5.10)
	wide := candidate("cand-b", 4.80, 5.20)
	debit := candidate("cand-z", 1.00, 1.20)
	a1 := candidate("cand-a1", 4.90, 5.10)

	analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{wide, a2, debit, a1}, testSnapshot())
	require.NoError(t, err)

	require.Len(t, analysis.Ranked, 4)
	assert.Equal(t, "cand-a1", analysis.Ranked[0].Candidate.ID)
	assert.Equal(t, "cand-a2", analysis.Ranked[1].Candidate.ID)
	assert.Equal(t, "cand-b", analysis.Ranked[2].Candidate.ID)
	assert.InDelta(t, 0.36, analysis.Ranked[2].Score, 1e-9)

	last := analysis.Ranked[3]
	assert.Equal(t, "cand-z", last.Candidate.ID)
	assert.False(t, last.Viable)
	assert.Contains(t, last.RejectReason, "net debit")

	require.NotNil(t, analysis.Recommendation)
	assert.Equal(t, "cand-a1", analysis.Recommendation.Candidate.ID)
}

func TestAnalyzeRoll_NoViableCandidate(t *testing.T) {
	e := newTestEngine(t)

	t.Run("all candidates fail the floors", func(t *testing.T) {
		// Net credit 0.03 sits between zero and the 0.05 floor
		thin := candidate("cand-thin", 4.35, 4.55)
		debit := candidate("cand-debit", 1.00, 1.20)

		analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{thin, debit}, testSnapshot())
		require.NoError(t, err)

		assert.Nil(t, analysis.Recommendation)
		assert.Contains(t, analysis.Reason, NoViableCandidate)
		require.Len(t, analysis.Ranked, 2)
		assert.Equal(t, "cand-debit", analysis.Ranked[0].Candidate.ID, "rejected candidates order by ID")
		assert.Contains(t, analysis.Ranked[0].RejectReason, "exceeds limit")
		assert.Contains(t, analysis.Ranked[1].RejectReason, "below floor")
	})

	t.Run("empty candidate list", func(t *testing.T) {
		analysis, err := e.AnalyzeRoll(testPosition(), nil, testSnapshot())
		require.NoError(t, err)
		assert.Nil(t, analysis.Recommendation)
		assert.Contains(t, analysis.Reason, NoViableCandidate)
	})
}

func TestAnalyzeRoll_SmallDebitWithinLimitIsViable(t *testing.T) {
	e := newTestEngine(t)

	// Mid 4.37 nets to a 0.05 debit, inside the 0.10 allowance
	cand := candidate("cand-debit-ok", 4.27, 4.47)
	analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{cand}, testSnapshot())
	require.NoError(t, err)

	require.Len(t, analysis.Ranked, 1)
	opt := analysis.Ranked[0]
	assert.True(t, opt.NetCredit.Equal(decimal.NewFromFloat(-0.05)), "got %s", opt.NetCredit)
	assert.True(t, opt.Viable)
	require.NotNil(t, analysis.Recommendation)
}

func TestAnalyzeRoll_InvalidQuotes(t *testing.T) {
	e := newTestEngine(t)

	crossed := candidate("cand-crossed", 5.00, 4.90)
	negative := candidate("cand-negative", -0.10, 0.10)

	analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{crossed, negative}, testSnapshot())
	require.NoError(t, err)

	assert.Nil(t, analysis.Recommendation)
	for _, opt := range analysis.Ranked {
		assert.False(t, opt.Viable)
		assert.Contains(t, opt.RejectReason, "invalid quote")
	}
}

func TestAnalyzeRoll_TenorShadesProbability(t *testing.T) {
	e := newTestEngine(t)

	t.Run("explicit days to expiry", func(t *testing.T) {
		far := candidate("cand-far", 4.90, 5.10)
		far.DaysToExpiry = 90

		analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{far}, testSnapshot())
		require.NoError(t, err)
		// Penalty capped at 0.15: 0.75 * 0.85
		assert.InDelta(t, 0.6375, analysis.Ranked[0].ProbabilityOfSuccess, 1e-9)
	})

	t.Run("derived from expiry timestamp", func(t *testing.T) {
		far := candidate("cand-exp", 4.90, 5.10)
		far.DaysToExpiry = 0
		far.Expiry = time.Now().UTC().Add(60 * 24 * time.Hour)

		analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{far}, testSnapshot())
		require.NoError(t, err)
		assert.InDelta(t, 0.6375, analysis.Ranked[0].ProbabilityOfSuccess, 1e-9)
	})
}

func TestAnalyzeRoll_Validation(t *testing.T) {
	e := newTestEngine(t)

	pos := testPosition()
	pos.ID = uuid.Nil
	_, err := e.AnalyzeRoll(pos, nil, testSnapshot())
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = e.AnalyzeRoll(testPosition(), nil, models.MarketSnapshot{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestUpdateConfig_RaisesCreditFloor(t *testing.T) {
	e := newTestEngine(t)

	cfg := testRollCfg()
	cfg.MinNetCredit = 1.0
	cfg.MaxNetDebit = 0
	e.UpdateConfig(cfg)

	analysis, err := e.AnalyzeRoll(testPosition(), []models.RollCandidate{candidate("cand-a", 4.90, 5.10)}, testSnapshot())
	require.NoError(t, err)
	assert.Nil(t, analysis.Recommendation, "0.58 credit no longer clears the raised floor")
	assert.Contains(t, analysis.Reason, NoViableCandidate)
}
