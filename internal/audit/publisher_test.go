package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

func newLogOnlyPublisher(t *testing.T, bufferSize int) *Publisher {
	t.Helper()
	return NewPublisher(config.KafkaConfig{}, config.AuditConfig{
		Topic:         "risk.audit",
		BufferSize:    bufferSize,
		FlushInterval: time.Hour, // flush driven by hand via drain
		RetryBackoff:  time.Second,
	}, zaptest.NewLogger(t))
}

func TestPublisher_WrapsAndBuffersEvents(t *testing.T) {
	p := newLogOnlyPublisher(t, 16)
	ctx := context.Background()

	posID := uuid.New()
	p.PublishBreach(ctx, models.BreachEvent{
		ID:                   uuid.New(),
		PositionID:           posID,
		Instrument:           "ES-4800P",
		MultipleOfVolatility: 2.0,
		LossFraction:         0.04,
		Boundary:             2.0,
		ObservedAt:           time.Now().UTC(),
	})
	p.PublishCommand(ctx, models.ActionCommand{
		ID:       uuid.New(),
		Type:     models.CmdHaltAll,
		Reason:   models.ReasonBreakerTrip,
		IssuedAt: time.Now().UTC(),
	})
	p.PublishVolatilityFailure(ctx, "ES-4800P", errors.New("all sources unavailable"))

	msgs := p.drain()
	require.Len(t, msgs, 3)

	var breach Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &breach))
	assert.Equal(t, EventBreach, breach.Type)
	assert.Equal(t, posID.String(), breach.Key)
	assert.Equal(t, []byte(posID.String()), msgs[0].Key)
	assert.NotEqual(t, uuid.Nil, breach.ID)
	assert.False(t, breach.Timestamp.IsZero())

	var gotBreach models.BreachEvent
	require.NoError(t, json.Unmarshal(breach.Payload, &gotBreach))
	assert.Equal(t, posID, gotBreach.PositionID)
	assert.Equal(t, 2.0, gotBreach.Boundary)

	var cmd Event
	require.NoError(t, json.Unmarshal(msgs[1].Value, &cmd))
	assert.Equal(t, EventCommand, cmd.Type)
	assert.Equal(t, string(models.CmdHaltAll), cmd.Key)

	var volFail Event
	require.NoError(t, json.Unmarshal(msgs[2].Value, &volFail))
	assert.Equal(t, EventVolatilityFailure, volFail.Type)
	assert.Equal(t, "ES-4800P", volFail.Key)
	assert.Contains(t, string(volFail.Payload), "all sources unavailable")

	assert.Empty(t, p.drain(), "drain consumes the buffer")
}

func TestPublisher_FullBufferFallsBackToLocalLog(t *testing.T) {
	p := newLogOnlyPublisher(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.PublishConfigReload(ctx, "1.0.0", "development")
	}

	// one event fit, the overflow went to the log instead of blocking
	assert.Len(t, p.drain(), 1)
}

func TestPublisher_StartStopWithoutSink(t *testing.T) {
	p := NewPublisher(config.KafkaConfig{}, config.AuditConfig{
		Topic:         "risk.audit",
		BufferSize:    16,
		FlushInterval: 5 * time.Millisecond,
		RetryBackoff:  5 * time.Millisecond,
	}, zaptest.NewLogger(t))

	require.NoError(t, p.Start(context.Background()))

	p.PublishEscalation(context.Background(), models.EscalationRecord{
		ID:         uuid.New(),
		PositionID: uuid.New(),
		FromLevel:  models.LevelNormal,
		ToLevel:    models.LevelEnhanced,
		Reason:     "volatility multiple 1.20 crossed enhanced boundary 1.00",
		Timestamp:  time.Now().UTC(),
	})

	// Stop drains the buffer and logs the batch, then returns
	p.Stop()
	assert.Empty(t, p.drain())
}

func TestPublisher_BreakerTransitionKeyedByType(t *testing.T) {
	p := newLogOnlyPublisher(t, 4)

	now := time.Now().UTC()
	p.PublishBreakerTransition(context.Background(), models.CircuitBreakerState{
		BreakerType:  models.BreakerPortfolioLoss,
		Armed:        false,
		TriggeredAt:  &now,
		TriggerCount: 1,
	}, models.TriggerResult{
		BreakerType: models.BreakerPortfolioLoss,
		Triggered:   true,
		Value:       0.07,
		Threshold:   0.05,
		ObservedAt:  now,
	})

	msgs := p.drain()
	require.Len(t, msgs, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, EventBreakerTransition, ev.Type)
	assert.Equal(t, string(models.BreakerPortfolioLoss), ev.Key)
	assert.Contains(t, string(ev.Payload), `"triggered":true`)
}
