package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

func newLogOnlyBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(config.KafkaConfig{}, config.ExecutionConfig{
		CommandTopic: "risk.commands",
		AckTopic:     "risk.acks",
	}, zaptest.NewLogger(t))
}

func TestBus_SendWithoutBrokerLogsOnly(t *testing.T) {
	b := newLogOnlyBus(t)

	posID := uuid.New()
	err := b.Send(context.Background(), models.ActionCommand{
		ID:         uuid.New(),
		Type:       models.CmdClosePosition,
		PositionID: &posID,
		Instrument: "ES-4800P",
		Reason:     models.ReasonForcedExit,
		IssuedAt:   time.Now().UTC(),
	})
	assert.NoError(t, err)
}

func TestBus_SendValidatesTypeAndReason(t *testing.T) {
	b := newLogOnlyBus(t)

	err := b.Send(context.Background(), models.ActionCommand{
		ID:       uuid.New(),
		Reason:   models.ReasonHardStop,
		IssuedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a type and a reason")

	err = b.Send(context.Background(), models.ActionCommand{
		ID:       uuid.New(),
		Type:     models.CmdHaltAll,
		IssuedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a type and a reason")
}

func TestBus_AcksStreamIsAlwaysAvailable(t *testing.T) {
	b := newLogOnlyBus(t)
	require.NotNil(t, b.Acks())
	select {
	case <-b.Acks():
		t.Fatal("no acks expected without a broker")
	default:
	}
}

func TestBus_StartStopWithoutBroker(t *testing.T) {
	b := newLogOnlyBus(t)
	require.NoError(t, b.Start(context.Background()))
	b.Stop()
	b.Stop() // idempotent
}
