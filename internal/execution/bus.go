// Package execution carries discrete action commands to the external
// execution collaborator and consumes its acknowledgements. The core never
// depends on execution success beyond the ack or failure signal.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// Bus is the command/ack bridge to the execution collaborator. Without
// brokers configured it logs commands locally, which keeps development and
// tests runnable.
type Bus struct {
	logger *zap.Logger
	writer *kafka.Writer
	reader *kafka.Reader

	acks chan models.CommandAck

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBus builds the execution bus from the shared broker settings
func NewBus(kcfg config.KafkaConfig, ecfg config.ExecutionConfig, logger *zap.Logger) *Bus {
	b := &Bus{
		logger:   logger.Named("execution"),
		acks:     make(chan models.CommandAck, 256),
		stopChan: make(chan struct{}),
	}

	if len(kcfg.Brokers) > 0 {
		b.writer = &kafka.Writer{
			Addr:         kafka.TCP(kcfg.Brokers...),
			Topic:        ecfg.CommandTopic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    1,
			BatchTimeout: time.Millisecond,
			WriteTimeout: kcfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(kcfg.RequiredAcks),
		}
		b.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  kcfg.Brokers,
			Topic:    ecfg.AckTopic,
			GroupID:  kcfg.ConsumerGroup,
			MinBytes: 1,
			MaxBytes: 10e6,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Named("execution").Error(fmt.Sprintf(msg, args...))
			}),
		})
	}
	return b
}

// Start launches the ack consumer
func (b *Bus) Start(ctx context.Context) error {
	if b.reader != nil {
		b.wg.Add(1)
		go b.ackLoop(ctx)
	}
	b.logger.Info("Execution bus started", zap.Bool("broker_configured", b.writer != nil))
	return nil
}

// Stop closes the bus
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			b.logger.Error("Failed to close ack reader", zap.Error(err))
		}
	}
	b.wg.Wait()
	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			b.logger.Error("Failed to close command writer", zap.Error(err))
		}
	}
	b.logger.Info("Execution bus stopped")
}

// Send publishes one command. Commands carry a reason code and are written
// synchronously; a halt must not sit in an async batch.
func (b *Bus) Send(ctx context.Context, cmd models.ActionCommand) error {
	if cmd.Type == "" || cmd.Reason == "" {
		return fmt.Errorf("command needs a type and a reason, got type=%q reason=%q", cmd.Type, cmd.Reason)
	}

	metrics.CommandsEmitted.WithLabelValues(string(cmd.Type), cmd.Reason).Inc()

	key := string(cmd.Type)
	if cmd.PositionID != nil {
		key = cmd.PositionID.String()
	}

	fields := []zap.Field{
		zap.String("command_id", cmd.ID.String()),
		zap.String("type", string(cmd.Type)),
		zap.String("reason", cmd.Reason),
	}
	if cmd.PositionID != nil {
		fields = append(fields, zap.String("position_id", cmd.PositionID.String()))
	}

	if b.writer == nil {
		b.logger.Info("Command emitted (no broker, logged only)", fields...)
		return nil
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  cmd.IssuedAt,
	}); err != nil {
		return fmt.Errorf("failed to publish command %s: %w", cmd.ID, err)
	}

	b.logger.Info("Command emitted", fields...)
	return nil
}

// Acks exposes the acknowledgement stream
func (b *Bus) Acks() <-chan models.CommandAck {
	return b.acks
}

// ackLoop consumes acknowledgements from the collaborator
func (b *Bus) ackLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-b.stopChan:
				return
			default:
			}
			b.logger.Warn("Failed to read ack", zap.Error(err))
			continue
		}

		var ack models.CommandAck
		if err := json.Unmarshal(msg.Value, &ack); err != nil {
			b.logger.Warn("Malformed ack", zap.ByteString("value", msg.Value), zap.Error(err))
			continue
		}

		if !ack.Accepted {
			b.logger.Error("Command rejected by execution collaborator",
				zap.String("command_id", ack.CommandID.String()),
				zap.String("error", ack.Error))
		}

		select {
		case b.acks <- ack:
		default:
			// A slow ack consumer never blocks the read loop.
		}
	}
}
