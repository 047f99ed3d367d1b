// Package audit emits immutable, timestamped records for every breach,
// escalation, roll analysis, breaker transition and issued command. Events
// are enqueued before the action they describe executes; sink failures
// never block evaluation. Buffer-and-retry, never drop silently.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// EventType tags the audit record payload
type EventType string

const (
	EventBreach            EventType = "breach_event"
	EventEscalation        EventType = "escalation_record"
	EventRollAnalysis      EventType = "roll_analysis"
	EventBreakerTransition EventType = "breaker_transition"
	EventCommand           EventType = "command_issued"
	EventConfigReload      EventType = "config_reloaded"
	EventVolatilityFailure EventType = "volatility_failure"
)

// Event is the immutable envelope written to the audit topic
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher buffers audit events and flushes them to Kafka in batches.
// With no writer configured it degrades to structured local logging.
type Publisher struct {
	logger *zap.Logger
	writer *kafka.Writer
	cfg    config.AuditConfig

	events chan Event

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPublisher builds the audit publisher. An empty broker list leaves the
// writer nil and events go to the local log only.
func NewPublisher(kcfg config.KafkaConfig, acfg config.AuditConfig, logger *zap.Logger) *Publisher {
	p := &Publisher{
		logger:   logger.Named("audit"),
		cfg:      acfg,
		events:   make(chan Event, acfg.BufferSize),
		stopChan: make(chan struct{}),
	}

	if len(kcfg.Brokers) > 0 {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(kcfg.Brokers...),
			Topic:        acfg.Topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    kcfg.BatchSize,
			BatchTimeout: kcfg.BatchTimeout,
			WriteTimeout: kcfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(kcfg.RequiredAcks),
			Compression:  compressionCodec(kcfg.Compression),
		}
	}
	return p
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Snappy
	}
}

// Start launches the flush loop
func (p *Publisher) Start(ctx context.Context) error {
	p.wg.Add(1)
	go p.flushLoop()
	p.logger.Info("Audit publisher started",
		zap.String("topic", p.cfg.Topic),
		zap.Int("buffer_size", p.cfg.BufferSize),
		zap.Bool("sink_configured", p.writer != nil))
	return nil
}

// Stop flushes what it can and closes the writer
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.logger.Error("Failed to close audit writer", zap.Error(err))
		}
	}
	p.logger.Info("Audit publisher stopped")
}

// publish wraps the payload and enqueues it. A full buffer falls back to
// the local log so the record is never silently lost.
func (p *Publisher) publish(typ EventType, key string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal audit payload",
			zap.String("type", string(typ)),
			zap.Error(err))
		return
	}

	ev := Event{
		ID:        uuid.New(),
		Type:      typ,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}

	select {
	case p.events <- ev:
		metrics.AuditBufferDepth.Set(float64(len(p.events)))
	default:
		metrics.AuditPublishFailures.Inc()
		p.logger.Error("Audit buffer full, event logged locally",
			zap.String("type", string(typ)),
			zap.String("key", key),
			zap.ByteString("payload", data))
	}
}

// PublishBreach records a boundary crossing
func (p *Publisher) PublishBreach(ctx context.Context, ev models.BreachEvent) {
	p.publish(EventBreach, ev.PositionID.String(), ev)
}

// PublishEscalation records a level transition. Callers emit this before
// executing any auto-action.
func (p *Publisher) PublishEscalation(ctx context.Context, rec models.EscalationRecord) {
	p.publish(EventEscalation, rec.PositionID.String(), rec)
}

// PublishRollAnalysis records a roll decision artifact
func (p *Publisher) PublishRollAnalysis(ctx context.Context, ra models.RollAnalysis) {
	p.publish(EventRollAnalysis, ra.PositionID.String(), ra)
}

// breakerTransition pairs the state with the observation that moved it
type breakerTransition struct {
	State  models.CircuitBreakerState `json:"state"`
	Result models.TriggerResult       `json:"result"`
}

// PublishBreakerTransition records a breaker state change or a breach
// observed during cooldown.
func (p *Publisher) PublishBreakerTransition(ctx context.Context, state models.CircuitBreakerState, result models.TriggerResult) {
	p.publish(EventBreakerTransition, string(state.BreakerType), breakerTransition{State: state, Result: result})
}

// PublishCommand records a command handed to the execution collaborator
func (p *Publisher) PublishCommand(ctx context.Context, cmd models.ActionCommand) {
	p.publish(EventCommand, string(cmd.Type), cmd)
}

type configReload struct {
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// PublishConfigReload records a hot reload of the configuration surface
func (p *Publisher) PublishConfigReload(ctx context.Context, version, environment string) {
	p.publish(EventConfigReload, "config", configReload{Version: version, Environment: environment})
}

type volatilityFailure struct {
	Instrument string `json:"instrument"`
	Error      string `json:"error"`
}

// PublishVolatilityFailure records a total source failure. These are always
// surfaced, never swallowed.
func (p *Publisher) PublishVolatilityFailure(ctx context.Context, instrument string, err error) {
	p.publish(EventVolatilityFailure, instrument, volatilityFailure{Instrument: instrument, Error: err.Error()})
}

// flushLoop drains the buffer on a ticker. Failed batches are retained and
// retried after the backoff; shutdown dumps anything unsendable to the log.
func (p *Publisher) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []kafka.Message
	var nextAttempt time.Time

	for {
		select {
		case <-ticker.C:
			pending = append(pending, p.drain()...)
			metrics.AuditBufferDepth.Set(float64(len(p.events)))

			if len(pending) == 0 || time.Now().Before(nextAttempt) {
				continue
			}
			if err := p.write(pending); err != nil {
				metrics.AuditPublishFailures.Inc()
				nextAttempt = time.Now().Add(p.cfg.RetryBackoff)
				p.logger.Error("Audit flush failed, retrying",
					zap.Int("pending", len(pending)),
					zap.Duration("backoff", p.cfg.RetryBackoff),
					zap.Error(err))
				continue
			}
			pending = nil

		case <-p.stopChan:
			pending = append(pending, p.drain()...)
			if len(pending) == 0 {
				return
			}
			if err := p.write(pending); err != nil {
				p.logger.Error("Audit sink unreachable at shutdown, dumping events locally",
					zap.Int("count", len(pending)),
					zap.Error(err))
				for _, msg := range pending {
					p.logger.Error("Unflushed audit event",
						zap.ByteString("key", msg.Key),
						zap.ByteString("event", msg.Value))
				}
			}
			return
		}
	}
}

// drain empties the channel without blocking
func (p *Publisher) drain() []kafka.Message {
	var out []kafka.Message
	for {
		select {
		case ev := <-p.events:
			data, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("Failed to marshal audit event", zap.Error(err))
				continue
			}
			out = append(out, kafka.Message{
				Key:   []byte(ev.Key),
				Value: data,
				Time:  ev.Timestamp,
			})
		default:
			return out
		}
	}
}

// write sends one batch, or logs it when running without a sink
func (p *Publisher) write(batch []kafka.Message) error {
	if p.writer == nil {
		for _, msg := range batch {
			p.logger.Info("Audit event",
				zap.ByteString("key", msg.Key),
				zap.ByteString("event", msg.Value))
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushInterval+5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, batch...)
}
