package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Version represents the config schema version for backward compatibility
const ConfigVersion = "1.0.0"

// Config represents the complete riskd configuration
type Config struct {
	Version     string `mapstructure:"version" yaml:"version" validate:"required"`
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	Server     ServerConfig     `mapstructure:"server" yaml:"server" validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis" validate:"required"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka" validate:"required"`
	MarketData MarketDataConfig `mapstructure:"marketdata" yaml:"marketdata" validate:"required"`
	Volatility VolatilityConfig `mapstructure:"volatility" yaml:"volatility" validate:"required"`
	Escalation EscalationConfig `mapstructure:"escalation" yaml:"escalation" validate:"required"`
	Roll       RollConfig       `mapstructure:"roll" yaml:"roll" validate:"required"`
	Breakers   BreakersConfig   `mapstructure:"breakers" yaml:"breakers" validate:"required"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch" validate:"required"`
	Audit      AuditConfig      `mapstructure:"audit" yaml:"audit" validate:"required"`
	Execution  ExecutionConfig  `mapstructure:"execution" yaml:"execution" validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging" validate:"required"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host                    string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port                    int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"required"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"required"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout" validate:"required"`
}

// RedisConfig holds the Redis mirror configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Address      string        `mapstructure:"address" yaml:"address" validate:"required"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db" validate:"min=0"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" validate:"min=1"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" validate:"min=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
}

// KafkaConfig holds the shared broker settings for audit and execution buses
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers" validate:"required,min=1"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout" validate:"required"`
	Compression    string        `mapstructure:"compression" yaml:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
	RequiredAcks   int           `mapstructure:"required_acks" yaml:"required_acks" validate:"min=-1,max=1"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
	ConsumerGroup  string        `mapstructure:"consumer_group" yaml:"consumer_group" validate:"required"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout" validate:"required"`
}

// MarketDataConfig holds the price feed configuration
type MarketDataConfig struct {
	WebsocketURL     string        `mapstructure:"websocket_url" yaml:"websocket_url"`
	Instruments      []string      `mapstructure:"instruments" yaml:"instruments"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff" validate:"required"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait" yaml:"max_reconnect_wait" validate:"required"`
	BarInterval      time.Duration `mapstructure:"bar_interval" yaml:"bar_interval" validate:"required"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"required"`
}

// VolatilityConfig holds the volatility engine configuration
type VolatilityConfig struct {
	DefaultPeriod   int           `mapstructure:"default_period" yaml:"default_period" validate:"required,min=2"`
	DefaultMethod   string        `mapstructure:"default_method" yaml:"default_method" validate:"required,oneof=simple exponential wilder"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"required"`
	FreshnessBound  time.Duration `mapstructure:"freshness_bound" yaml:"freshness_bound" validate:"required"`
	OutlierMultiple float64       `mapstructure:"outlier_multiple" yaml:"outlier_multiple" validate:"required,gt=1"`
	ConfidenceDecay float64       `mapstructure:"confidence_decay" yaml:"confidence_decay" validate:"required,gt=0,lte=1"`
	RedisMirror     bool          `mapstructure:"redis_mirror" yaml:"redis_mirror"`
}

// LevelConfig is one escalation level's thresholds and cadence
type LevelConfig struct {
	EnterMultiple float64       `mapstructure:"enter_multiple" yaml:"enter_multiple" validate:"min=0"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"required"`
}

// EscalationConfig holds the state machine thresholds.
// All four levels are hot-reloadable without restarting monitoring loops.
type EscalationConfig struct {
	Normal       LevelConfig `mapstructure:"normal" yaml:"normal" validate:"required"`
	Enhanced     LevelConfig `mapstructure:"enhanced" yaml:"enhanced" validate:"required"`
	Recovery     LevelConfig `mapstructure:"recovery" yaml:"recovery" validate:"required"`
	Preservation LevelConfig `mapstructure:"preservation" yaml:"preservation" validate:"required"`

	StopFraction         float64       `mapstructure:"stop_fraction" yaml:"stop_fraction" validate:"required,gt=0,lt=1"`
	HardStopFraction     float64       `mapstructure:"hard_stop_fraction" yaml:"hard_stop_fraction" validate:"required,gt=0,lt=1"`
	DeescalationDebounce time.Duration `mapstructure:"deescalation_debounce" yaml:"deescalation_debounce" validate:"required"`
	ConfidenceFloor      float64       `mapstructure:"confidence_floor" yaml:"confidence_floor" validate:"min=0,max=1"`
}

// RollConfig holds the roll decision engine economics
type RollConfig struct {
	TargetDelta        float64 `mapstructure:"target_delta" yaml:"target_delta" validate:"required,gt=0,lt=1"`
	DeltaBandLow       float64 `mapstructure:"delta_band_low" yaml:"delta_band_low" validate:"required,gt=0,lt=1"`
	DeltaBandHigh      float64 `mapstructure:"delta_band_high" yaml:"delta_band_high" validate:"required,gt=0,lt=1"`
	TargetDTE          int     `mapstructure:"target_dte" yaml:"target_dte" validate:"required,min=1"`
	MinNetCredit       float64 `mapstructure:"min_net_credit" yaml:"min_net_credit" validate:"min=0"`
	MaxNetDebit        float64 `mapstructure:"max_net_debit" yaml:"max_net_debit" validate:"min=0"`
	CommissionPerLeg   float64 `mapstructure:"commission_per_leg" yaml:"commission_per_leg" validate:"min=0"`
	RegulatoryFee      float64 `mapstructure:"regulatory_fee" yaml:"regulatory_fee" validate:"min=0"`
	DeltaPenaltyWeight float64 `mapstructure:"delta_penalty_weight" yaml:"delta_penalty_weight" validate:"min=0"`
}

// BreakerConfig is one circuit breaker's trigger and cooldown settings
type BreakerConfig struct {
	Threshold float64       `mapstructure:"threshold" yaml:"threshold" validate:"required,gt=0"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"required"`
	Actions   []string      `mapstructure:"actions" yaml:"actions" validate:"required,min=1,dive,oneof=halt_all_trading close_flagged_positions shrink_position_sizes emit_critical_alert run_diagnostics"`
}

// BreakersConfig holds all seven circuit breakers plus the observe cadence
type BreakersConfig struct {
	ObserveInterval  time.Duration `mapstructure:"observe_interval" yaml:"observe_interval" validate:"required"`
	PortfolioLoss    BreakerConfig `mapstructure:"portfolio_loss" yaml:"portfolio_loss" validate:"required"`
	PositionLoss     BreakerConfig `mapstructure:"position_loss" yaml:"position_loss" validate:"required"`
	VolatilitySpike  BreakerConfig `mapstructure:"volatility_spike" yaml:"volatility_spike" validate:"required"`
	VolumeAnomaly    BreakerConfig `mapstructure:"volume_anomaly" yaml:"volume_anomaly" validate:"required"`
	ErrorRate        BreakerConfig `mapstructure:"error_rate" yaml:"error_rate" validate:"required"`
	LiquidityDrop    BreakerConfig `mapstructure:"liquidity_drop" yaml:"liquidity_drop" validate:"required"`
	CorrelationShift BreakerConfig `mapstructure:"correlation_shift" yaml:"correlation_shift" validate:"required"`
}

// DispatchConfig holds the scheduler settings
type DispatchConfig struct {
	Workers           int           `mapstructure:"workers" yaml:"workers" validate:"required,min=1"`
	TickResolution    time.Duration `mapstructure:"tick_resolution" yaml:"tick_resolution" validate:"required"`
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout" yaml:"evaluation_timeout" validate:"required"`
}

// AuditConfig holds the audit sink publisher settings
type AuditConfig struct {
	Topic         string        `mapstructure:"topic" yaml:"topic" validate:"required"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"required,min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"required"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" validate:"required"`
}

// ExecutionConfig holds the execution collaborator bus settings
type ExecutionConfig struct {
	CommandTopic string `mapstructure:"command_topic" yaml:"command_topic" validate:"required"`
	AckTopic     string `mapstructure:"ack_topic" yaml:"ack_topic" validate:"required"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// setDefaults fills zero values with sane defaults before validation
func setDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = ConfigVersion
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.GracefulShutdownTimeout == 0 {
		cfg.Server.GracefulShutdownTimeout = 15 * time.Second
	}

	// Redis defaults
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 500 * time.Millisecond
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.BatchSize == 0 {
		cfg.Kafka.BatchSize = 1000
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.Kafka.Compression == "" {
		cfg.Kafka.Compression = "snappy"
	}
	if cfg.Kafka.RequiredAcks == 0 {
		cfg.Kafka.RequiredAcks = 1
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = 10 * time.Second
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "riskd"
	}
	if cfg.Kafka.SessionTimeout == 0 {
		cfg.Kafka.SessionTimeout = 10 * time.Second
	}

	// Market data defaults
	if cfg.MarketData.ReconnectBackoff == 0 {
		cfg.MarketData.ReconnectBackoff = time.Second
	}
	if cfg.MarketData.MaxReconnectWait == 0 {
		cfg.MarketData.MaxReconnectWait = 30 * time.Second
	}
	if cfg.MarketData.BarInterval == 0 {
		cfg.MarketData.BarInterval = time.Minute
	}
	if cfg.MarketData.ReadTimeout == 0 {
		cfg.MarketData.ReadTimeout = 30 * time.Second
	}

	// Volatility defaults
	if cfg.Volatility.DefaultPeriod == 0 {
		cfg.Volatility.DefaultPeriod = 14
	}
	if cfg.Volatility.DefaultMethod == "" {
		cfg.Volatility.DefaultMethod = "wilder"
	}
	if cfg.Volatility.CacheTTL == 0 {
		cfg.Volatility.CacheTTL = 30 * time.Second
	}
	if cfg.Volatility.FreshnessBound == 0 {
		cfg.Volatility.FreshnessBound = 5 * time.Minute
	}
	if cfg.Volatility.OutlierMultiple == 0 {
		cfg.Volatility.OutlierMultiple = 3.0
	}
	if cfg.Volatility.ConfidenceDecay == 0 {
		cfg.Volatility.ConfidenceDecay = 0.8
	}

	// Escalation defaults: the four-level table
	if cfg.Escalation.Normal.Interval == 0 {
		cfg.Escalation.Normal.Interval = 5 * time.Minute
	}
	if cfg.Escalation.Enhanced.EnterMultiple == 0 {
		cfg.Escalation.Enhanced.EnterMultiple = 1.0
	}
	if cfg.Escalation.Enhanced.Interval == 0 {
		cfg.Escalation.Enhanced.Interval = time.Minute
	}
	if cfg.Escalation.Recovery.EnterMultiple == 0 {
		cfg.Escalation.Recovery.EnterMultiple = 2.0
	}
	if cfg.Escalation.Recovery.Interval == 0 {
		cfg.Escalation.Recovery.Interval = 30 * time.Second
	}
	if cfg.Escalation.Preservation.EnterMultiple == 0 {
		cfg.Escalation.Preservation.EnterMultiple = 3.0
	}
	if cfg.Escalation.Preservation.Interval == 0 {
		// event-driven level, the interval only bounds how long a wakeup may lag
		cfg.Escalation.Preservation.Interval = time.Second
	}
	if cfg.Escalation.StopFraction == 0 {
		cfg.Escalation.StopFraction = 0.25
	}
	if cfg.Escalation.HardStopFraction == 0 {
		cfg.Escalation.HardStopFraction = 0.50
	}
	if cfg.Escalation.DeescalationDebounce == 0 {
		cfg.Escalation.DeescalationDebounce = 2 * time.Minute
	}
	if cfg.Escalation.ConfidenceFloor == 0 {
		cfg.Escalation.ConfidenceFloor = 0.5
	}

	// Roll defaults
	if cfg.Roll.TargetDelta == 0 {
		cfg.Roll.TargetDelta = 0.25
	}
	if cfg.Roll.DeltaBandLow == 0 {
		cfg.Roll.DeltaBandLow = 0.15
	}
	if cfg.Roll.DeltaBandHigh == 0 {
		cfg.Roll.DeltaBandHigh = 0.35
	}
	if cfg.Roll.TargetDTE == 0 {
		cfg.Roll.TargetDTE = 30
	}
	if cfg.Roll.MinNetCredit == 0 {
		cfg.Roll.MinNetCredit = 0.05
	}
	if cfg.Roll.MaxNetDebit == 0 {
		cfg.Roll.MaxNetDebit = 0.10
	}
	if cfg.Roll.CommissionPerLeg == 0 {
		cfg.Roll.CommissionPerLeg = 0.65
	}
	if cfg.Roll.RegulatoryFee == 0 {
		cfg.Roll.RegulatoryFee = 0.02
	}
	if cfg.Roll.DeltaPenaltyWeight == 0 {
		cfg.Roll.DeltaPenaltyWeight = 1.0
	}

	// Breaker defaults
	if cfg.Breakers.ObserveInterval == 0 {
		cfg.Breakers.ObserveInterval = time.Second
	}
	setBreakerDefaults(&cfg.Breakers.PortfolioLoss, 0.05, 5*time.Minute, "halt_all_trading", "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.PositionLoss, 0.40, 5*time.Minute, "close_flagged_positions", "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.VolatilitySpike, 3.0, 30*time.Minute, "shrink_position_sizes", "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.VolumeAnomaly, 5.0, 15*time.Minute, "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.ErrorRate, 0.10, 10*time.Minute, "run_diagnostics", "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.LiquidityDrop, 0.50, 15*time.Minute, "shrink_position_sizes", "emit_critical_alert")
	setBreakerDefaults(&cfg.Breakers.CorrelationShift, 0.60, 30*time.Minute, "emit_critical_alert", "run_diagnostics")

	// Dispatch defaults
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.TickResolution == 0 {
		cfg.Dispatch.TickResolution = 100 * time.Millisecond
	}
	if cfg.Dispatch.EvaluationTimeout == 0 {
		cfg.Dispatch.EvaluationTimeout = 10 * time.Second
	}

	// Audit defaults
	if cfg.Audit.Topic == "" {
		cfg.Audit.Topic = "risk.audit"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 4096
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = time.Second
	}
	if cfg.Audit.RetryBackoff == 0 {
		cfg.Audit.RetryBackoff = 5 * time.Second
	}

	// Execution defaults
	if cfg.Execution.CommandTopic == "" {
		cfg.Execution.CommandTopic = "risk.commands"
	}
	if cfg.Execution.AckTopic == "" {
		cfg.Execution.AckTopic = "risk.acks"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Tracing defaults
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "riskd"
	}
}

func setBreakerDefaults(b *BreakerConfig, threshold float64, cooldown time.Duration, actions ...string) {
	if b.Threshold == 0 {
		b.Threshold = threshold
	}
	if b.Cooldown == 0 {
		b.Cooldown = cooldown
	}
	if len(b.Actions) == 0 {
		b.Actions = actions
	}
}

// validateCustomRules enforces cross-field invariants the tag validator cannot express
func validateCustomRules(cfg *Config) error {
	esc := cfg.Escalation
	if !(esc.Enhanced.EnterMultiple < esc.Recovery.EnterMultiple &&
		esc.Recovery.EnterMultiple < esc.Preservation.EnterMultiple) {
		return fmt.Errorf("escalation thresholds must be strictly increasing: enhanced=%.2f recovery=%.2f preservation=%.2f",
			esc.Enhanced.EnterMultiple, esc.Recovery.EnterMultiple, esc.Preservation.EnterMultiple)
	}
	if esc.StopFraction >= esc.HardStopFraction {
		return fmt.Errorf("stop_fraction %.3f must be below hard_stop_fraction %.3f",
			esc.StopFraction, esc.HardStopFraction)
	}
	if !(esc.Normal.Interval > esc.Enhanced.Interval && esc.Enhanced.Interval > esc.Recovery.Interval) {
		return fmt.Errorf("monitoring intervals must tighten with severity")
	}

	if !(cfg.Roll.DeltaBandLow < cfg.Roll.TargetDelta && cfg.Roll.TargetDelta < cfg.Roll.DeltaBandHigh) {
		return fmt.Errorf("target delta %.3f must sit inside the band [%.3f, %.3f]",
			cfg.Roll.TargetDelta, cfg.Roll.DeltaBandLow, cfg.Roll.DeltaBandHigh)
	}

	if cfg.Breakers.ObserveInterval > 10*time.Second {
		return fmt.Errorf("breaker observe_interval %s too coarse, breakers must react within seconds",
			cfg.Breakers.ObserveInterval)
	}

	if cfg.Environment == "production" && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("production requires a reachable audit broker")
	}

	return nil
}

// Dump renders the effective configuration as YAML for the ops surface
// and reload audit events.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}
