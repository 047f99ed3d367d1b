// Package marketdata ingests the price feed and serves bar history to the
// volatility engine. Feed gaps and duplicates are tracked as quality signals,
// never treated as fatal.
package marketdata

import (
	"context"
	"time"

	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// BarSource serves recent price bars for an instrument. Sources are tried in
// priority order (lowest value first) and skipped while unhealthy.
type BarSource interface {
	// GetBars returns up to limit most recent bars, oldest first.
	GetBars(ctx context.Context, instrument string, limit int) ([]models.PriceBar, error)
	GetName() string
	GetPriority() int
	IsHealthy() bool
}

// FeedQuality tracks per-instrument feed health consumed by monitoring and
// the ops state endpoint.
type FeedQuality struct {
	Instrument     string        `json:"instrument"`
	Source         string        `json:"source"`
	UpdateRate     float64       `json:"update_rate"` // ticks per second over the sample window
	GapCount       int64         `json:"gap_count"`
	DuplicateCount int64         `json:"duplicate_count"`
	OutOfOrder     int64         `json:"out_of_order"`
	DataFreshness  time.Duration `json:"data_freshness"`
	LastTick       time.Time     `json:"last_tick"`
	IsHealthy      bool          `json:"is_healthy"`
	LastError      string        `json:"last_error,omitempty"`
}

// ConnectionStatus represents feed connection health
type ConnectionStatus struct {
	Connected      bool          `json:"connected"`
	LastPing       time.Time     `json:"last_ping"`
	LastMessage    time.Time     `json:"last_message"`
	Latency        time.Duration `json:"latency"`
	ReconnectCount int           `json:"reconnect_count"`
	ErrorCount     int           `json:"error_count"`
	LastError      string        `json:"last_error,omitempty"`
}
