package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/pkg/models"
)

// WebSocketFeed consumes the upstream tick stream over a WebSocket
// connection and republishes parsed ticks on Ticks. The feed reconnects with
// exponential backoff and never surfaces feed anomalies as errors.
type WebSocketFeed struct {
	wsURL       string
	instruments []string
	logger      *zap.Logger
	cfg         config.MarketDataConfig

	conn   *websocket.Conn
	connMu sync.RWMutex

	ticks chan models.PriceTick

	status   ConnectionStatus
	statusMu sync.RWMutex

	connected bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// subscribeMessage is the upstream subscription envelope
type subscribeMessage struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

// NewWebSocketFeed creates a feed client for the configured instruments
func NewWebSocketFeed(cfg config.MarketDataConfig, logger *zap.Logger) *WebSocketFeed {
	return &WebSocketFeed{
		wsURL:       cfg.WebsocketURL,
		instruments: cfg.Instruments,
		cfg:         cfg,
		logger:      logger.Named("feed"),
		ticks:       make(chan models.PriceTick, 1000),
		stopChan:    make(chan struct{}),
	}
}

// Ticks returns the parsed tick stream. The channel closes on Stop.
func (f *WebSocketFeed) Ticks() <-chan models.PriceTick {
	return f.ticks
}

// Start connects and keeps the connection alive until Stop
func (f *WebSocketFeed) Start(ctx context.Context) error {
	if f.wsURL == "" {
		return fmt.Errorf("no websocket URL configured")
	}
	if _, err := url.Parse(f.wsURL); err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	f.wg.Add(1)
	go f.connectLoop(ctx)

	return nil
}

// Stop closes the connection and the tick channel
func (f *WebSocketFeed) Stop() error {
	f.stopOnce.Do(func() { close(f.stopChan) })

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
	close(f.ticks)

	f.logger.Info("Feed stopped")
	return nil
}

// Status returns a copy of the connection status
func (f *WebSocketFeed) Status() ConnectionStatus {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

// connectLoop dials, pumps messages, and redials with backoff on loss
func (f *WebSocketFeed) connectLoop(ctx context.Context) {
	defer f.wg.Done()

	backoff := f.cfg.ReconnectBackoff

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			f.logger.Warn("Feed connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			f.recordError(err.Error())

			select {
			case <-time.After(backoff):
			case <-f.stopChan:
				return
			case <-ctx.Done():
				return
			}

			backoff *= 2
			if backoff > f.cfg.MaxReconnectWait {
				backoff = f.cfg.MaxReconnectWait
			}
			continue
		}

		backoff = f.cfg.ReconnectBackoff

		// readPump blocks until the connection drops or Stop
		f.readPump()

		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
			f.statusMu.Lock()
			f.status.ReconnectCount++
			f.statusMu.Unlock()
			f.logger.Warn("Feed disconnected, reconnecting")
		}
	}
}

func (f *WebSocketFeed) connect(ctx context.Context) error {
	f.logger.Info("Connecting to price feed", zap.String("url", f.wsURL))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket connection failed: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connected = true
	f.connMu.Unlock()

	f.statusMu.Lock()
	f.status.Connected = true
	f.status.LastMessage = time.Now()
	f.statusMu.Unlock()

	if len(f.instruments) > 0 {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Instruments: f.instruments}); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe failed: %w", err)
		}
	}

	f.wg.Add(1)
	go f.pingPump(conn)

	f.logger.Info("Price feed connected", zap.Strings("instruments", f.instruments))
	return nil
}

func (f *WebSocketFeed) readPump() {
	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		f.updatePing()
		return nil
	})

	defer func() {
		f.connMu.Lock()
		f.connected = false
		f.connMu.Unlock()
		f.statusMu.Lock()
		f.status.Connected = false
		f.statusMu.Unlock()
	}()

	for {
		select {
		case <-f.stopChan:
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					f.logger.Error("Feed read error", zap.Error(err))
					f.recordError(fmt.Sprintf("read error: %v", err))
				}
				return
			}

			f.statusMu.Lock()
			f.status.LastMessage = time.Now()
			f.statusMu.Unlock()

			f.handleMessage(message)
		}
	}
}

func (f *WebSocketFeed) pingPump(conn *websocket.Conn) {
	defer f.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Error("Feed ping error", zap.Error(err))
				f.recordError(fmt.Sprintf("ping error: %v", err))
				conn.Close()
				return
			}
		}
	}
}

func (f *WebSocketFeed) handleMessage(message []byte) {
	var tick models.PriceTick
	if err := json.Unmarshal(message, &tick); err != nil {
		f.logger.Debug("Dropping unparseable feed message",
			zap.Int("size", len(message)), zap.Error(err))
		f.recordError("unparseable message")
		return
	}
	if tick.Instrument == "" {
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}

	select {
	case f.ticks <- tick:
	default:
		// Slow consumer: drop the oldest tick to keep the stream current.
		select {
		case <-f.ticks:
		default:
		}
		select {
		case f.ticks <- tick:
		default:
		}
	}
}

func (f *WebSocketFeed) updatePing() {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()

	now := time.Now()
	if !f.status.LastPing.IsZero() {
		f.status.Latency = now.Sub(f.status.LastPing)
	}
	f.status.LastPing = now
}

func (f *WebSocketFeed) recordError(msg string) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.status.ErrorCount++
	f.status.LastError = msg
}
