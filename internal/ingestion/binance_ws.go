package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"MicroBook/internal/observability"
)

const (
	binanceFuturesWS = "wss://fstream.binance.com/ws"

	wsInitialBackoff = 250 * time.Millisecond
	wsMaxBackoff     = 10 * time.Second
	wsPingInterval   = 15 * time.Second
	wsReadTimeout    = 30 * time.Second
)

// DepthStreamer maintains one websocket subscription to a Binance
// futures depth stream and pushes raw messages into the stream's
// processing channel in receipt order. It reconnects forever with
// exponential backoff; each successful connection gets a new conn_id so
// recorded data can be segmented at connection boundaries.
type DepthStreamer struct {
	baseURL    string
	symbol     string
	intervalMS int
	rawChan    chan<- RawMessage
	metrics    *observability.Metrics
	log        zerolog.Logger

	connID int64
}

type DepthStreamerConfig struct {
	// BaseURL overrides the production endpoint in tests.
	BaseURL    string
	Symbol     string
	IntervalMS int
	RawChan    chan<- RawMessage
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

func NewDepthStreamer(cfg DepthStreamerConfig) *DepthStreamer {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = binanceFuturesWS
	}
	interval := cfg.IntervalMS
	if interval == 0 {
		interval = 100
	}
	return &DepthStreamer{
		baseURL:    baseURL,
		symbol:     cfg.Symbol,
		intervalMS: interval,
		rawChan:    cfg.RawChan,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With().Str("stream", "binance:"+strings.ToUpper(cfg.Symbol)).Logger(),
	}
}

// StreamURL returns the combined-stream endpoint for this subscription.
func (s *DepthStreamer) StreamURL() string {
	return fmt.Sprintf("%s/%s@depth@%dms", s.baseURL, strings.ToLower(s.symbol), s.intervalMS)
}

// ConnID returns the id of the current (or last) connection.
func (s *DepthStreamer) ConnID() int64 { return s.connID }

// Run connects and pumps messages until the context is cancelled.
// Connection errors are not fatal: the streamer backs off (0.25s
// doubling to 10s) and redials. The backoff resets after a successful
// connect.
func (s *DepthStreamer) Run(ctx context.Context) error {
	backoff := wsInitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")
		if s.metrics != nil {
			s.metrics.WSReconnects.WithLabelValues("binance:" + strings.ToUpper(s.symbol)).Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

// runConn dials once and pumps until read failure or cancellation.
func (s *DepthStreamer) runConn(ctx context.Context) error {
	url := s.StreamURL()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	s.connID++
	s.log.Info().Int64("conn_id", s.connID).Str("url", url).Msg("websocket connected")

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// Close the connection on cancellation to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	streamKey := "binance:" + strings.ToUpper(s.symbol)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if s.metrics != nil {
			s.metrics.WSMessagesReceived.WithLabelValues(streamKey).Inc()
		}

		raw := RawMessage{
			Subject:    DepthSubject("binance", s.symbol),
			Data:       data,
			ReceivedAt: time.Now(),
		}
		select {
		case s.rawChan <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
