// Package ws maintains durable WebSocket sessions against the venue
// streaming endpoints: subscribe, ping/pong, confirmed-candle
// filtering, and reconnect with a fixed delay.
package ws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perpstack/perpflow/internal/telemetry"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateDraining
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectDelay is the pause between a dropped session and the next
// dial attempt.
const ReconnectDelay = 5 * time.Second

const readTimeout = 60 * time.Second

// CandleEvent is a confirmed 1-minute candle. TS is the minute start.
type CandleEvent struct {
	Exchange string
	Symbol   string
	TS       int64
	O, H, L  float64
	C, V     float64
}

// TradeEvent is one taker trade with its USD quantity.
type TradeEvent struct {
	Exchange string
	Symbol   string
	TS       int64
	QtyUSD   float64
	TakerBuy bool
}

// LiqEvent is one liquidation with the liquidated position side
// already translated.
type LiqEvent struct {
	Exchange string
	Symbol   string
	TS       int64
	USD      float64
	Long     bool
}

// Events receives parsed stream data. Candles are confirmed-only;
// trades and liquidations are forwarded unfiltered.
type Events interface {
	OnCandle(CandleEvent)
	OnTrade(TradeEvent)
	OnLiquidation(LiqEvent)
	// OnReconnect fires before a re-dial so per-session trackers (e.g.
	// Bybit active-symbol sets) can reset.
	OnReconnect(venue, channel string)
}

// Writer is the subset of *websocket.Conn dialects need to answer
// application-level pings.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
}

// Dialect captures one venue channel's wire protocol.
type Dialect interface {
	Venue() string
	Channel() string
	URL() string
	// SubscribeMessages returns the frames to send after connect.
	// Venues with per-instrument subscription limits return several.
	SubscribeMessages() [][]byte
	// SubscribeStagger is the pause between successive subscribe
	// frames; zero sends them back to back.
	SubscribeStagger() time.Duration
	// Handle parses one frame, answering pings on w and emitting data
	// through ev.
	Handle(data []byte, w Writer, ev Events) error
	// PingEvery is the application-level keepalive cadence; zero means
	// the venue relies on protocol pings only.
	PingEvery() time.Duration
	// PingMessage is the keepalive frame, used when PingEvery is set.
	PingMessage() []byte
}

// Session runs one (venue, channel) stream.
type Session struct {
	dialect Dialect
	events  Events
	metrics *telemetry.Metrics
	state   atomic.Int32

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewSession wires a dialect to an event handler. metrics may be nil.
func NewSession(d Dialect, ev Events, metrics *telemetry.Metrics) *Session {
	return &Session{
		dialect: d,
		events:  ev,
		metrics: metrics,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			dialer := *websocket.DefaultDialer
			dialer.HandshakeTimeout = 30 * time.Second
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run keeps the session alive until ctx is done, reconnecting after
// ReconnectDelay on every failure.
func (s *Session) Run(ctx context.Context) {
	venue, channel := s.dialect.Venue(), s.dialect.Channel()
	first := true

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if !first {
			s.setState(StateReconnecting)
			s.events.OnReconnect(venue, channel)
			if s.metrics != nil {
				s.metrics.WSReconnects.WithLabelValues(venue, channel).Inc()
			}
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return
			case <-time.After(ReconnectDelay):
			}
		}
		first = false

		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("venue", venue).Str("channel", channel).
				Msg("websocket session dropped")
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	venue, channel := s.dialect.Venue(), s.dialect.Channel()

	s.setState(StateConnecting)
	conn, err := s.dial(ctx, s.dialect.URL())
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("venue", venue).Str("channel", channel).Msg("websocket connected")

	s.setState(StateSubscribing)
	stagger := s.dialect.SubscribeStagger()
	for i, msg := range s.dialect.SubscribeMessages() {
		if i > 0 && stagger > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stagger):
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}

	s.setState(StateStreaming)

	// Drive reads from a goroutine so ctx cancellation can interrupt.
	done := make(chan error, 1)
	go s.readLoop(conn, done)

	var pingC <-chan time.Time
	if every := s.dialect.PingEvery(); every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		pingC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDraining)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			<-done
			return nil
		case <-pingC:
			if err := conn.WriteMessage(websocket.TextMessage, s.dialect.PingMessage()); err != nil {
				return err
			}
		case err := <-done:
			return err
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, done chan<- error) {
	venue, channel := s.dialect.Venue(), s.dialect.Channel()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		if err := s.dialect.Handle(data, conn, s.events); err != nil {
			// Parse failures skip the frame, never the session.
			log.Debug().Err(err).Str("venue", venue).Str("channel", channel).
				Msg("dropping unparseable frame")
			continue
		}
		if s.metrics != nil {
			s.metrics.WSFramesTotal.WithLabelValues(venue, channel).Inc()
		}
	}
}
