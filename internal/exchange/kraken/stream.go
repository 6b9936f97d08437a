package kraken

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/stoik/internal/domain"
	"github.com/vadiminshakov/stoik/internal/exchange"
	"go.uber.org/zap"
)

const (
	wsPublicURL  = "wss://ws.kraken.com"
	wsPrivateURL = "wss://ws-auth.kraken.com"

	ohlcInterval = 5 // minutes

	// volumeDecimals is Kraken's standard lot precision; price precision
	// is inferred per instrument instead.
	volumeDecimals = 8

	eventBufferSize = 128
)

type subscription struct {
	Name     string `json:"name"`
	Interval int    `json:"interval,omitempty"`
	Token    string `json:"token,omitempty"`
}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair,omitempty"`
	Subscription subscription `json:"subscription"`
}

type addOrderRequest struct {
	Event     string `json:"event"`
	OrderType string `json:"ordertype"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Volume    string `json:"volume"`
}

type cancelOrderRequest struct {
	Event string   `json:"event"`
	Token string   `json:"token"`
	TxID  []string `json:"txid"`
}

// Stream owns one public and one private WebSocket connection for a
// single pair and multiplexes their inbound frames into one channel.
// Orders go out on the private connection only. A Stream is good for one
// Connect; the supervisor builds a fresh one (with a fresh token) per
// connection attempt.
type Stream struct {
	pair   domain.Pair
	signer *Signer
	logger *zap.Logger

	pubConn  *websocket.Conn
	privConn *websocket.Conn
	privMu   sync.Mutex
	token    string

	events chan exchange.Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ exchange.Exchange = (*Stream)(nil)

func NewStream(pair domain.Pair, signer *Signer, logger *zap.Logger) *Stream {
	return &Stream{
		pair:   pair,
		signer: signer,
		logger: logger.With(zap.String("pair", pair.String())),
		events: make(chan exchange.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials both channels, subscribes to ticker/ohlc/trade on the
// public one and to the token-authenticated openOrders feed on the
// private one, then starts the reader goroutines. The private channel
// answers the openOrders subscription with a snapshot of currently open
// orders, which re-syncs local state after a reconnect.
func (s *Stream) Connect(ctx context.Context) error {
	pubConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsPublicURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial public stream")
	}
	s.pubConn = pubConn

	privConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsPrivateURL, nil)
	if err != nil {
		pubConn.Close()
		return errors.Wrap(err, "dial private stream")
	}
	s.privConn = privConn

	pairs := []string{s.pair.String()}
	for _, sub := range []subscribeRequest{
		{Event: "subscribe", Pair: pairs, Subscription: subscription{Name: "ticker"}},
		{Event: "subscribe", Pair: pairs, Subscription: subscription{Name: "ohlc", Interval: ohlcInterval}},
		{Event: "subscribe", Pair: pairs, Subscription: subscription{Name: "trade"}},
	} {
		if err := pubConn.WriteJSON(sub); err != nil {
			s.closeConns()
			return errors.Wrapf(err, "subscribe %s", sub.Subscription.Name)
		}
	}

	// Tokens are short-lived: fetch one per connection attempt.
	token, err := s.signer.GetToken(ctx)
	if err != nil {
		s.closeConns()
		return errors.Wrap(err, "get private stream token")
	}
	s.token = token

	if err := s.writePrivate(subscribeRequest{
		Event:        "subscribe",
		Subscription: subscription{Name: "openOrders", Token: token},
	}); err != nil {
		s.closeConns()
		return errors.Wrap(err, "subscribe openOrders")
	}

	s.wg.Add(2)
	go s.readLoop(pubConn, false)
	go s.readLoop(privConn, true)
	go func() {
		s.wg.Wait()
		close(s.events)
	}()

	s.logger.Info("connected to exchange streams")

	return nil
}

// Events returns the merged inbound stream. Heartbeats and subscription
// acknowledgements never reach it.
func (s *Stream) Events() <-chan exchange.Event {
	return s.events
}

// PlaceOrder sends an addOrder request on the private channel. Price and
// volume travel as decimal strings rounded to the order's precision.
func (s *Stream) PlaceOrder(ctx context.Context, order domain.Order) error {
	req := addOrderRequest{
		Event:     "addOrder",
		OrderType: "limit",
		Pair:      order.Pair.String(),
		Price:     formatDecimal(order.Price, order.Decimals),
		Token:     s.token,
		Type:      string(order.Side),
		Volume:    formatDecimal(order.Volume, volumeDecimals),
	}

	return errors.Wrap(s.writePrivate(req), "send addOrder")
}

// CancelOrders sends one cancelOrder request for the given order ids.
func (s *Stream) CancelOrders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	req := cancelOrderRequest{Event: "cancelOrder", Token: s.token, TxID: ids}

	return errors.Wrap(s.writePrivate(req), "send cancelOrder")
}

// Close tears down both connections; the events channel closes once the
// readers drain.
func (s *Stream) Close() error {
	s.shutdown()
	return nil
}

func (s *Stream) writePrivate(v any) error {
	s.privMu.Lock()
	defer s.privMu.Unlock()

	return s.privConn.WriteJSON(v)
}

func (s *Stream) readLoop(conn *websocket.Conn, private bool) {
	defer s.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Shutdown already in progress, not a transport failure.
			default:
				s.emit(exchange.Event{Err: errors.Wrap(err, "stream read")})
				s.shutdown()
			}
			return
		}

		if len(raw) > 0 && raw[0] == '{' {
			if err := filterEventFrame(raw); err != nil {
				if errors.Is(err, errSkipFrame) {
					continue
				}
				s.emit(exchange.Event{Err: err})
				s.shutdown()
				return
			}
			continue
		}

		if private {
			updates, err := parsePrivateFrame(raw)
			if err != nil {
				s.logger.Warn("skipping bad private frame", zap.Error(err), zap.ByteString("frame", raw))
				continue
			}
			if len(updates) > 0 {
				s.emit(exchange.Event{Orders: updates})
			}
			continue
		}

		ticker, ohlc, trades, err := parsePublicFrame(raw)
		if err != nil {
			s.logger.Warn("skipping bad public frame", zap.Error(err), zap.ByteString("frame", raw))
			continue
		}
		switch {
		case ticker != nil:
			s.emit(exchange.Event{Ticker: ticker})
		case ohlc != nil:
			s.emit(exchange.Event{OHLC: ohlc})
		default:
			for i := range trades {
				s.emit(exchange.Event{Trade: &trades[i]})
			}
		}
	}
}

func (s *Stream) emit(ev exchange.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.closeConns()
	})
}

func (s *Stream) closeConns() {
	if s.pubConn != nil {
		s.pubConn.Close()
	}
	if s.privConn != nil {
		s.privConn.Close()
	}
}

func formatDecimal(v float64, decimals int) string {
	return decimal.NewFromFloat(v).Round(int32(decimals)).String()
}
