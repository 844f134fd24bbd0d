// Copyright (c) 2025 BVK Chaitanya

package gdax

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bvk/stopbot/exchange"
	ws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func parsePrice(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return v
}

type wsRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type wsMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`

	Price   string `json:"price"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
	Time    string `json:"time"`

	// Set on "error" type messages.
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// WatchTickers opens a new websocket connection subscribed to the ticker
// channel for the instrument. Every call dials a separate connection;
// sharing is the caller's concern.
func (c *Client) WatchTickers(ctx context.Context, spec exchange.TickerSpec) (exchange.TickerStream, error) {
	var dialer ws.Dialer
	conn, _, err := dialer.DialContext(ctx, "wss://"+c.opts.WebsocketHostname, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial websocket feed: %w", err)
	}

	sub := &wsRequest{
		Type:       "subscribe",
		ProductIDs: []string{spec.ProductID()},
		Channels:   []string{"ticker", "heartbeat"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not subscribe to ticker channel: %w", err)
	}

	s := &tickerStream{
		spec:     spec,
		conn:     conn,
		eventCh:  make(chan *exchange.TickerEvent, 100),
		closedCh: make(chan struct{}),
	}
	go s.goRead()
	return s, nil
}

// tickerStream adapts one websocket connection to the TickerStream
// interface. A single reader goroutine owns the connection; it terminates on
// the first read error, which also happens when Close closes the underlying
// connection.
type tickerStream struct {
	spec exchange.TickerSpec

	conn *ws.Conn

	eventCh chan *exchange.TickerEvent

	// err is set by the reader goroutine before eventCh is closed.
	err error

	closeOnce sync.Once
	closedCh  chan struct{}
}

var _ exchange.TickerStream = &tickerStream{}

func (s *tickerStream) goRead() {
	defer close(s.eventCh)

	for {
		m := new(wsMessage)
		if err := s.conn.ReadJSON(m); err != nil {
			s.err = fmt.Errorf("could not read from websocket feed: %w", err)
			return
		}

		switch m.Type {
		case "ticker":
			if m.ProductID != s.spec.ProductID() {
				continue
			}
			if !s.emit(s.tickerEvent(m)) {
				s.err = os.ErrClosed
				return
			}
		case "error":
			s.err = fmt.Errorf("websocket feed error: %s (%s)", m.Message, m.Reason)
			return
		default:
			// Subscription acks, heartbeats, etc.
		}
	}
}

// tickerEvent converts a feed message to a ticker event. A missing or
// unparsable bid or ask becomes a zero value, which consumers treat as that
// side of the book being empty.
func (s *tickerStream) tickerEvent(m *wsMessage) *exchange.TickerEvent {
	ev := &exchange.TickerEvent{
		Spec: s.spec,
		Bid:  parsePrice(m.BestBid),
		Ask:  parsePrice(m.BestAsk),
		Last: parsePrice(m.Price),
		At:   time.Now(),
	}
	if at, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
		ev.At = at
	}
	return ev
}

// emit delivers the event to the consumer. Delivery blocks when the consumer
// falls behind and the channel buffer is full; a concurrent Close unblocks it
// and reports false.
func (s *tickerStream) emit(ev *exchange.TickerEvent) bool {
	select {
	case s.eventCh <- ev:
		return true
	case <-s.closedCh:
		return false
	}
}

func (s *tickerStream) Receive(ctx context.Context) (*exchange.TickerEvent, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case ev, ok := <-s.eventCh:
		if !ok {
			return nil, s.err
		}
		return ev, nil
	}
}

func (s *tickerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		if err := s.conn.Close(); err != nil {
			slog.Warn("could not close websocket connection (ignored)", "product", s.spec.ProductID(), "err", err)
		}
	})
	return nil
}
