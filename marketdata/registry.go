// Copyright (c) 2025 BVK Chaitanya

// Package marketdata multiplexes upstream exchange market data connections
// across any number of subscribers. Subscriptions are deduplicated by key,
// so all jobs watching one instrument share a single upstream connection;
// the connection is reference counted and torn down when the last
// subscriber goes away.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bvk/stopbot/ctxutil"
	"github.com/bvk/stopbot/exchange"
	"github.com/visvasity/topic"
)

type Kind string

const (
	TICKER Kind = "TICKER"
)

// Key identifies one shared upstream connection.
type Key struct {
	Spec exchange.TickerSpec
	Kind Kind
}

func (k Key) String() string {
	return k.Spec.String() + "/" + string(k.Kind)
}

type Registry struct {
	cg ctxutil.CloseGroup

	client exchange.MarketDataClient

	mu      sync.Mutex
	connMap map[Key]*conn
}

// conn is one live upstream connection with its fan-out topic. refs is
// guarded by the registry mutex.
type conn struct {
	key Key

	stream exchange.TickerStream
	topic  *topic.Topic[*exchange.TickerEvent]

	refs int

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.topic.Close()
		if err := c.stream.Close(); err != nil {
			slog.Warn("could not close upstream ticker stream (ignored)", "key", c.key, "err", err)
		}
	})
}

func NewRegistry(client exchange.MarketDataClient) *Registry {
	return &Registry{
		client:  client,
		connMap: make(map[Key]*conn),
	}
}

// Close tears down all upstream connections. Outstanding subscriptions
// observe terminal errors on their receivers.
func (r *Registry) Close() {
	r.cg.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.connMap {
		delete(r.connMap, key)
		c.close()
	}
}

// Subscribe attaches a new independent subscriber to the upstream connection
// for the given key, establishing the connection if this is the first
// subscriber. Every subscriber receives every event emitted while attached,
// in upstream order.
func (r *Registry) Subscribe(key Key) (*Subscription, error) {
	if key.Kind != TICKER {
		return nil, fmt.Errorf("unsupported market data kind %q: %w", key.Kind, os.ErrInvalid)
	}
	if err := key.Spec.Check(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connMap[key]
	if !ok {
		stream, err := r.client.WatchTickers(r.cg.Context(), key.Spec)
		if err != nil {
			return nil, fmt.Errorf("could not open upstream connection for %v: %w", key, err)
		}
		c = &conn{
			key:    key,
			stream: stream,
			topic:  topic.New[*exchange.TickerEvent](),
		}
		r.connMap[key] = c
		r.cg.Go(func(ctx context.Context) {
			r.goWatch(ctx, c)
		})
	}

	recv, err := topic.Subscribe(c.topic, 0, false /* includeRecent */)
	if err != nil {
		if c.refs == 0 && r.connMap[key] == c {
			delete(r.connMap, key)
			c.close()
		}
		return nil, fmt.Errorf("could not subscribe to fan-out topic for %v: %w", key, err)
	}
	c.refs++
	return &Subscription{reg: r, conn: c, recv: recv}, nil
}

// goWatch pumps upstream events into the fan-out topic. When the upstream
// connection dies the dead entry is dropped from the table, so a later
// Subscribe dials afresh; current subscribers observe a terminal error
// through the closed topic. The registry itself never retries.
func (r *Registry) goWatch(ctx context.Context, c *conn) {
	for ctx.Err() == nil {
		ev, err := c.stream.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Cause(ctx)) {
				slog.Warn("upstream ticker connection has failed", "key", c.key, "err", err)
			}
			break
		}
		c.topic.Send(ev)
	}

	r.mu.Lock()
	if r.connMap[c.key] == c {
		delete(r.connMap, c.key)
	}
	r.mu.Unlock()
	c.close()
}

func (r *Registry) release(c *conn) {
	r.mu.Lock()
	c.refs--
	last := c.refs == 0
	if last && r.connMap[c.key] == c {
		delete(r.connMap, c.key)
	}
	r.mu.Unlock()

	if last {
		c.close()
	}
}

// NumConns returns the number of live upstream connections.
func (r *Registry) NumConns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connMap)
}

// Subscription is one subscriber's handle onto a shared upstream
// connection. Closing it never affects other holders of the same key.
type Subscription struct {
	reg  *Registry
	conn *conn
	recv *topic.Receiver[*exchange.TickerEvent]

	once sync.Once
}

// Tickers returns the receiver carrying this subscriber's event sequence.
// The sequence is infinite until the subscription is closed or the upstream
// connection fails; it is not restartable.
func (s *Subscription) Tickers() *topic.Receiver[*exchange.TickerEvent] {
	return s.recv
}

// Close releases the handle. No new events are delivered after Close
// returns; the upstream connection is torn down when the last handle for
// its key is released.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.recv.Close()
		s.reg.release(s.conn)
	})
}
