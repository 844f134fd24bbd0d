// Copyright (c) 2025 BVK Chaitanya

// Package exchange defines the narrow interfaces through which jobs talk to
// an exchange: live ticker feeds, limit order placement and instrument
// metadata. Implementations live in exchange specific packages.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/bvk/stopbot/gobs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

func (s Side) Check() error {
	if s != BUY && s != SELL {
		return fmt.Errorf("side must be BUY or SELL (got %q)", s)
	}
	return nil
}

// TickerSpec identifies a traded instrument on one exchange. It is a
// comparable value type, so it can be used as a map key.
type TickerSpec struct {
	Exchange string
	Base     string
	Counter  string
}

func (s TickerSpec) ProductID() string {
	return s.Base + "-" + s.Counter
}

func (s TickerSpec) String() string {
	return s.Exchange + ":" + s.ProductID()
}

func (s TickerSpec) Check() error {
	if len(s.Exchange) == 0 || len(s.Base) == 0 || len(s.Counter) == 0 {
		return fmt.Errorf("ticker spec fields cannot be empty (got %q)", s)
	}
	return nil
}

func (s TickerSpec) Gob() gobs.TickerSpec {
	return gobs.TickerSpec{Exchange: s.Exchange, Base: s.Base, Counter: s.Counter}
}

func SpecFromGob(v gobs.TickerSpec) TickerSpec {
	return TickerSpec{Exchange: v.Exchange, Base: v.Base, Counter: v.Counter}
}

// TickerEvent is an immutable market data snapshot. A zero Bid or Ask means
// that side of the book was empty; that is a legal event and interpreting it
// is the consumer's responsibility.
type TickerEvent struct {
	Spec TickerSpec

	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal

	At time.Time
}

// LimitOrder describes a limit order to be placed. Construction is local and
// has no side effects.
type LimitOrder struct {
	Spec TickerSpec

	Side Side

	Size  decimal.Decimal
	Price decimal.Decimal
}

func (v *LimitOrder) String() string {
	return fmt.Sprintf("%s %s %s at %s", v.Spec, v.Side, v.Size, v.Price)
}

type OrderID string

// TradeService places orders on one exchange. PlaceLimitOrder returns the
// exchange assigned order id; the client order id is the caller's handle for
// deduplication on exchanges that support it.
type TradeService interface {
	PlaceLimitOrder(ctx context.Context, clientOrderID uuid.UUID, order *LimitOrder) (OrderID, error)
}

// Order is a point-in-time snapshot of an order resting on the exchange.
type Order struct {
	ID OrderID

	// Status is the exchange reported order status string.
	Status string

	// Done is true once the order has reached a final state (filled,
	// canceled or expired) and will never execute further.
	Done bool
}

// OrderService reports the state of orders previously placed on one
// exchange. GetOrder returns an error wrapping os.ErrNotExist when the
// exchange does not know the order id.
type OrderService interface {
	GetOrder(ctx context.Context, spec TickerSpec, id OrderID) (*Order, error)
}

// MetadataService reports instrument metadata.
type MetadataService interface {
	// PriceScale returns the number of decimal places in the instrument's
	// price tick.
	PriceScale(ctx context.Context, spec TickerSpec) (int32, error)
}

// TickerStream is one live upstream ticker connection. Receive blocks for
// the next event; it returns a non-nil error exactly once, after which the
// stream is dead and must be closed.
type TickerStream interface {
	Receive(ctx context.Context) (*TickerEvent, error)
	Close() error
}

// MarketDataClient opens upstream ticker connections. Callers are expected
// to share connections; the client opens a new one on every call.
type MarketDataClient interface {
	WatchTickers(ctx context.Context, spec TickerSpec) (TickerStream, error)
}
