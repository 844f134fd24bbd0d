// Copyright (c) 2025 BVK Chaitanya

package gdax

import (
	"context"
	"testing"
	"time"

	"github.com/bvk/stopbot/exchange"
	"github.com/shopspring/decimal"
)

var (
	testingKey     string
	testingSecret  string
	testingOptions *Options = &Options{}
)

func checkCredentials() bool {
	return len(testingKey) != 0 && len(testingSecret) != 0
}

func TestParsePrice(t *testing.T) {
	if v := parsePrice("156.68"); !v.Equal(decimal.RequireFromString("156.68")) {
		t.Fatalf("wanted 156.68, got %v", v)
	}
	if v := parsePrice(""); !v.IsZero() {
		t.Fatalf("wanted zero, got %v", v)
	}
	if v := parsePrice("garbage"); !v.IsZero() {
		t.Fatalf("wanted zero, got %v", v)
	}
}

func TestTickerEventConversion(t *testing.T) {
	spec := exchange.TickerSpec{Exchange: ExchangeName, Base: "BTC", Counter: "USD"}
	s := &tickerStream{spec: spec}

	m := &wsMessage{
		Type:      "ticker",
		ProductID: "BTC-USD",
		Price:     "100.5",
		BestBid:   "100.4",
		BestAsk:   "100.6",
		Time:      "2026-01-02T15:04:05.123456Z",
	}
	ev := s.tickerEvent(m)
	if !ev.Bid.Equal(decimal.RequireFromString("100.4")) || !ev.Ask.Equal(decimal.RequireFromString("100.6")) {
		t.Fatalf("unexpected bid/ask in %v", ev)
	}
	if want := time.Date(2026, 1, 2, 15, 4, 5, 123456000, time.UTC); !ev.At.Equal(want) {
		t.Fatalf("wanted %v, got %v", want, ev.At)
	}

	// A one-sided book leaves the missing side at zero.
	m = &wsMessage{Type: "ticker", ProductID: "BTC-USD", BestBid: "100.4"}
	if ev := s.tickerEvent(m); !ev.Ask.IsZero() || ev.Bid.IsZero() {
		t.Fatalf("unexpected one-sided event %v", ev)
	}
}

func TestStreamCloseUnblocksEmit(t *testing.T) {
	spec := exchange.TickerSpec{Exchange: ExchangeName, Base: "BTC", Counter: "USD"}
	s := &tickerStream{
		spec:     spec,
		eventCh:  make(chan *exchange.TickerEvent, 1),
		closedCh: make(chan struct{}),
	}

	if !s.emit(&exchange.TickerEvent{Spec: spec}) {
		t.Fatalf("emit into an open stream with buffer space must succeed")
	}

	// The buffer is now full and nobody is receiving; a second emit blocks
	// until the stream is closed.
	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- s.emit(&exchange.TickerEvent{Spec: spec})
	}()
	select {
	case <-doneCh:
		t.Fatalf("emit into a full channel must block")
	case <-time.After(50 * time.Millisecond):
	}

	close(s.closedCh)
	select {
	case ok := <-doneCh:
		if ok {
			t.Fatalf("emit on a closed stream must report false")
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not unblock the pending emit")
	}
}

func TestOrderConversion(t *testing.T) {
	v := orderFromType(&orderType{ID: "order-1", Status: "open"})
	if v.Done || v.Status != "open" {
		t.Fatalf("unexpected open order conversion %v", v)
	}

	v = orderFromType(&orderType{ID: "order-1", Status: "done", Settled: true, DoneReason: "filled"})
	if !v.Done || v.Status != "filled" {
		t.Fatalf("unexpected settled order conversion %v", v)
	}

	v = orderFromType(&orderType{ID: "order-1", Status: "done"})
	if !v.Done || v.Status != "done" {
		t.Fatalf("unexpected done order conversion %v", v)
	}
}

func TestSignDeterminism(t *testing.T) {
	c, err := New("key", "secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a, b := c.sign("message"), c.sign("message"); a != b {
		t.Fatalf("signature is not deterministic: %q vs %q", a, b)
	}
	if a, b := c.sign("message"), c.sign("other"); a == b {
		t.Fatalf("different messages share a signature")
	}
}

func TestPriceScale(t *testing.T) {
	if !checkCredentials() {
		t.Skip("no credentials")
		return
	}

	c, err := New(testingKey, testingSecret, testingOptions)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	spec := exchange.TickerSpec{Exchange: ExchangeName, Base: "BTC", Counter: "USD"}
	scale, err := c.PriceScale(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("BTC-USD price scale: %d", scale)
}

func TestWatchTickers(t *testing.T) {
	if !checkCredentials() {
		t.Skip("no credentials")
		return
	}

	c, err := New(testingKey, testingSecret, testingOptions)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spec := exchange.TickerSpec{Exchange: ExchangeName, Base: "BTC", Counter: "USD"}
	stream, err := c.WatchTickers(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	ev, err := stream.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("%#v", ev)
}
