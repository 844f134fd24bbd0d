// Copyright (c) 2025 BVK Chaitanya

package orderwatch

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/job"
	"github.com/bvkgo/kv"
	"github.com/bvkgo/kv/kvmemdb"
)

var testSpec = exchange.TickerSpec{Exchange: "fakex", Base: "BTC", Counter: "USD"}

func init() {
	pollInterval = 10 * time.Millisecond
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[exchange.OrderID]*exchange.Order
}

func (f *fakeOrders) GetOrder(ctx context.Context, spec exchange.TickerSpec, id exchange.OrderID) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	v := *order
	return &v, nil
}

func (f *fakeOrders) set(id exchange.OrderID, status string, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orders == nil {
		f.orders = make(map[exchange.OrderID]*exchange.Order)
	}
	f.orders[id] = &exchange.Order{ID: id, Status: status, Done: done}
}

type fakeNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (f *fakeNotifier) Info(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, msg)
}

func (f *fakeNotifier) Error(msg string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, msg)
}

func (f *fakeNotifier) lastInfo() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.infos) == 0 {
		return ""
	}
	return f.infos[len(f.infos)-1]
}

func (f *fakeNotifier) numErrors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors)
}

type testHarness struct {
	db kv.Database

	orders   *fakeOrders
	notifier *fakeNotifier

	runner *job.Runner
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		db:       kvmemdb.New(),
		orders:   &fakeOrders{},
		notifier: &fakeNotifier{},
	}
	h.runner = h.newRunner(t)
	return h
}

func (h *testHarness) newRunner(t *testing.T) *job.Runner {
	t.Helper()
	rt := &job.Runtime{
		Notifier: h.notifier,
		Orders: func(name string) (exchange.OrderService, error) {
			if name != testSpec.Exchange {
				return nil, errors.New("unknown exchange " + name)
			}
			return h.orders, nil
		},
	}
	runner, err := job.NewRunner(h.db, rt, []*job.JobType{JobType()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(runner.Close)
	return runner
}

func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchUntilFilled(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.orders.set("order-1", "open", false)

	j, err := New("1", testSpec, "order-1", "take profit")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.runner.Submit(ctx, j); err != nil {
		t.Fatal(err)
	}

	// The order stays open; the job keeps watching.
	time.Sleep(50 * time.Millisecond)
	if n := h.runner.NumLive(); n != 1 {
		t.Fatalf("wanted 1 live instance, got %d", n)
	}

	// The order filling completes the job with a notification.
	h.orders.set("order-1", "filled", true)
	waitFor(t, "job completion", func() bool {
		jd, err := h.runner.Get(ctx, "1")
		return err == nil && jd.State == string(job.SUCCESS)
	})
	msg := h.notifier.lastInfo()
	if !strings.Contains(msg, "order-1") || !strings.Contains(msg, "filled") || !strings.Contains(msg, "take profit") {
		t.Fatalf("unexpected notification %q", msg)
	}
	if n := h.runner.NumLive(); n != 0 {
		t.Fatalf("wanted 0 live instances, got %d", n)
	}
}

func TestOrderNotFound(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	j, err := New("1", testSpec, "no-such-order", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.runner.Submit(ctx, j); err != nil {
		t.Fatal(err)
	}

	// A missing order is a permanent failure, not a retry.
	waitFor(t, "job failure", func() bool {
		jd, err := h.runner.Get(ctx, "1")
		return err == nil && jd.State == string(job.FAILURE_PERMANENT)
	})
	if n := h.notifier.numErrors(); n != 1 {
		t.Fatalf("wanted 1 error notification, got %d", n)
	}
	h.notifier.mu.Lock()
	msg := h.notifier.errors[0]
	h.notifier.mu.Unlock()
	if !strings.Contains(msg, "was not found") {
		t.Fatalf("unexpected notification %q", msg)
	}

	if rec, err := job.LastStatus(ctx, h.db, "1"); err != nil {
		t.Fatal(err)
	} else if rec.Status != string(job.FAILURE_PERMANENT) {
		t.Fatalf("wanted FAILURE_PERMANENT, got %v", rec.Status)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.orders.set("order-1", "open", false)

	j, err := New("1", testSpec, "order-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.runner.Submit(ctx, j); err != nil {
		t.Fatal(err)
	}

	// Shutdown suspends the job; its record stays RUNNING.
	h.runner.Close()
	if jd, err := h.runner.Get(ctx, "1"); err != nil {
		t.Fatal(err)
	} else if jd.State != string(job.RUNNING) {
		t.Fatalf("wanted RUNNING, got %v", jd.State)
	}

	runner2 := h.newRunner(t)
	if err := runner2.ResumeAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := runner2.NumLive(); n != 1 {
		t.Fatalf("wanted 1 live instance, got %d", n)
	}

	h.orders.set("order-1", "canceled", true)
	waitFor(t, "job completion", func() bool {
		jd, err := runner2.Get(ctx, "1")
		return err == nil && jd.State == string(job.SUCCESS)
	})
	if msg := h.notifier.lastInfo(); !strings.Contains(msg, "canceled") {
		t.Fatalf("unexpected notification %q", msg)
	}
}

func TestValidation(t *testing.T) {
	if _, err := New("", testSpec, "order-1", ""); err == nil {
		t.Fatalf("wanted non-nil error for empty uid")
	}
	if _, err := New("1", testSpec, "", ""); err == nil {
		t.Fatalf("wanted non-nil error for empty order id")
	}
	if _, err := New("1", exchange.TickerSpec{}, "order-1", ""); err == nil {
		t.Fatalf("wanted non-nil error for empty ticker spec")
	}
}
