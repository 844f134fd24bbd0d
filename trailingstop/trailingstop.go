// Copyright (c) 2025 BVK Chaitanya

// Package trailingstop implements the soft trailing-stop job type. The job
// watches the live ticker for an instrument and maintains a stop price that
// trails the market while it moves away from the stop. When the market
// reverses through the stop price, the job submits a limit-order job at the
// configured limit price and finishes.
//
// A BUY job watches the ask: the stop trails downward while the ask falls
// and triggers when the ask rises back to the stop. A SELL job is the exact
// mirror over the bid. The stop is "soft" because it is evaluated against
// the ticker, not against the exchange's own order book guarantees.
package trailingstop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/idgen"
	"github.com/bvk/stopbot/job"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvk/stopbot/limitorder"
	"github.com/bvk/stopbot/marketdata"
	"github.com/bvkgo/kv"
	"github.com/shopspring/decimal"
)

const (
	Typename = "trailing-stop"

	Keyspace = "/trailing-stops/"
)

// JobType returns the dispatch table entry for trailing-stop jobs.
func JobType() *job.JobType {
	return &job.JobType{
		Typename: Typename,
		Load: func(ctx context.Context, r kv.Reader, uid string) (job.Job, error) {
			return Load(ctx, r, uid)
		},
		NewProcessor: func(j job.Job, c job.Control, rt *job.Runtime) (job.Processor, error) {
			v, ok := j.(*Job)
			if !ok {
				return nil, fmt.Errorf("job %q is not a trailing-stop job: %w", j.UID(), os.ErrInvalid)
			}
			return &Processor{job: v, ctl: c, rt: rt}, nil
		},
	}
}

type Job struct {
	uid string

	state gobs.TrailingStopState
}

var _ job.Job = &Job{}

// New creates a trailing-stop job. For BUY the prices must satisfy
// startPrice <= stopPrice <= limitPrice and for SELL the mirror ordering
// limitPrice <= stopPrice <= startPrice; the stop begins synced to
// startPrice.
func New(uid string, spec exchange.TickerSpec, side exchange.Side, size, startPrice, stopPrice, limitPrice decimal.Decimal) (*Job, error) {
	if uid == "" {
		return nil, fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	state := gobs.TrailingStopState{
		Spec:          spec.Gob(),
		Side:          string(side),
		Size:          size,
		StartPrice:    startPrice,
		StopPrice:     stopPrice,
		LimitPrice:    limitPrice,
		LastSyncPrice: startPrice,
	}
	if err := checkState(&state); err != nil {
		return nil, err
	}
	return &Job{uid: uid, state: state}, nil
}

func checkState(state *gobs.TrailingStopState) error {
	spec := exchange.SpecFromGob(state.Spec)
	if err := spec.Check(); err != nil {
		return err
	}
	side := exchange.Side(state.Side)
	if err := side.Check(); err != nil {
		return err
	}
	if state.Size.IsZero() || state.Size.IsNegative() {
		return fmt.Errorf("size must be positive (got %s)", state.Size)
	}
	for _, p := range []decimal.Decimal{state.StartPrice, state.StopPrice, state.LimitPrice, state.LastSyncPrice} {
		if p.IsZero() || p.IsNegative() {
			return fmt.Errorf("prices must be positive (got %s)", p)
		}
	}
	switch side {
	case exchange.BUY:
		if state.StopPrice.LessThan(state.LastSyncPrice) {
			return fmt.Errorf("buy stop price %s cannot be below the synced price %s", state.StopPrice, state.LastSyncPrice)
		}
		if state.LimitPrice.LessThan(state.StopPrice) {
			return fmt.Errorf("buy limit price %s cannot be below the stop price %s", state.LimitPrice, state.StopPrice)
		}
	case exchange.SELL:
		if state.StopPrice.GreaterThan(state.LastSyncPrice) {
			return fmt.Errorf("sell stop price %s cannot be above the synced price %s", state.StopPrice, state.LastSyncPrice)
		}
		if state.LimitPrice.GreaterThan(state.StopPrice) {
			return fmt.Errorf("sell limit price %s cannot be above the stop price %s", state.LimitPrice, state.StopPrice)
		}
	}
	return nil
}

func Load(ctx context.Context, r kv.Reader, uid string) (*Job, error) {
	state, err := kvutil.Get[gobs.TrailingStopState](ctx, r, path.Join(Keyspace, uid))
	if err != nil {
		return nil, err
	}
	return &Job{uid: uid, state: *state}, nil
}

func (j *Job) UID() string {
	return j.uid
}

func (j *Job) Typename() string {
	return Typename
}

func (j *Job) Save(ctx context.Context, rw kv.ReadWriter) error {
	return kvutil.Set(ctx, rw, path.Join(Keyspace, j.uid), &j.state)
}

func (j *Job) Spec() exchange.TickerSpec {
	return exchange.SpecFromGob(j.state.Spec)
}

// StopPrice returns the current (trailed) stop price.
func (j *Job) StopPrice() decimal.Decimal {
	return j.state.StopPrice
}

// resync returns the job state after trailing the stop to a new market
// price. The stop moves by exactly the distance the market moved past the
// last synced price, so the gap between them stays constant.
func (j *Job) resync(price decimal.Decimal) *Job {
	state := j.state
	state.StopPrice = state.StopPrice.Sub(state.LastSyncPrice.Sub(price))
	state.LastSyncPrice = price
	return &Job{uid: j.uid, state: state}
}

// Processor reacts to ticker events for one trailing-stop job instance.
// Start subscribes to market data and returns RUNNING; all strategy activity
// happens on the subscription's event goroutine. Stop releases the
// subscription; the job itself never places an order directly, it submits a
// limit-order job instead.
type Processor struct {
	job *Job

	ctl job.Control

	rt *job.Runtime

	scale int32

	sub *marketdata.Subscription
}

var _ job.Processor = &Processor{}

func (p *Processor) Start(ctx context.Context) (job.Status, error) {
	if err := checkState(&p.job.state); err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot run trailing stop on %s", p.job.Spec()), err)
		return job.FAILURE_PERMANENT, nil
	}

	spec := p.job.Spec()
	scale, err := p.rt.Metadata.PriceScale(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("could not fetch price scale for %s: %w", spec, err)
	}
	p.scale = scale

	sub, err := p.rt.Registry.Subscribe(marketdata.Key{Spec: spec, Kind: marketdata.TICKER})
	if err != nil {
		return "", fmt.Errorf("could not subscribe to tickers for %s: %w", spec, err)
	}
	p.sub = sub

	go p.goWatch()
	return job.RUNNING, nil
}

// Stop releases the market data subscription. It never waits for the event
// goroutine because Finish and Replace are invoked from that goroutine.
func (p *Processor) Stop(ctx context.Context) error {
	if p.sub != nil {
		p.sub.Close()
	}
	return nil
}

func (p *Processor) goWatch() {
	recv := p.sub.Tickers()
	for {
		ev, err := recv.Receive()
		if err != nil {
			// Subscription is closed or the upstream connection has
			// failed. A failed connection leaves the job instance
			// live; it resumes on the next process restart.
			return
		}
		if done := p.onTicker(context.Background(), ev); done {
			return
		}
	}
}

// onTicker applies one ticker event to the strategy. It returns true when
// the instance was retired, either by triggering or by being replaced with
// a resynced stop price.
func (p *Processor) onTicker(ctx context.Context, ev *exchange.TickerEvent) bool {
	state := &p.job.state
	spec := p.job.Spec()

	var price decimal.Decimal
	switch exchange.Side(state.Side) {
	case exchange.BUY:
		if ev.Ask.IsZero() {
			p.rt.Notifier.Error(fmt.Sprintf("Market %s/%s on %s has no sellers!", spec.Base, spec.Counter, spec.Exchange), nil)
			return false
		}
		price = ev.Ask
	case exchange.SELL:
		if ev.Bid.IsZero() {
			p.rt.Notifier.Error(fmt.Sprintf("Market %s/%s on %s has no buyers!", spec.Base, spec.Counter, spec.Exchange), nil)
			return false
		}
		price = ev.Bid
	default:
		return false
	}

	if p.triggered(price) {
		return p.trigger(ctx, price)
	}

	if p.movedAway(price) {
		nj := p.job.resync(price)
		if err := p.ctl.Replace(ctx, nj); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return true
			}
			slog.Error("could not resync trailing stop (will retry on next ticker)", "uid", p.job.uid, "err", err)
			return false
		}
		return true
	}
	return false
}

// triggered reports whether the market has reversed through the stop price.
// The stop price is rounded half-up to the instrument's price scale before
// the comparison, matching the precision of exchange supplied prices.
func (p *Processor) triggered(price decimal.Decimal) bool {
	stop := p.job.state.StopPrice.Round(p.scale)
	if exchange.Side(p.job.state.Side) == exchange.BUY {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// movedAway reports whether the market moved further from the stop price
// than the last synced price.
func (p *Processor) movedAway(price decimal.Decimal) bool {
	if exchange.Side(p.job.state.Side) == exchange.BUY {
		return price.LessThan(p.job.state.LastSyncPrice)
	}
	return price.GreaterThan(p.job.state.LastSyncPrice)
}

// trigger submits the limit-order job and finishes. The order job's uid is
// derived from this job's uid, so a re-trigger after a crash cannot submit
// a second order.
func (p *Processor) trigger(ctx context.Context, price decimal.Decimal) bool {
	state := &p.job.state
	spec := p.job.Spec()

	order := &exchange.LimitOrder{
		Spec:  spec,
		Side:  exchange.Side(state.Side),
		Size:  state.Size,
		Price: state.LimitPrice,
	}
	orderUID := idgen.New(p.job.uid, 0).NextID().String()
	oj, err := limitorder.New(orderUID, order)
	if err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot prepare order for trailing stop on %s", spec), err)
		if err := p.ctl.Finish(ctx, job.FAILURE_PERMANENT); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Error("could not finish trailing stop (ignored)", "uid", p.job.uid, "err", err)
		}
		return true
	}

	if err := p.rt.Submit.Submit(ctx, oj); err != nil && !errors.Is(err, os.ErrExist) {
		p.rt.Notifier.Error(fmt.Sprintf("Failed to submit order for trailing stop on %s %s/%s market", spec.Exchange, spec.Base, spec.Counter), err)
		// Keep running; the next ticker event retries the trigger.
		return false
	}

	p.rt.Notifier.Info(fmt.Sprintf("Trailing stop on %s %s/%s market triggered at %s: %s %s at %s",
		spec.Exchange, spec.Base, spec.Counter, price, state.Side, state.Size, state.LimitPrice))

	if err := p.ctl.Finish(ctx, job.SUCCESS); err != nil {
		if !errors.Is(err, os.ErrClosed) {
			slog.Error("could not finish trailing stop (ignored)", "uid", p.job.uid, "err", err)
		}
	}
	return true
}
