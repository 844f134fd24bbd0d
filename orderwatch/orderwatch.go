// Copyright (c) 2025 BVK Chaitanya

// Package orderwatch implements the order-watch job type. The job polls the
// state of an order resting on an exchange and sends a notification when the
// order reaches a final state (filled, canceled or expired). Watching is the
// whole job; it never modifies the order.
package orderwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/bvk/stopbot/ctxutil"
	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/job"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvkgo/kv"
)

const (
	Typename = "order-watch"

	Keyspace = "/order-watches/"
)

// pollInterval is the delay between order state lookups. Tests shorten it.
var pollInterval = 10 * time.Second

// JobType returns the dispatch table entry for order-watch jobs.
func JobType() *job.JobType {
	return &job.JobType{
		Typename: Typename,
		Load: func(ctx context.Context, r kv.Reader, uid string) (job.Job, error) {
			return Load(ctx, r, uid)
		},
		NewProcessor: func(j job.Job, c job.Control, rt *job.Runtime) (job.Processor, error) {
			v, ok := j.(*Job)
			if !ok {
				return nil, fmt.Errorf("job %q is not an order-watch job: %w", j.UID(), os.ErrInvalid)
			}
			return &Processor{job: v, ctl: c, rt: rt}, nil
		},
	}
}

type Job struct {
	uid string

	state gobs.OrderWatchState
}

var _ job.Job = &Job{}

// New creates an order-watch job for an order that already exists on the
// exchange. The description is echoed in the completion notification.
func New(uid string, spec exchange.TickerSpec, orderID exchange.OrderID, description string) (*Job, error) {
	if uid == "" {
		return nil, fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	state := gobs.OrderWatchState{
		Spec:        spec.Gob(),
		OrderID:     string(orderID),
		Description: description,
	}
	if err := checkState(&state); err != nil {
		return nil, err
	}
	return &Job{uid: uid, state: state}, nil
}

func checkState(state *gobs.OrderWatchState) error {
	if err := exchange.SpecFromGob(state.Spec).Check(); err != nil {
		return err
	}
	if len(state.OrderID) == 0 {
		return fmt.Errorf("order id cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}

func Load(ctx context.Context, r kv.Reader, uid string) (*Job, error) {
	state, err := kvutil.Get[gobs.OrderWatchState](ctx, r, path.Join(Keyspace, uid))
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

// Processor polls the watched order until it reaches a final state. Start
// resolves the order service and kicks off the poll goroutine; Stop cancels
// polling without waiting, because Finish is invoked from the poll goroutine.
type Processor struct {
	job *Job

	ctl job.Control

	rt *job.Runtime

	orders exchange.OrderService

	watchCtx    context.Context
	watchCancel context.CancelCauseFunc
}

var _ job.Processor = &Processor{}

func (p *Processor) Start(ctx context.Context) (job.Status, error) {
	if err := checkState(&p.job.state); err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot watch order %s on %s", p.job.state.OrderID, p.job.Spec()), err)
		return job.FAILURE_PERMANENT, nil
	}

	orders, err := p.rt.Orders(p.job.Spec().Exchange)
	if err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot watch order %s on %s", p.job.state.OrderID, p.job.Spec()), err)
		return job.FAILURE_PERMANENT, nil
	}
	p.orders = orders

	p.watchCtx, p.watchCancel = context.WithCancelCause(context.Background())
	go p.goWatch()
	return job.RUNNING, nil
}

func (p *Processor) Stop(ctx context.Context) error {
	if p.watchCancel != nil {
		p.watchCancel(os.ErrClosed)
	}
	return nil
}

func (p *Processor) goWatch() {
	for p.watchCtx.Err() == nil {
		if done := p.check(p.watchCtx); done {
			return
		}
		ctxutil.Sleep(p.watchCtx, pollInterval)
	}
}

// check fetches the order state once. It returns true when the instance was
// retired; lookup failures other than a missing order are retried on the
// next poll.
func (p *Processor) check(ctx context.Context) bool {
	state := &p.job.state
	spec := p.job.Spec()

	order, err := p.orders.GetOrder(ctx, spec, exchange.OrderID(state.OrderID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
			p.rt.Notifier.Error(fmt.Sprintf("Order %s was not found on %s %s/%s market",
				state.OrderID, spec.Exchange, spec.Base, spec.Counter), nil)
			p.finish(ctx, job.FAILURE_PERMANENT)
			return true
		}
		if !errors.Is(err, context.Cause(ctx)) {
			slog.Warn("could not fetch order state (will retry)", "uid", p.job.uid, "order-id", state.OrderID, "err", err)
		}
		return false
	}

	if !order.Done {
		return false
	}

	msg := fmt.Sprintf("Order %s on %s %s/%s market is %s",
		state.OrderID, spec.Exchange, spec.Base, spec.Counter, order.Status)
	if len(state.Description) != 0 {
		msg = msg + ": " + state.Description
	}
	p.rt.Notifier.Info(msg)

	p.finish(ctx, job.SUCCESS)
	return true
}

func (p *Processor) finish(ctx context.Context, status job.Status) {
	if err := p.ctl.Finish(ctx, status); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Error("could not finish order-watch job (ignored)", "uid", p.job.uid, "err", err)
	}
}
