// Copyright (c) 2025 BVK Chaitanya

// Package limitorder implements the limit-order job type. The job places a
// single limit order on an exchange: the order is validated and prepared
// when the job starts and submitted, exactly once, when the job instance is
// stopped.
package limitorder

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/idgen"
	"github.com/bvk/stopbot/job"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvkgo/kv"
)

const (
	Typename = "limit-order"

	Keyspace = "/limit-orders/"
)

// JobType returns the dispatch table entry for limit-order jobs.
func JobType() *job.JobType {
	return &job.JobType{
		Typename: Typename,
		Load: func(ctx context.Context, r kv.Reader, uid string) (job.Job, error) {
			return Load(ctx, r, uid)
		},
		NewProcessor: func(j job.Job, c job.Control, rt *job.Runtime) (job.Processor, error) {
			v, ok := j.(*Job)
			if !ok {
				return nil, fmt.Errorf("job %q is not a limit-order job: %w", j.UID(), os.ErrInvalid)
			}
			return &Processor{job: v, rt: rt}, nil
		},
	}
}

type Job struct {
	uid string

	state gobs.LimitOrderState
}

var _ job.Job = &Job{}

// New creates a limit-order job for the given order. The order is only
// described here; nothing is sent to the exchange until the job is stopped.
func New(uid string, order *exchange.LimitOrder) (*Job, error) {
	if uid == "" {
		return nil, fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	if err := checkOrder(order); err != nil {
		return nil, err
	}
	j := &Job{
		uid: uid,
		state: gobs.LimitOrderState{
			Spec:  order.Spec.Gob(),
			Side:  string(order.Side),
			Size:  order.Size,
			Price: order.Price,
		},
	}
	return j, nil
}

func checkOrder(order *exchange.LimitOrder) error {
	if err := order.Spec.Check(); err != nil {
		return err
	}
	if err := order.Side.Check(); err != nil {
		return err
	}
	if order.Size.IsZero() || order.Size.IsNegative() {
		return fmt.Errorf("order size must be positive (got %s)", order.Size)
	}
	if order.Price.IsZero() || order.Price.IsNegative() {
		return fmt.Errorf("order price must be positive (got %s)", order.Price)
	}
	return nil
}

func Load(ctx context.Context, r kv.Reader, uid string) (*Job, error) {
	state, err := kvutil.Get[gobs.LimitOrderState](ctx, r, path.Join(Keyspace, uid))
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

// Order returns the order described by this job.
func (j *Job) Order() *exchange.LimitOrder {
	return &exchange.LimitOrder{
		Spec:  exchange.SpecFromGob(j.state.Spec),
		Side:  exchange.Side(j.state.Side),
		Size:  j.state.Size,
		Price: j.state.Price,
	}
}

// Processor prepares the order on Start and submits it on Stop. Start is
// safe to re-invoke; the irreversible submission happens only in Stop, which
// the runner invokes exactly once per instance.
type Processor struct {
	job *Job

	rt *job.Runtime

	trades exchange.TradeService
	order  *exchange.LimitOrder
}

var _ job.Processor = &Processor{}

func (p *Processor) Start(ctx context.Context) (job.Status, error) {
	order := p.job.Order()
	if err := checkOrder(order); err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot place order %s", order), err)
		return job.FAILURE_PERMANENT, nil
	}

	trades, err := p.rt.Trades(order.Spec.Exchange)
	if err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Cannot place order %s", order), err)
		return job.FAILURE_PERMANENT, nil
	}

	p.trades = trades
	p.order = order
	return job.SUCCESS, nil
}

func (p *Processor) Stop(ctx context.Context) error {
	if p.order == nil {
		// Nothing was prepared; there is nothing to commit.
		return nil
	}

	// The client order id is derived from the job uid, so a re-submission
	// of the same job instance cannot double-place on exchanges that
	// deduplicate by client order id.
	clientOrderID := idgen.New(p.job.uid, 0).NextID()

	orderID, err := p.trades.PlaceLimitOrder(ctx, clientOrderID, p.order)
	if err != nil {
		p.rt.Status.Update(ctx, p.job.uid, job.FAILURE_PERMANENT)
		p.rt.Notifier.Error(fmt.Sprintf("Failed to place order on %s %s/%s market: %s %s at %s",
			p.order.Spec.Exchange, p.order.Spec.Base, p.order.Spec.Counter,
			p.order.Side, p.order.Size, p.order.Price), err)
		return fmt.Errorf("could not place limit order for job %q: %w", p.job.uid, err)
	}

	p.rt.Notifier.Info(fmt.Sprintf("Order %s placed on %s %s/%s market: %s %s at %s",
		orderID, p.order.Spec.Exchange, p.order.Spec.Base, p.order.Spec.Counter,
		p.order.Side, p.order.Size, p.order.Price))
	return nil
}
