// Copyright (c) 2025 BVK Chaitanya

// Package job implements the job execution engine. A job is a persisted
// trading activity that is started by the Runner, may react to market data
// for an arbitrarily long time and eventually performs at most one
// irreversible exchange action before it finishes.
package job

import (
	"context"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/marketdata"
	"github.com/bvk/stopbot/notification"
	"github.com/bvkgo/kv"
)

type Status string

const (
	RUNNING           Status = "RUNNING"
	SUCCESS           Status = "SUCCESS"
	FAILURE_PERMANENT Status = "FAILURE_PERMANENT"
	FAILURE_TRANSIENT Status = "FAILURE_TRANSIENT"
)

// IsTerminal returns true for statuses that retire the job. FAILURE_TRANSIENT
// is not terminal; the Runner re-invokes Start after a backoff, which is safe
// because Start is idempotent by contract.
func (s Status) IsTerminal() bool {
	return s == SUCCESS || s == FAILURE_PERMANENT
}

// CANCELED is a persisted disposition for externally canceled jobs. It is
// not a Status a processor can return.
const CANCELED = "CANCELED"

// Job is an immutable description of one trading activity plus its evolving
// strategy state. Updates produce a new Job value which replaces the old one
// under the same uid through Control.Replace.
type Job interface {
	UID() string

	// Typename selects the job type's Load function and processor factory.
	Typename() string

	Save(context.Context, kv.ReadWriter) error
}

// Processor is the executable behavior bound to one job instance.
//
// Start performs idempotent preparation only: it may establish market data
// subscriptions or compute derived values, but must not perform the job's
// irreversible action, because it is re-invoked after every process restart
// and after transient failures. Reactive processors return RUNNING and keep
// reacting in the background; processors that can decide immediately return
// a terminal status.
//
// Stop is invoked exactly once per instance, at the point the instance is
// retired (success, permanent failure, replacement, cancellation or process
// shutdown). It is the only place an irreversible action may be performed
// and must tolerate being called when there was nothing to commit.
type Processor interface {
	Start(ctx context.Context) (Status, error)
	Stop(ctx context.Context) error
}

// Control is the mutation handle a running processor uses on its own job.
// Both calls go through the Runner which applies them atomically under the
// job's lock; calls on a handle whose instance was already retired fail
// with os.ErrClosed.
type Control interface {
	// Replace persists the new job state under the same uid, retires the
	// calling instance and starts a fresh instance from the new state.
	// Either the new state is durably saved and the swap happens, or
	// neither does.
	Replace(ctx context.Context, newJob Job) error

	// Finish persists the given terminal status and retires the calling
	// instance.
	Finish(ctx context.Context, status Status) error
}

// Submitter enqueues a new job without validating it against the submitting
// job's own constraints.
type Submitter interface {
	Submit(ctx context.Context, j Job) error
}

// StatusUpdater records terminal job dispositions for observability. It is
// best-effort; failures are logged and ignored.
type StatusUpdater interface {
	Update(ctx context.Context, uid string, status Status)
}

// TradeResolver returns the trading service for the named exchange.
type TradeResolver func(exchangeName string) (exchange.TradeService, error)

// OrderResolver returns the order lookup service for the named exchange.
type OrderResolver func(exchangeName string) (exchange.OrderService, error)

// Runtime bundles the external collaborators processors may use.
type Runtime struct {
	Database kv.Database

	Registry *marketdata.Registry

	Metadata exchange.MetadataService

	Notifier notification.Notifier

	Status StatusUpdater

	Submit Submitter

	Trades TradeResolver

	Orders OrderResolver
}

// JobType is one entry in the Runner's dispatch table.
type JobType struct {
	Typename string

	// Load reads the job's persisted state from the type's own keyspace.
	Load func(ctx context.Context, r kv.Reader, uid string) (Job, error)

	// NewProcessor binds a processor to one job instance.
	NewProcessor func(j Job, c Control, rt *Runtime) (Processor, error)
}
