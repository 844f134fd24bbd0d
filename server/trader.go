// Copyright (c) 2025 BVK Chaitanya

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/bvk/stopbot/api"
	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/job"
	"github.com/bvk/stopbot/limitorder"
	"github.com/bvk/stopbot/orderwatch"
	"github.com/bvk/stopbot/trailingstop"
	"github.com/bvkgo/kv"
	"github.com/google/uuid"
)

// Trader bridges the control api to the job runner.
type Trader struct {
	db kv.Database

	runner *job.Runner
}

func NewTrader(db kv.Database, runner *job.Runner) *Trader {
	return &Trader{db: db, runner: runner}
}

// HandlerMap returns the http handlers for all control api operations.
func (t *Trader) HandlerMap() map[string]http.Handler {
	return map[string]http.Handler{
		api.LimitOrderPath:   postJSONHandler(t.doLimitOrder),
		api.TrailingStopPath: postJSONHandler(t.doTrailingStop),
		api.OrderWatchPath:   postJSONHandler(t.doOrderWatch),
		api.JobListPath:      postJSONHandler(t.doList),
		api.JobGetPath:       postJSONHandler(t.doGet),
		api.JobCancelPath:    postJSONHandler(t.doCancel),
	}
}

func postJSONHandler[T1, T2 any](fn func(context.Context, *T1) (*T2, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "api requests must use POST method", http.StatusMethodNotAllowed)
			return
		}
		req := new(T1)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, fmt.Sprintf("could not decode request: %v", err), http.StatusBadRequest)
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, os.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, os.ErrExist):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// doLimitOrder submits a new limit-order job. The order is placed on the
// exchange as soon as the job completes its start/stop cycle, which happens
// within this request.
func (t *Trader) doLimitOrder(ctx context.Context, req *api.LimitOrderRequest) (*api.LimitOrderResponse, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	order := &exchange.LimitOrder{
		Spec: exchange.TickerSpec{
			Exchange: req.ExchangeName,
			Base:     req.Base,
			Counter:  req.Counter,
		},
		Side:  exchange.Side(req.Side),
		Size:  req.Size,
		Price: req.Price,
	}
	uid := uuid.New().String()
	j, err := limitorder.New(uid, order)
	if err != nil {
		return nil, err
	}
	if err := t.runner.Submit(ctx, j); err != nil {
		return nil, fmt.Errorf("could not submit limit-order job: %w", err)
	}
	return &api.LimitOrderResponse{UID: uid}, nil
}

// doTrailingStop submits a new trailing-stop job.
func (t *Trader) doTrailingStop(ctx context.Context, req *api.TrailingStopRequest) (*api.TrailingStopResponse, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	spec := exchange.TickerSpec{
		Exchange: req.ExchangeName,
		Base:     req.Base,
		Counter:  req.Counter,
	}
	uid := uuid.New().String()
	j, err := trailingstop.New(uid, spec, exchange.Side(req.Side), req.Size, req.StartPrice, req.StopPrice, req.LimitPrice)
	if err != nil {
		return nil, err
	}
	if err := t.runner.Submit(ctx, j); err != nil {
		return nil, fmt.Errorf("could not submit trailing-stop job: %w", err)
	}
	return &api.TrailingStopResponse{UID: uid}, nil
}

// doOrderWatch submits a new order-watch job for an order already resting on
// the exchange.
func (t *Trader) doOrderWatch(ctx context.Context, req *api.OrderWatchRequest) (*api.OrderWatchResponse, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	spec := exchange.TickerSpec{
		Exchange: req.ExchangeName,
		Base:     req.Base,
		Counter:  req.Counter,
	}
	uid := uuid.New().String()
	j, err := orderwatch.New(uid, spec, exchange.OrderID(req.OrderID), req.Description)
	if err != nil {
		return nil, err
	}
	if err := t.runner.Submit(ctx, j); err != nil {
		return nil, fmt.Errorf("could not submit order-watch job: %w", err)
	}
	return &api.OrderWatchResponse{UID: uid}, nil
}

func (t *Trader) doList(ctx context.Context, req *api.JobListRequest) (*api.JobListResponse, error) {
	resp := new(api.JobListResponse)
	err := t.runner.List(ctx, func(jd *gobs.JobData) error {
		resp.Jobs = append(resp.Jobs, &api.JobListResponseItem{
			UID:   jd.UID,
			Type:  jd.Typename,
			State: jd.State,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The processor reported status can disagree with the job state, e.g. a
	// job whose final commit failed retires as SUCCESS with a permanent
	// failure on record.
	for _, item := range resp.Jobs {
		if rec, err := job.LastStatus(ctx, t.db, item.UID); err == nil {
			item.Status = rec.Status
		}
	}
	return resp, nil
}

func (t *Trader) doGet(ctx context.Context, req *api.JobGetRequest) (*api.JobGetResponse, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	jd, err := t.runner.Get(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	resp := &api.JobGetResponse{
		UID:   jd.UID,
		Type:  jd.Typename,
		State: jd.State,
	}
	if rec, err := job.LastStatus(ctx, t.db, req.UID); err == nil {
		resp.Status = rec.Status
	}
	return resp, nil
}

func (t *Trader) doCancel(ctx context.Context, req *api.JobCancelRequest) (*api.JobCancelResponse, error) {
	if err := req.Check(); err != nil {
		return nil, err
	}
	state, err := t.runner.Cancel(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	return &api.JobCancelResponse{FinalState: state}, nil
}
