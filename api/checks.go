// Copyright (c) 2025 BVK Chaitanya

package api

import (
	"fmt"
	"os"
)

func (r *LimitOrderRequest) Check() error {
	if len(r.ExchangeName) == 0 || len(r.Base) == 0 || len(r.Counter) == 0 {
		return fmt.Errorf("exchange, base and counter cannot be empty: %w", os.ErrInvalid)
	}
	if r.Side != "BUY" && r.Side != "SELL" {
		return fmt.Errorf("side must be BUY or SELL (got %q): %w", r.Side, os.ErrInvalid)
	}
	if r.Size.IsZero() || r.Size.IsNegative() {
		return fmt.Errorf("size must be positive: %w", os.ErrInvalid)
	}
	if r.Price.IsZero() || r.Price.IsNegative() {
		return fmt.Errorf("price must be positive: %w", os.ErrInvalid)
	}
	return nil
}

func (r *TrailingStopRequest) Check() error {
	if len(r.ExchangeName) == 0 || len(r.Base) == 0 || len(r.Counter) == 0 {
		return fmt.Errorf("exchange, base and counter cannot be empty: %w", os.ErrInvalid)
	}
	if r.Side != "BUY" && r.Side != "SELL" {
		return fmt.Errorf("side must be BUY or SELL (got %q): %w", r.Side, os.ErrInvalid)
	}
	if r.Size.IsZero() || r.Size.IsNegative() {
		return fmt.Errorf("size must be positive: %w", os.ErrInvalid)
	}
	if !r.StartPrice.IsPositive() {
		return fmt.Errorf("start price must be positive: %w", os.ErrInvalid)
	}
	if !r.StopPrice.IsPositive() {
		return fmt.Errorf("stop price must be positive: %w", os.ErrInvalid)
	}
	if !r.LimitPrice.IsPositive() {
		return fmt.Errorf("limit price must be positive: %w", os.ErrInvalid)
	}
	return nil
}

func (r *OrderWatchRequest) Check() error {
	if len(r.ExchangeName) == 0 || len(r.Base) == 0 || len(r.Counter) == 0 {
		return fmt.Errorf("exchange, base and counter cannot be empty: %w", os.ErrInvalid)
	}
	if len(r.OrderID) == 0 {
		return fmt.Errorf("order id cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}

func (r *JobGetRequest) Check() error {
	if len(r.UID) == 0 {
		return fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}

func (r *JobCancelRequest) Check() error {
	if len(r.UID) == 0 {
		return fmt.Errorf("job uid cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}
