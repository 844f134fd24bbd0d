// Copyright (c) 2025 BVK Chaitanya

package gobs

import "github.com/shopspring/decimal"

// TickerSpec identifies a traded instrument on one exchange.
type TickerSpec struct {
	Exchange string
	Base     string
	Counter  string
}

// LimitOrderState is the persisted state of a limit-order job.
type LimitOrderState struct {
	Spec TickerSpec

	Side string

	Size  decimal.Decimal
	Price decimal.Decimal
}

// OrderWatchState is the persisted state of an order-watch job.
type OrderWatchState struct {
	Spec TickerSpec

	OrderID string

	// Description is included in the completion notification.
	Description string
}

// TrailingStopState is the persisted state of a soft trailing-stop job. Only
// StopPrice and LastSyncPrice change across replacements; the rest is fixed
// at submission.
type TrailingStopState struct {
	Spec TickerSpec

	Side string

	Size decimal.Decimal

	StartPrice decimal.Decimal
	StopPrice  decimal.Decimal
	LimitPrice decimal.Decimal

	LastSyncPrice decimal.Decimal
}
