// Copyright (c) 2025 BVK Chaitanya

// Package api defines the JSON request/response types and URL paths for the
// stopbot control interface. All operations are POST requests with JSON
// bodies.
package api

import (
	"github.com/shopspring/decimal"
)

const (
	LimitOrderPath   = "/trader/limit-order"
	TrailingStopPath = "/trader/trailing-stop"
	OrderWatchPath   = "/trader/order-watch"

	JobListPath   = "/trader/job/list"
	JobGetPath    = "/trader/job/get"
	JobCancelPath = "/trader/job/cancel"
)

type LimitOrderRequest struct {
	ExchangeName string

	Base    string
	Counter string

	Side string

	Size  decimal.Decimal
	Price decimal.Decimal
}

type LimitOrderResponse struct {
	UID string
}

type TrailingStopRequest struct {
	ExchangeName string

	Base    string
	Counter string

	Side string

	Size decimal.Decimal

	StartPrice decimal.Decimal
	StopPrice  decimal.Decimal
	LimitPrice decimal.Decimal
}

type TrailingStopResponse struct {
	UID string
}

type OrderWatchRequest struct {
	ExchangeName string

	Base    string
	Counter string

	OrderID string

	// Description is echoed in the completion notification.
	Description string
}

type OrderWatchResponse struct {
	UID string
}

type JobListRequest struct {
}

type JobListResponseItem struct {
	UID   string
	Type  string
	State string

	// Status holds the last processor reported status, when one exists.
	Status string
}

type JobListResponse struct {
	Jobs []*JobListResponseItem
}

type JobGetRequest struct {
	UID string
}

type JobGetResponse struct {
	UID   string
	Type  string
	State string

	// Status holds the last processor reported status, when one exists.
	Status string
}

type JobCancelRequest struct {
	UID string
}

type JobCancelResponse struct {
	FinalState string
}
