// Copyright (c) 2025 BVK Chaitanya

// Package gdax implements the exchange interfaces for a GDAX style exchange:
// REST endpoints for order placement and instrument metadata and a websocket
// feed for live tickers.
package gdax

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/syncmap"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ExchangeName is the name under which this client is registered.
const ExchangeName = "gdax"

type Client struct {
	opts Options

	key    string
	secret []byte

	httpClient *http.Client

	limiter *rate.Limiter

	// priceScaleMap caches the price scale per product id; instrument
	// metadata never changes while the process runs.
	priceScaleMap syncmap.Map[string, int32]
}

var (
	_ exchange.TradeService     = &Client{}
	_ exchange.OrderService     = &Client{}
	_ exchange.MetadataService  = &Client{}
	_ exchange.MarketDataClient = &Client{}
)

// New creates a client for a GDAX style exchange. The key and secret are
// only required for order placement; market data and metadata endpoints are
// public.
func New(key, secret string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   *opts,
		key:    key,
		secret: []byte(secret),
		httpClient: &http.Client{
			Timeout: opts.HttpClientTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestBurst),
	}
	return c, nil
}

func (c *Client) sign(message string) string {
	signature := hmac.New(sha256.New, c.secret)
	if _, err := signature.Write([]byte(message)); err != nil {
		slog.Error("could not write to hmac stream (ignored)", "err", err)
		return ""
	}
	return hex.EncodeToString(signature.Sum(nil))
}

func (c *Client) setAuthHeaders(req *http.Request, at time.Time, payload []byte) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sdata := fmt.Sprintf("%s%s%s%s", ts, req.Method, req.URL.Path, payload)
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("CB-ACCESS-KEY", c.key)
	req.Header.Add("CB-ACCESS-SIGN", c.sign(sdata))
	req.Header.Add("CB-ACCESS-TIMESTAMP", ts)
}

func (c *Client) httpGetJSON(ctx context.Context, url *url.URL, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return err
	}
	c.setAuthHeaders(req, time.Now(), nil)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("http GET %q returned %d: %w", url.Path, resp.StatusCode, os.ErrNotExist)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http GET %q returned %d", url.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("could not json-decode GET response: %w", err)
	}
	return nil
}

func (c *Client) httpPostJSON(ctx context.Context, url *url.URL, request, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setAuthHeaders(req, time.Now(), payload)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http POST %q returned %d", url.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("could not json-decode POST response: %w", err)
	}
	return nil
}

type productType struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// PriceScale returns the number of decimal places in the instrument's price
// tick, derived from the product's quote increment.
func (c *Client) PriceScale(ctx context.Context, spec exchange.TickerSpec) (int32, error) {
	productID := spec.ProductID()
	if scale, ok := c.priceScaleMap.Load(productID); ok {
		return scale, nil
	}

	url := &url.URL{
		Scheme: "https",
		Host:   c.opts.RestHostname,
		Path:   "/products/" + productID,
	}
	product := new(productType)
	if err := c.httpGetJSON(ctx, url, product); err != nil {
		return 0, fmt.Errorf("could not fetch product %q: %w", productID, err)
	}
	if product.ID == "" {
		return 0, fmt.Errorf("no such product %q (%s)", productID, product.Message)
	}

	increment, err := decimal.NewFromString(product.QuoteIncrement)
	if err != nil {
		return 0, fmt.Errorf("could not parse quote increment %q: %w", product.QuoteIncrement, err)
	}
	scale := -increment.Exponent()
	if scale < 0 {
		scale = 0
	}
	c.priceScaleMap.Store(productID, scale)
	return scale, nil
}

type orderType struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Settled    bool   `json:"settled"`
	DoneReason string `json:"done_reason"`
	Message    string `json:"message"`
}

// GetOrder fetches the current state of an order by its exchange assigned
// id. An unknown order id maps to os.ErrNotExist.
func (c *Client) GetOrder(ctx context.Context, spec exchange.TickerSpec, id exchange.OrderID) (*exchange.Order, error) {
	url := &url.URL{
		Scheme: "https",
		Host:   c.opts.RestHostname,
		Path:   "/orders/" + string(id),
	}
	order := new(orderType)
	if err := c.httpGetJSON(ctx, url, order); err != nil {
		return nil, fmt.Errorf("could not fetch order %q: %w", id, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("no such order %q (%s): %w", id, order.Message, os.ErrNotExist)
	}
	return orderFromType(order), nil
}

// orderFromType maps the exchange order schema onto the narrow order
// snapshot. A settled or "done" order is final; its done reason, when
// present, is a more precise status than "done".
func orderFromType(order *orderType) *exchange.Order {
	v := &exchange.Order{
		ID:     exchange.OrderID(order.ID),
		Status: order.Status,
		Done:   order.Settled || order.Status == "done",
	}
	if v.Done && order.DoneReason != "" {
		v.Status = order.DoneReason
	}
	return v
}

type createOrderRequest struct {
	ClientOID string `json:"client_oid"`
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
}

type createOrderResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// PlaceLimitOrder submits a limit order. The client order id deduplicates
// resubmissions on the server side.
func (c *Client) PlaceLimitOrder(ctx context.Context, clientOrderID uuid.UUID, order *exchange.LimitOrder) (exchange.OrderID, error) {
	request := &createOrderRequest{
		ClientOID: clientOrderID.String(),
		ProductID: order.Spec.ProductID(),
		Type:      "limit",
		Side:      strings.ToLower(string(order.Side)),
		Price:     order.Price.String(),
		Size:      order.Size.String(),
	}
	url := &url.URL{
		Scheme: "https",
		Host:   c.opts.RestHostname,
		Path:   "/orders",
	}
	resp := new(createOrderResponse)
	if err := c.httpPostJSON(ctx, url, request, resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("order was rejected: %s", resp.Message)
	}
	slog.Info("placed limit order", "product", request.ProductID, "side", request.Side, "size", request.Size, "price", request.Price, "order-id", resp.ID)
	return exchange.OrderID(resp.ID), nil
}
