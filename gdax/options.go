// Copyright (c) 2025 BVK Chaitanya

package gdax

import (
	"fmt"
	"os"
	"time"
)

var (
	RestHostname      = "api.gdax.com"
	WebsocketHostname = "ws-feed.gdax.com"
)

type Options struct {
	// Hostnames for the REST and WebSocket service endpoints.
	RestHostname      string
	WebsocketHostname string

	// Timeout to use for the HTTP requests.
	HttpClientTimeout time.Duration

	// Max number of REST requests per second and the burst allowance.
	RequestsPerSecond float64
	RequestBurst      int
}

func (v *Options) setDefaults() {
	if v.RestHostname == "" {
		v.RestHostname = RestHostname
	}
	if v.WebsocketHostname == "" {
		v.WebsocketHostname = WebsocketHostname
	}
	if v.HttpClientTimeout == 0 {
		v.HttpClientTimeout = 5 * time.Second
	}
	if v.RequestsPerSecond == 0 {
		v.RequestsPerSecond = 5
	}
	if v.RequestBurst == 0 {
		v.RequestBurst = 10
	}
}

func (v *Options) Check() error {
	if v.RequestsPerSecond < 0 || v.RequestBurst < 0 {
		return fmt.Errorf("rate limit values cannot be negative: %w", os.ErrInvalid)
	}
	return nil
}
