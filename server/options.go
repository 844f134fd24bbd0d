// Copyright (c) 2025 BVK Chaitanya

package server

import (
	"net"
	"time"
)

type Options struct {
	ListenIP   net.IP
	ListenPort int

	// ServerCheckTimeout holds the http client timeout when checking for
	// the http server initialization.
	ServerCheckTimeout time.Duration

	// ServerCheckRetryInterval holds the amount of time to wait between
	// http server readiness checks.
	ServerCheckRetryInterval time.Duration
}

func (v *Options) setDefaults() {
	if v.ListenIP == nil {
		v.ListenIP = net.IPv4(127, 0, 0, 1)
	}
	if v.ServerCheckTimeout == 0 {
		v.ServerCheckTimeout = 10 * time.Second
	}
	if v.ServerCheckRetryInterval == 0 {
		v.ServerCheckRetryInterval = time.Second
	}
}

func (v *Options) Check() error {
	return nil
}
