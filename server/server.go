// Copyright (c) 2025 BVK Chaitanya

// Package server implements the control interface: an embedded http server
// with a dynamically updatable handler set and the JSON handlers that bridge
// api requests to the job runner.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/bvk/stopbot/ctxutil"
	"github.com/google/uuid"
)

// Server is a http server whose handlers can be added and removed while it
// is serving. Handler lookups go through an atomically swapped mux, so
// request serving never contends with handler updates.
type Server struct {
	cg ctxutil.CloseGroup

	opts Options

	server *http.Server

	mux atomic.Pointer[http.ServeMux]

	mutex      sync.Mutex
	handlerMap map[string]http.Handler
}

// New creates a http server listening on the configured address. It returns
// only after the server has responded to a readiness probe.
func New(ctx context.Context, opts *Options) (_ *Server, status error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}

	s := &Server{
		opts:       *opts,
		handlerMap: make(map[string]http.Handler),
	}
	s.updateHandlerMux()

	addr := &net.TCPAddr{
		IP:   opts.ListenIP,
		Port: opts.ListenPort,
	}
	if err := s.start(ctx, addr); err != nil {
		return nil, err
	}
	s.opts.ListenPort = addr.Port
	return s, nil
}

func (s *Server) Close() error {
	if s.server != nil {
		_ = s.server.Close()
	}
	s.cg.Close()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: s.opts.ListenIP, Port: s.opts.ListenPort}
}

func (s *Server) start(ctx context.Context, addr *net.TCPAddr) (status error) {
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return err
	}
	defer func() {
		if status != nil {
			l.Close()
		}
	}()

	if addr.Port == 0 {
		laddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			return fmt.Errorf("created listener addr is not *net.TCPAddr type")
		}
		addr.Port = laddr.Port
	}

	testPath := "/" + uuid.New().String()
	testHandler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	s.AddHandler(testPath, testHandler)
	defer s.RemoveHandler(testPath)

	server := &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return s.cg.Context()
		},
	}
	defer func() {
		if status != nil {
			server.Close()
		}
	}()

	s.cg.Go(func(ctx context.Context) {
		if err := server.Serve(l); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server has failed", "err", err)
			}
		}
	})

	c := http.Client{
		Timeout: s.opts.ServerCheckTimeout,
	}
	u := url.URL{
		Scheme: "http",
		Host:   l.Addr().String(),
		Path:   testPath,
	}

	tctx, tcancel := context.WithTimeout(ctx, s.opts.ServerCheckTimeout)
	defer tcancel()
	for tctx.Err() == nil {
		r, err := http.NewRequestWithContext(tctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.Do(r)
		if err != nil {
			ctxutil.Sleep(tctx, s.opts.ServerCheckRetryInterval)
			continue
		}
		resp.Body.Close()
		break
	}
	if err := context.Cause(tctx); err != nil {
		return fmt.Errorf("could not invoke readiness handler: %w", err)
	}

	s.server = server
	return nil
}

func (s *Server) AddHandler(pattern string, handler http.Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.handlerMap[pattern] = handler
	s.updateHandlerMux()
}

func (s *Server) RemoveHandler(pattern string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.handlerMap[pattern]; !ok {
		return false
	}
	delete(s.handlerMap, pattern)
	s.updateHandlerMux()
	return true
}

func (s *Server) updateHandlerMux() {
	m := http.NewServeMux()
	for k, v := range s.handlerMap {
		m.Handle(k, v)
	}
	s.mux.Store(m)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.Load().ServeHTTP(w, r)
}
