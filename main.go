// Copyright (c) 2025 BVK Chaitanya

// Command stopbot runs an automated trading job daemon. Jobs are submitted
// and inspected through a local http control interface; running jobs are
// persisted and resumed across restarts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/bvk/stopbot/exchange"
	"github.com/bvk/stopbot/gdax"
	"github.com/bvk/stopbot/job"
	"github.com/bvk/stopbot/limitorder"
	"github.com/bvk/stopbot/marketdata"
	"github.com/bvk/stopbot/notification"
	"github.com/bvk/stopbot/orderwatch"
	"github.com/bvk/stopbot/pushover"
	"github.com/bvk/stopbot/server"
	"github.com/bvk/stopbot/telegram"
	"github.com/bvk/stopbot/trailingstop"
	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
	"github.com/nightlyone/lockfile"
)

var (
	ip          = flag.String("ip", "127.0.0.1", "TCP ip address for the control interface")
	port        = flag.Int("port", 10100, "TCP port number for the control interface")
	dataDir     = flag.String("data-dir", "", "path to the data directory (default $HOME/.stopbot)")
	secretsPath = flag.String("secrets-file", "", "path to the secrets file (default <data-dir>/secrets.json)")
)

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		slog.Error("stopbot has failed", "err", err)
		os.Exit(1)
	}
}

func isGoodKey(k string) bool {
	return path.IsAbs(k) && k == path.Clean(k)
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(*dataDir) == 0 {
		*dataDir = filepath.Join(os.Getenv("HOME"), ".stopbot")
	}
	if _, err := os.Stat(*dataDir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not stat data directory %q: %w", *dataDir, err)
		}
		if err := os.MkdirAll(*dataDir, 0700); err != nil {
			return fmt.Errorf("could not create data directory %q: %w", *dataDir, err)
		}
	}
	dir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("could not determine data-dir %q absolute path: %w", *dataDir, err)
	}

	if len(*secretsPath) == 0 {
		*secretsPath = filepath.Join(dir, "secrets.json")
	}
	secrets, err := server.SecretsFromFile(*secretsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("could not load secrets file %q: %w", *secretsPath, err)
		}
		secrets = new(server.Secrets)
		slog.Warn("no secrets file; order placement and notifications are unavailable", "path", *secretsPath)
	}

	addr := &net.TCPAddr{
		IP:   net.ParseIP(*ip),
		Port: *port,
	}
	if addr.IP == nil {
		return fmt.Errorf("invalid ip address %q", *ip)
	}
	if addr.Port <= 0 {
		return fmt.Errorf("invalid port number %d", *port)
	}

	lockPath := filepath.Join(dir, "stopbot.lock")
	flock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("could not create lock file %q: %w", lockPath, err)
	}
	if err := flock.TryLock(); err != nil {
		return fmt.Errorf("could not get lock on file %q: %w", lockPath, err)
	}
	defer flock.Unlock()

	// Open the database.
	bopts := badger.DefaultOptions(dir)
	bdb, err := badger.Open(bopts)
	if err != nil {
		return fmt.Errorf("could not open the database: %w", err)
	}
	defer bdb.Close()
	db := kvbadger.New(bdb, isGoodKey)

	// Exchange client and the shared market data registry.
	var key, secret string
	if secrets.GDAX != nil {
		key, secret = secrets.GDAX.Key, secrets.GDAX.Secret
	}
	gdaxClient, err := gdax.New(key, secret, nil)
	if err != nil {
		return fmt.Errorf("could not create exchange client: %w", err)
	}
	registry := marketdata.NewRegistry(gdaxClient)
	defer registry.Close()

	// Notification transports.
	var senders []notification.Sender
	if secrets.Pushover != nil {
		p, err := pushover.New(secrets.Pushover)
		if err != nil {
			return fmt.Errorf("could not create pushover client: %w", err)
		}
		senders = append(senders, p)
	}
	if secrets.Telegram != nil {
		tg, err := telegram.New(ctx, db, secrets.Telegram)
		if err != nil {
			return fmt.Errorf("could not create telegram client: %w", err)
		}
		defer tg.Close()
		senders = append(senders, tg)
	}
	notifier := notification.NewService(senders...)
	defer notifier.Close()

	rt := &job.Runtime{
		Registry: registry,
		Metadata: gdaxClient,
		Notifier: notifier,
		Trades: func(name string) (exchange.TradeService, error) {
			if name != gdax.ExchangeName {
				return nil, fmt.Errorf("unsupported exchange %q", name)
			}
			return gdaxClient, nil
		},
		Orders: func(name string) (exchange.OrderService, error) {
			if name != gdax.ExchangeName {
				return nil, fmt.Errorf("unsupported exchange %q", name)
			}
			return gdaxClient, nil
		},
	}
	types := []*job.JobType{
		limitorder.JobType(),
		trailingstop.JobType(),
		orderwatch.JobType(),
	}
	runner, err := job.NewRunner(db, rt, types, nil)
	if err != nil {
		return fmt.Errorf("could not create job runner: %w", err)
	}
	defer runner.Close()

	// Restart jobs that were running when the previous process stopped,
	// before the control interface starts taking requests.
	if err := runner.ResumeAll(ctx); err != nil {
		return fmt.Errorf("could not resume jobs: %w", err)
	}

	s, err := server.New(ctx, &server.Options{ListenIP: addr.IP, ListenPort: addr.Port})
	if err != nil {
		return fmt.Errorf("could not start http server on %s: %w", addr, err)
	}
	defer s.Close()

	trader := server.NewTrader(db, runner)
	for k, v := range trader.HandlerMap() {
		s.AddHandler(k, v)
	}
	s.AddHandler("/pid", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, strconv.Itoa(os.Getpid()))
	}))

	slog.Info("started stopbot server", "addr", addr, "data-dir", dir)

	<-ctx.Done()
	slog.Info("stopbot server is shutting down")
	return nil
}
