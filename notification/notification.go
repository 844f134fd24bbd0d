// Copyright (c) 2025 BVK Chaitanya

// Package notification delivers user-facing messages about job activity.
// Delivery is fire-and-forget; jobs never block on, or fail because of, a
// notification transport.
package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/bvk/stopbot/ctxutil"
)

// Notifier is the interface jobs report through.
type Notifier interface {
	Info(msg string)
	Error(msg string, cause error)
}

// Sender is a single message transport, e.g. pushover or telegram.
type Sender interface {
	SendMessage(ctx context.Context, at time.Time, msg string) error
}

type message struct {
	at  time.Time
	msg string
}

// Service fans messages out to all configured senders from a background
// goroutine. With no senders it degrades to log-only.
type Service struct {
	cg ctxutil.CloseGroup

	senders []Sender

	msgCh chan *message
}

var _ Notifier = &Service{}

func NewService(senders ...Sender) *Service {
	s := &Service{
		senders: senders,
		msgCh:   make(chan *message, 100),
	}
	s.cg.Go(s.goSend)
	return s
}

func (s *Service) Close() {
	s.cg.Close()
}

func (s *Service) Info(msg string) {
	slog.Info("notification", "msg", msg)
	s.enqueue(msg)
}

func (s *Service) Error(msg string, cause error) {
	slog.Error("notification", "msg", msg, "err", cause)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	s.enqueue(msg)
}

func (s *Service) enqueue(msg string) {
	m := &message{at: time.Now(), msg: msg}
	select {
	case s.msgCh <- m:
	default:
		slog.Warn("notification queue is full; message is dropped", "msg", msg)
	}
}

func (s *Service) goSend(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.msgCh:
			for _, sender := range s.senders {
				sctx, scancel := context.WithTimeout(ctx, 30*time.Second)
				if err := sender.SendMessage(sctx, m.at, m.msg); err != nil {
					slog.Warn("could not send notification (dropped)", "msg", m.msg, "err", err)
				}
				scancel()
			}
		}
	}
}
