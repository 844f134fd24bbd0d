// Copyright (c) 2025 BVK Chaitanya

// Package telegram implements a send-only Telegram notification transport.
// The bot cannot message a user before it has seen a message from them, so a
// background handler records the chat id of every authorized user who talks
// to the bot and persists them in the database.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/bvk/stopbot/ctxutil"
	"github.com/bvk/stopbot/gobs"
	"github.com/bvk/stopbot/kvutil"
	"github.com/bvkgo/kv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type Client struct {
	cg ctxutil.CloseGroup

	db kv.Database

	mu sync.Mutex

	bot *bot.Bot

	self *models.User

	secrets *Secrets

	state *gobs.TelegramState
}

func New(ctx context.Context, db kv.Database, secrets *Secrets) (*Client, error) {
	if err := secrets.Check(); err != nil {
		return nil, err
	}

	c := &Client{
		db:      db,
		secrets: secrets.Clone(),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(c.handler),
	}
	b, err := bot.New(secrets.BotToken, opts...)
	if err != nil {
		return nil, err
	}
	c.bot = b

	self, err := b.GetMe(ctx)
	if err != nil {
		return nil, err
	}
	c.self = self

	state, err := kvutil.GetDB[gobs.TelegramState](ctx, db, c.stateKey())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		state = &gobs.TelegramState{
			UserChatIDMap: make(map[string]int64),
		}
	}
	c.state = state

	c.cg.Go(func(ctx context.Context) {
		c.bot.Start(ctx)
	})
	return c, nil
}

func (c *Client) Close() error {
	c.cg.Close()
	return nil
}

func (c *Client) BotUserName() string {
	return c.self.Username
}

func (c *Client) stateKey() string {
	return path.Join("/telegram", c.self.Username, "state")
}

func (c *Client) isAuthorized(user string) bool {
	return user == c.secrets.OwnerID || slices.Contains(c.secrets.OtherIDs, user)
}

// SendMessage delivers the text to the owner and all other configured users.
// Users whose chat id is not yet known are skipped with a warning; they must
// message the bot once before they can receive notifications.
func (c *Client) SendMessage(ctx context.Context, at time.Time, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := at.Format("2006-01-02 15:04:05 MST") + " " + text

	receivers := append([]string{c.secrets.OwnerID}, c.secrets.OtherIDs...)
	for _, receiver := range receivers {
		cid, ok := c.state.UserChatIDMap[receiver]
		if !ok {
			slog.Warn("could not notify receiver without chat id", "receiver", receiver)
			continue
		}

		m := &bot.SendMessageParams{
			ChatID: cid,
			Text:   msg,
		}
		if _, err := c.bot.SendMessage(ctx, m); err != nil {
			slog.Error("could not notify receiver (ignored)", "receiver", receiver, "err", err)
			continue
		}
	}
	return nil
}

func (c *Client) handler(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	sender := update.Message.From.Username
	if !c.isAuthorized(sender) {
		slog.Warn("received message from unauthorized user (ignored)", "sender", sender)
		return
	}

	if err := c.updateChatID(ctx, sender, update.Message.Chat.ID); err != nil {
		slog.Warn("could not update chat id (ignored)", "sender", sender, "err", err)
		return
	}

	reply := fmt.Sprintf("Hello %s, you will receive trading notifications in this chat.", sender)
	m := &bot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   reply,
	}
	if _, err := c.bot.SendMessage(ctx, m); err != nil {
		slog.Error("could not acknowledge user message (ignored)", "sender", sender, "err", err)
	}
}

func (c *Client) updateChatID(ctx context.Context, sender string, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.state.UserChatIDMap[sender]; ok && id == chatID {
		return nil
	}
	c.state.UserChatIDMap[sender] = chatID
	slog.Info("recording chat id for authorized user", "user", sender, "chat-id", chatID)
	return kvutil.SetDB(ctx, c.db, c.stateKey(), c.state)
}
