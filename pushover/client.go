// Copyright (c) 2025 BVK Chaitanya

// Package pushover implements a minimal client for the Pushover message API,
// used as a notification transport.
package pushover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

const apiURL = "https://api.pushover.net/1/messages.json"

type Keys struct {
	ApplicationKey string `json:"application_key"`
	UserKey        string `json:"user_key"`
}

func (v *Keys) Check() error {
	if len(v.ApplicationKey) == 0 || len(v.UserKey) == 0 {
		return fmt.Errorf("pushover keys cannot be empty: %w", os.ErrInvalid)
	}
	return nil
}

type message struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

type Client struct {
	keys Keys

	httpClient *http.Client
}

func New(keys *Keys) (*Client, error) {
	if err := keys.Check(); err != nil {
		return nil, err
	}
	return &Client{keys: *keys, httpClient: &http.Client{}}, nil
}

func (c *Client) SendMessage(ctx context.Context, at time.Time, msg string) error {
	m := &message{
		Token:     c.keys.ApplicationKey,
		User:      c.keys.UserKey,
		Timestamp: at.Unix(),
		Message:   msg,
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("could not json-encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not perform post request: %w", err)
	}
	defer resp.Body.Close()

	r := new(response)
	if err := json.NewDecoder(resp.Body).Decode(r); err != nil {
		return fmt.Errorf("could not json-decode response with http-status %d: %w", resp.StatusCode, err)
	}
	if r.Status != 1 {
		if len(r.Errors) != 0 {
			return fmt.Errorf("send has failed with http-status %d: %w", resp.StatusCode, errors.New(r.Errors[0]))
		}
		return fmt.Errorf("send has failed with http-status %d and response status %d", resp.StatusCode, r.Status)
	}
	return nil
}
