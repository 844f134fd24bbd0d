// Copyright (c) 2025 BVK Chaitanya

package server

import (
	"encoding/json"
	"os"

	"github.com/bvk/stopbot/gdax"
	"github.com/bvk/stopbot/pushover"
	"github.com/bvk/stopbot/telegram"
)

type Secrets struct {
	GDAX *gdax.Credentials `json:"gdax"`

	Pushover *pushover.Keys    `json:"pushover"`
	Telegram *telegram.Secrets `json:"telegram"`
}

func SecretsFromFile(fpath string) (*Secrets, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	s := new(Secrets)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (v *Secrets) Check() error {
	if v.GDAX != nil {
		if err := v.GDAX.Check(); err != nil {
			return err
		}
	}
	if v.Pushover != nil {
		if err := v.Pushover.Check(); err != nil {
			return err
		}
	}
	if v.Telegram != nil {
		if err := v.Telegram.Check(); err != nil {
			return err
		}
	}
	return nil
}
