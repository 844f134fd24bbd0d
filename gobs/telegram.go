// Copyright (c) 2025 BVK Chaitanya

package gobs

// TelegramState remembers the chat ids learned from messages sent by
// authorized users, keyed by username.
type TelegramState struct {
	UserChatIDMap map[string]int64
}
