package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	LobbyChannelName = "Lobby"

	MaxChannelNameLength = 64
)

var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")

// Channel represents a chat/voice channel on the server.
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateChannelName checks a channel name for emptiness and length.
func ValidateChannelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrChannelNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	return nil
}
