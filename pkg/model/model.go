// Package model defines the core domain types for Babble.
package model

import "time"

// LobbyChannelID is the reserved id of the lobby channel. The lobby always
// exists, can never be deleted, and is where every session lands after
// authentication and after its channel is deleted.
const LobbyChannelID int64 = 1

// User represents a registered user.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStatus is a user's presence status.
type UserStatus int

const (
	StatusOnline UserStatus = iota
	StatusAway
)

func (s UserStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known status value.
func (s UserStatus) Valid() bool {
	return s == StatusOnline || s == StatusAway
}

// UserSession is a connection-scoped identity. It is created when a
// connection authenticates and destroyed when the connection goes away.
// Anonymous sessions carry an ephemeral User that is not persisted.
type UserSession struct {
	ID          uint64     `json:"id"`
	User        User       `json:"user"`
	Anonymous   bool       `json:"anonymous"`
	ChannelID   int64      `json:"channel_id"`
	Status      UserStatus `json:"status"`
	Talking     bool       `json:"talking"`
	LastTalking time.Time  `json:"last_talking"`
}
