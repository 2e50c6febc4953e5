package protocol

import (
	"github.com/babblenet/babble/pkg/model"
)

// CredentialRequest asks the server to authenticate. A blank username
// requests an anonymous session.
type CredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// CredentialResponse answers a CredentialRequest. Exactly one response is
// sent per request; Session is set only when IsAuthenticated is true.
type CredentialResponse struct {
	IsAuthenticated bool               `json:"is_authenticated"`
	Message         string             `json:"message,omitempty"`
	Session         *model.UserSession `json:"session,omitempty"`
}

// ChatMessage is a chat line relayed to the sender's channel.
type ChatMessage struct {
	Text       string `json:"text"`
	SenderName string `json:"sender_name,omitempty"` // filled in by the server
	ChannelID  int64  `json:"channel_id,omitempty"`  // filled in by the server
	Timestamp  int64  `json:"timestamp,omitempty"`   // unix seconds, filled in by the server
}

// VoiceFrame carries one encoded audio frame, relayed opaquely to the
// sender's channel. The server never inspects Data.
type VoiceFrame struct {
	SessionID uint64 `json:"session_id,omitempty"` // filled in by the server
	SeqNum    uint32 `json:"seq_num"`
	Data      []byte `json:"data"`
}

// ChannelState is a channel together with the sessions currently in it.
type ChannelState struct {
	Channel model.Channel       `json:"channel"`
	Users   []model.UserSession `json:"users"`
}

// GetAllChannelsResponse is a point-in-time snapshot of every channel.
type GetAllChannelsResponse struct {
	Channels []ChannelState `json:"channels"`
}

// ChannelRequest names a channel for create, rename, and delete requests.
// Create uses Name only; rename uses ID and Name; delete uses ID only.
type ChannelRequest struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// CreateChannelResponse reports the outcome of a create request. On success
// it is broadcast to every connection and carries the new channel with its
// server-assigned id.
type CreateChannelResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Channel *ChannelState `json:"channel,omitempty"`
}

// RenameChannelResponse is broadcast after a successful rename, or sent
// directly to the requester when persistence rejected the rename.
type RenameChannelResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Channel *model.Channel `json:"channel,omitempty"`
}

// DeleteChannelResponse is broadcast after a successful delete, or sent
// directly to the requester on failure. On success Channels is the
// refreshed snapshot so clients can re-render without a follow-up request;
// evacuated members appear in the lobby.
type DeleteChannelResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	ChannelID int64          `json:"channel_id,omitempty"`
	Channels  []ChannelState `json:"channels,omitempty"`
}

// UserChangeChannelRequest asks to move the session to another channel.
// An unknown target resolves to the lobby.
type UserChangeChannelRequest struct {
	ChannelID int64 `json:"channel_id"`
}

// UserChangeStatusRequest updates the session's presence status.
type UserChangeStatusRequest struct {
	Status model.UserStatus `json:"status"`
}

// CreateUserRequest registers a new persisted user.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SimpleResponse is a generic success/failure reply.
type SimpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
