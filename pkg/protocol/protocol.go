// Package protocol defines the Babble message envelope and wire framing.
//
// Every unit of communication is a Message: a type tag from a closed set
// plus a typed JSON payload. On the wire a message is framed as a 4-byte
// big-endian length prefix followed by the JSON-encoded envelope.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum encoded message size (64KB).
const MaxMessageSize = 65536

// MessageType identifies the kind of message carried by an envelope.
// This is a closed enumeration: adding a message type means adding a
// constant and a dispatch case, not registering a dynamic handler.
type MessageType string

const (
	TypeChat  MessageType = "chat"
	TypeVoice MessageType = "voice"
	TypeHello MessageType = "hello"

	TypeCredentialRequest  MessageType = "credential_request"
	TypeCredentialResponse MessageType = "credential_response"

	TypeGetAllChannelsRequest  MessageType = "get_all_channels_request"
	TypeGetAllChannelsResponse MessageType = "get_all_channels_response"

	TypeUserChangeChannelRequest  MessageType = "user_change_channel_request"
	TypeUserChangeChannelResponse MessageType = "user_change_channel_response"

	TypeCreateChannelRequest  MessageType = "create_channel_request"
	TypeCreateChannelResponse MessageType = "create_channel_response"

	TypeRenameChannelRequest  MessageType = "rename_channel_request"
	TypeRenameChannelResponse MessageType = "rename_channel_response"

	TypeDeleteChannelRequest  MessageType = "delete_channel_request"
	TypeDeleteChannelResponse MessageType = "delete_channel_response"

	TypeCreateUserRequest  MessageType = "create_user_request"
	TypeCreateUserResponse MessageType = "create_user_response"

	TypeUserChangeStatusRequest  MessageType = "user_change_status_request"
	TypeUserChangeStatusResponse MessageType = "user_change_status_response"

	TypeUserConnected    MessageType = "user_connected"
	TypeUserDisconnected MessageType = "user_disconnected"
)

// Message is the typed, versioned envelope exchanged between client and
// server. Payload holds the JSON encoding of the payload struct matching
// Type (see messages.go).
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope of the given type around payload.
// A nil payload produces an envelope with no payload field.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	msg.Payload = data
	return msg, nil
}

// MustMessage is NewMessage for payloads the server constructs itself,
// where a marshal failure is a programming error.
func MustMessage(t MessageType, payload any) *Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the envelope into wire format: length prefix plus body.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(buf[4:], data)
	return buf, nil
}

// WriteMessage writes a length-prefixed message to a writer.
func WriteMessage(w io.Writer, msg *Message) error {
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return msg, nil
}
