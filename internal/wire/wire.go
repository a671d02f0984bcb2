// Package wire defines the JSON frame types exchanged over a relay
// websocket connection. Frames are a tagged union: Type selects which
// body pointer is populated.
package wire

import (
	"github.com/parley-chat/parley/internal/crypto/envelope"
	"github.com/parley-chat/parley/internal/store"
)

// Frame type discriminators.
const (
	TypeAuth     = "auth"
	TypeAuthAck  = "auth_ack"
	TypeSend     = "send"
	TypeSendAck  = "send_ack"
	TypeMessage  = "message"
	TypePresence = "presence"
	TypeHistory  = "history"
	TypeError    = "error"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type     string    `json:"type"`
	Auth     *Auth     `json:"auth,omitempty"`
	AuthAck  *AuthAck  `json:"auth_ack,omitempty"`
	Send     *Send     `json:"send,omitempty"`
	SendAck  *SendAck  `json:"send_ack,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
	History  *History  `json:"history,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Auth carries the bearer credential and must be the first client frame.
type Auth struct {
	Token string `json:"token"`
}

// AuthAck confirms the session and snapshots the currently online identities.
type AuthAck struct {
	SessionID string   `json:"session_id"`
	Online    []string `json:"online"`
}

// Send submits a sealed envelope for routing to a recipient identity.
type Send struct {
	ReceiverID string            `json:"receiver_id"`
	Envelope   envelope.Envelope `json:"envelope"`
	ClientRef  string            `json:"client_ref,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SendAck reports the persisted message ID and whether any live recipient
// session took the message. Delivered=false is informational, not an error.
type SendAck struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	ClientRef string `json:"client_ref,omitempty"`
}

// Message delivers a persisted record to a live session.
type Message struct {
	Record store.Record `json:"record"`
}

// Presence announces an identity's online/offline transition.
type Presence struct {
	IdentityID string `json:"identity_id"`
	Status     string `json:"status"`
}

// History is the replay batch streamed once after authentication, ordered
// by creation time.
type History struct {
	Messages []store.Record `json:"messages"`
}

// Error surfaces a rejected frame to the offending session only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame builds an error frame.
func ErrorFrame(code, message string) *Frame {
	return &Frame{Type: TypeError, Error: &Error{Code: code, Message: message}}
}

// PresenceFrame builds a presence transition frame.
func PresenceFrame(identityID, status string) *Frame {
	return &Frame{Type: TypePresence, Presence: &Presence{IdentityID: identityID, Status: status}}
}

// MessageFrame wraps a record for live delivery.
func MessageFrame(rec store.Record) *Frame {
	return &Frame{Type: TypeMessage, Message: &Message{Record: rec}}
}
