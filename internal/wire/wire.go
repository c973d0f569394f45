// Package wire defines the relay protocol shared by the client and
// the relay server.
package wire

import (
	"encoding/json"

	"github.com/linkipax/realtime/internal/types"
)

// ClientMessage is the envelope for everything a client sends to the
// relay. Exactly one field is set.
type ClientMessage struct {
	Authenticate *Authenticate `json:"authenticate,omitempty"`
	SendMessage  *SendMessage  `json:"send_message,omitempty"`
	Typing       *Typing       `json:"typing,omitempty"`
	JoinChat     *JoinChat     `json:"join_chat,omitempty"`
	LeaveChat    *LeaveChat    `json:"leave_chat,omitempty"`
	Signal       *Signal       `json:"signal,omitempty"`
}

// ServerMessage is the envelope for everything the relay sends to a
// client. Exactly one field is set.
type ServerMessage struct {
	Ack              *Ack               `json:"ack,omitempty"`
	Message          *types.ChatMessage `json:"message,omitempty"`
	UserStatusChange *UserStatusChange  `json:"user_status_change,omitempty"`
	InitialStatuses  *InitialStatuses   `json:"initial_statuses,omitempty"`
	TypingStatus     *TypingStatus      `json:"typing_status,omitempty"`
	Signal           *Signal            `json:"signal,omitempty"`
}

// Authenticate is sent exactly once per successful transport
// connection, immediately after connect.
type Authenticate struct {
	UserId string `json:"user_id"`
}

type SendMessage struct {
	Message types.ChatMessage `json:"message"`
	// TempId is the client-generated correlation id; the server
	// echoes it in the Ack.
	TempId string `json:"temp_id"`
}

// Ack is the server's response to a SendMessage. Either Message
// (canonical, server-assigned) or Error is set.
type Ack struct {
	TempId  string             `json:"temp_id"`
	Message *types.ChatMessage `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type Typing struct {
	ChatId   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

type JoinChat struct {
	ChatId string `json:"chat_id"`
}

type LeaveChat struct {
	ChatId string `json:"chat_id"`
}

// Signal carries opaque peer-connection setup payloads. The relay
// never inspects Payload.
type Signal struct {
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type UserStatusChange struct {
	UserId   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// InitialStatuses is the full presence snapshot pushed by the server
// on every (re)connect.
type InitialStatuses struct {
	Statuses map[string]bool `json:"statuses"`
}

type TypingStatus struct {
	ChatId   string `json:"chat_id,omitempty"`
	UserId   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}
