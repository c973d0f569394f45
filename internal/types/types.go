package types

import (
	"time"
)

// ChatMessage is a single chat message as it travels between the
// client and the relay. TempId is assigned by the sending client
// before transmission and preserved by the server in its ack so the
// optimistic UI entry can be reconciled with the canonical message.
type ChatMessage struct {
	Id        string    `json:"id,omitempty"`
	TempId    string    `json:"temp_id,omitempty"`
	ChatId    string    `json:"chat_id"`
	SenderId  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NotificationAction is a quick-action descriptor attached to an
// alert (e.g. "Reply", "Mark read").
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushMessage is the wire payload carried by a push delivery. Every
// field is optional; Body and Message are aliases (the backend has
// historically used both).
type PushMessage struct {
	Title              string               `json:"title,omitempty"`
	Body               string               `json:"body,omitempty"`
	Message            string               `json:"message,omitempty"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Image              string               `json:"image,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	URL                string               `json:"url,omitempty"`
	NotificationId     string               `json:"notificationId,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}

// NotificationPayload is a fully resolved alert, ready to hand to the
// platform notifier. Notifications sharing a Tag replace each other;
// Renotify makes a replacement re-alert instead of being swallowed.
type NotificationPayload struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Image              string
	Vibrate            []int
	RequireInteraction bool
	Tag                string
	Renotify           bool
	URL                string
	NotificationId     string
	Actions            []NotificationAction
	ClickTimestamp     time.Time
}

// Notification is a stored notification as returned by the backend's
// paged listing.
type Notification struct {
	Id        string    `json:"id"`
	UserId    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
