package agent

import (
	"context"

	"github.com/linkipax/realtime/internal/types"
)

// AppMessage is an in-process message delivered from the agent to a
// running application instance. This and the backend are the only
// channels between the two; they share no memory.
type AppMessage struct {
	Type           string `json:"type"`
	NotificationId string `json:"notification_id,omitempty"`
}

// MessageNotificationClick tells a focused instance which
// notification was activated so it can mark it read without a network
// round-trip.
const MessageNotificationClick = "notification_click"

// Notifier renders user-visible alerts.
type Notifier interface {
	Show(ctx context.Context, n *types.NotificationPayload) error
	Close(ctx context.Context, tag string) error
}

// Window is one open application instance.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg AppMessage) error
}

// WindowRegistry enumerates and controls application instances.
type WindowRegistry interface {
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) error
	// Claim takes over any pending instance of the agent so no two
	// versions run concurrently against the same user.
	Claim(ctx context.Context) error
}

// AssetFetcher retrieves static assets for pre-caching.
type AssetFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}
