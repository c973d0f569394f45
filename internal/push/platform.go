package push

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

// Permission is the platform's alert permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Subscription is one device's registration with the push service:
// the service-assigned delivery endpoint plus encryption material.
// Owned exclusively by the Service; the backend holds a mirror once
// registered.
type Subscription struct {
	Endpoint       string       `json:"endpoint"`
	ExpirationTime *time.Time   `json:"expiration_time,omitempty"`
	Keys           webpush.Keys `json:"keys"`
}

// WebPush converts to the wire shape the backend's push sender
// consumes.
func (s *Subscription) WebPush() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys:     s.Keys,
	}
}

// Platform abstracts the host environment: capability detection,
// alert permission, background-agent registration and the push
// service itself.
type Platform interface {
	// Supported reports whether push, background agents and alerts
	// are all available.
	Supported() bool
	// Permission returns the current alert permission state without
	// prompting.
	Permission() Permission
	// RequestPermission prompts the user and returns the resulting
	// state.
	RequestPermission(ctx context.Context) (Permission, error)
	// ClearRegistrations removes any background-agent registrations
	// left over from a previous run.
	ClearRegistrations(ctx context.Context) error
	// RegisterAgent registers the background delivery agent and
	// returns once it is ready to receive events.
	RegisterAgent(ctx context.Context) error
	// Subscription returns the current push subscription, or nil when
	// none exists.
	Subscription(ctx context.Context) (*Subscription, error)
	// Subscribe registers with the push service using the decoded
	// application server key.
	Subscribe(ctx context.Context, applicationServerKey []byte) (*Subscription, error)
	// Unsubscribe revokes the current subscription with the push
	// service. Returns false when nothing was subscribed.
	Unsubscribe(ctx context.Context) (bool, error)
}
