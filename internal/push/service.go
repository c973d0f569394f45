package push

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/linkipax/realtime/internal/backend"
	"github.com/linkipax/realtime/internal/config"
)

const (
	// renewalWindow is how close to its expiration a subscription may
	// get before it is proactively rotated.
	renewalWindow = 24 * time.Hour
	// checkInterval is how often the background renewal loop runs.
	checkInterval = time.Hour
)

// Service owns the push subscription lifecycle: agent registration,
// subscribe/renew/unsubscribe and mirroring the subscription to the
// backend. All state is private; callers only ever receive copies.
type Service struct {
	log      *log.Logger
	cfg      *config.Config
	platform Platform
	backend  *backend.Client

	mu          sync.Mutex
	sub         *Subscription
	initialized bool
	stopRenew   chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

func NewService(logger *log.Logger, cfg *config.Config, platform Platform, bc *backend.Client) *Service {
	return &Service{
		log:      logger,
		cfg:      cfg,
		platform: platform,
		backend:  bc,
		now:      time.Now,
	}
}

// Initialize registers the background delivery agent and waits until
// it is ready, then starts the hourly renewal loop. Idempotent.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.platform.Supported() {
		return ErrUnsupportedEnvironment
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.platform.ClearRegistrations(ctx); err != nil {
		return fmt.Errorf("clear agent registrations: %w", err)
	}

	if err := s.platform.RegisterAgent(ctx); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.stopRenew = make(chan struct{})
	go s.renewLoop(s.stopRenew)
	s.mu.Unlock()

	s.log.Println("push: background agent registered and ready")
	return nil
}

func (s *Service) renewLoop(stop chan struct{}) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CheckAndRenew(context.Background()); err != nil {
				s.log.Println("push: renewal check:", err)
			}
		case <-stop:
			return
		}
	}
}

// CheckAndRenew reports whether a valid subscription is in place.
// A subscription within the renewal window of its expiration is
// proactively revoked so the caller resubscribes; the boundary is
// inclusive (exactly 24h before expiration counts as stale).
func (s *Service) CheckAndRenew(ctx context.Context) (bool, error) {
	if !s.platform.Supported() {
		return false, ErrUnsupportedEnvironment
	}

	sub, err := s.platform.Subscription(ctx)
	if err != nil {
		return false, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	if sub.ExpirationTime != nil && !s.now().Before(sub.ExpirationTime.Add(-renewalWindow)) {
		s.log.Printf("push: subscription %s nearing expiration, revoking", sub.Endpoint)
		if _, err := s.Unsubscribe(ctx); err != nil {
			return false, fmt.Errorf("revoke expiring subscription: %w", err)
		}
		return false, nil
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	return true, nil
}

// Subscribe obtains alert permission (prompting if undecided),
// registers with the push service using the configured application
// server key and mirrors the subscription to the backend. Backend
// failures are not retried here; the caller may call Subscribe again.
func (s *Service) Subscribe(ctx context.Context, userId string) (*Subscription, error) {
	if !s.platform.Supported() {
		return nil, ErrUnsupportedEnvironment
	}

	switch s.platform.Permission() {
	case PermissionGranted:
	case PermissionDenied:
		return nil, ErrPermissionDenied
	default:
		p, err := s.platform.RequestPermission(ctx)
		if err != nil {
			return nil, fmt.Errorf("request permission: %w", err)
		}
		if p != PermissionGranted {
			return nil, ErrPermissionDenied
		}
	}

	key, err := config.DecodeVAPIDKey(s.cfg.VAPIDPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	sub, err := s.platform.Subscribe(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("push service subscribe: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	if err := s.backend.RegisterSubscription(ctx, userId, sub.WebPush()); err != nil {
		return nil, fmt.Errorf("register subscription with backend: %w", err)
	}

	s.log.Printf("push: subscribed endpoint %s for user %s", sub.Endpoint, userId)
	return sub, nil
}

// Unsubscribe revokes the current subscription with the push service
// and informs the backend. Idempotent: returns false without error
// when nothing is subscribed.
func (s *Service) Unsubscribe(ctx context.Context) (bool, error) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	if sub == nil {
		cur, err := s.platform.Subscription(ctx)
		if err != nil {
			return false, fmt.Errorf("get subscription: %w", err)
		}
		if cur == nil {
			return false, nil
		}
		sub = cur
	}

	if _, err := s.platform.Unsubscribe(ctx); err != nil {
		return false, fmt.Errorf("push service unsubscribe: %w", err)
	}

	s.mu.Lock()
	s.sub = nil
	s.mu.Unlock()

	if err := s.backend.RemoveSubscription(ctx, sub.WebPush()); err != nil {
		// Local state is already revoked; the backend will also learn
		// of the dead endpoint on its next failed delivery.
		return true, fmt.Errorf("inform backend: %w", err)
	}

	s.log.Printf("push: unsubscribed endpoint %s", sub.Endpoint)
	return true, nil
}

// Subscription returns the currently held subscription, if any.
func (s *Service) Subscription() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// Close stops the renewal loop. The subscription itself is left
// intact; push delivery is independent of the app running.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRenew != nil {
		close(s.stopRenew)
		s.stopRenew = nil
	}
	s.initialized = false
}
