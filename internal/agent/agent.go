package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/linkipax/realtime/internal/stats"
	"github.com/linkipax/realtime/internal/types"
)

const (
	DefaultIcon  = "/icons/notification-icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"

	// fallbackRoute is the deep-link target when a push carries none.
	fallbackRoute = "/notifications"

	// clickTimeParam carries the activation timestamp to the opened
	// page for downstream analytics.
	clickTimeParam = "notificationClickTime"
)

// precachedAssets must be available without network access at
// delivery time.
var precachedAssets = []string{DefaultIcon, DefaultBadge, "/", fallbackRoute}

var defaultVibrate = []int{200, 100, 200}

// State is the agent's lifecycle state.
type State string

const (
	StateInstalling State = "installing"
	StateActive     State = "active"
)

// Agent is the background delivery process. It runs in its own
// scheduling context, independent of the application's lifecycle, and
// may be invoked by the platform while the application UI is closed.
type Agent struct {
	log      *log.Logger
	version  string
	fetch    AssetFetcher
	notifier Notifier
	windows  WindowRegistry
	stats    stats.StatsProvider

	mu     sync.Mutex
	state  State
	assets *gocache.Cache

	// now is replaceable in tests.
	now func() time.Time
}

func New(logger *log.Logger, version string, fetch AssetFetcher, notifier Notifier, windows WindowRegistry, sp stats.StatsProvider) *Agent {
	return NewWithAssets(logger, version, fetch, notifier, windows, sp, gocache.New(gocache.NoExpiration, 0))
}

// NewWithAssets adopts an existing asset cache. Hosts that keep the
// cache across agent upgrades pass it here so Activate can purge
// entries left by previous versions.
func NewWithAssets(logger *log.Logger, version string, fetch AssetFetcher, notifier Notifier, windows WindowRegistry, sp stats.StatsProvider, assets *gocache.Cache) *Agent {
	sp.RegisterMetric(stats.PushesReceived)
	sp.RegisterMetric(stats.AlertsShown)
	sp.RegisterMetric(stats.AlertsDegraded)

	return &Agent{
		log:      logger,
		version:  version,
		fetch:    fetch,
		notifier: notifier,
		windows:  windows,
		stats:    sp,
		state:    StateInstalling,
		assets:   assets,
		now:      time.Now,
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Install pre-fetches the static assets needed to render an alert so
// delivery never depends on network availability. Any fetch failure
// fails the whole install; the platform retries it.
func (a *Agent) Install(ctx context.Context) error {
	for _, path := range precachedAssets {
		data, err := a.fetch.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		a.assets.Set(a.assetKey(path), data, gocache.NoExpiration)
	}

	a.log.Printf("agent %s: installed, %d assets cached", a.version, len(precachedAssets))
	return nil
}

// Activate drops asset caches left by previous agent versions and
// takes over any pending instance, then starts handling events.
func (a *Agent) Activate(ctx context.Context) error {
	prefix := a.version + ":"
	for key := range a.assets.Items() {
		if !strings.HasPrefix(key, prefix) {
			a.assets.Delete(key)
		}
	}

	if err := a.windows.Claim(ctx); err != nil {
		return fmt.Errorf("claim instances: %w", err)
	}

	a.mu.Lock()
	a.state = StateActive
	a.mu.Unlock()

	a.log.Printf("agent %s: active", a.version)
	return nil
}

// Asset returns a pre-cached asset.
func (a *Agent) Asset(path string) ([]byte, bool) {
	v, ok := a.assets.Get(a.assetKey(path))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (a *Agent) assetKey(path string) string {
	return a.version + ":" + path
}

// HandlePush turns a raw push delivery into a visible alert. A
// payload that fails JSON parsing is treated as plain text; a payload
// that renders badly is retried as a minimal title/body alert. A
// received push never results in no notification.
func (a *Agent) HandlePush(ctx context.Context, data []byte) (*types.NotificationPayload, error) {
	a.stats.Incr(stats.PushesReceived)

	var pm types.PushMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		a.log.Printf("agent: unparseable push payload, falling back to text: %v", err)
		pm = types.PushMessage{
			Title: "Notification",
			Body:  string(data),
		}
	}

	n := a.buildPayload(&pm)

	if err := a.notifier.Show(ctx, n); err != nil {
		a.log.Printf("agent: show notification %q: %v", n.Tag, err)

		minimal := &types.NotificationPayload{
			Title:          n.Title,
			Body:           n.Body,
			Icon:           DefaultIcon,
			Tag:            n.Tag,
			Renotify:       true,
			URL:            n.URL,
			NotificationId: n.NotificationId,
			ClickTimestamp: n.ClickTimestamp,
		}
		if err := a.notifier.Show(ctx, minimal); err != nil {
			return nil, fmt.Errorf("show fallback notification: %w", err)
		}

		a.stats.Incr(stats.AlertsDegraded)
		return minimal, nil
	}

	a.stats.Incr(stats.AlertsShown)
	return n, nil
}

func (a *Agent) buildPayload(pm *types.PushMessage) *types.NotificationPayload {
	title := pm.Title
	if title == "" {
		title = "New Notification"
	}

	body := pm.Body
	if body == "" {
		body = pm.Message
	}

	// Untagged pushes get a fresh tag so independent deliveries never
	// collide; tagged ones replace each other.
	tag := pm.Tag
	if tag == "" {
		tag = "notif-" + uuid.NewString()
	}

	icon := pm.Icon
	if icon == "" {
		icon = DefaultIcon
	}
	badge := pm.Badge
	if badge == "" {
		badge = DefaultBadge
	}
	vibrate := pm.Vibrate
	if len(vibrate) == 0 {
		vibrate = defaultVibrate
	}
	target := pm.URL
	if target == "" {
		target = fallbackRoute
	}
	notificationId := pm.NotificationId
	if notificationId == "" {
		notificationId = tag
	}

	return &types.NotificationPayload{
		Title:              title,
		Body:               body,
		Icon:               icon,
		Badge:              badge,
		Image:              pm.Image,
		Vibrate:            vibrate,
		RequireInteraction: pm.RequireInteraction,
		Tag:                tag,
		Renotify:           true,
		URL:                target,
		NotificationId:     notificationId,
		Actions:            pm.Actions,
		ClickTimestamp:     a.now(),
	}
}

// HandleClick dismisses the alert and routes the user to its
// deep-link target: an already-open instance showing the same path is
// focused and messaged, otherwise a new instance is opened.
//
// Matching is by path only; query strings are ignored. That mirrors
// the long-standing behavior of the web client and is pending product
// confirmation, so it is preserved rather than fixed here.
func (a *Agent) HandleClick(ctx context.Context, n *types.NotificationPayload) error {
	if err := a.notifier.Close(ctx, n.Tag); err != nil {
		a.log.Printf("agent: close notification %q: %v", n.Tag, err)
	}

	target, err := a.clickTarget(n)
	if err != nil {
		return err
	}

	windows, err := a.windows.Windows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}

	for _, w := range windows {
		wu, err := url.Parse(w.URL())
		if err != nil {
			continue
		}
		if wu.Path != target.Path {
			continue
		}

		if err := w.Focus(ctx); err != nil {
			return fmt.Errorf("focus window: %w", err)
		}
		return w.PostMessage(ctx, AppMessage{
			Type:           MessageNotificationClick,
			NotificationId: n.NotificationId,
		})
	}

	return a.windows.OpenWindow(ctx, target.String())
}

func (a *Agent) clickTarget(n *types.NotificationPayload) (*url.URL, error) {
	raw := n.URL
	if raw == "" {
		raw = fallbackRoute
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse deep-link url %q: %w", raw, err)
	}

	ts := n.ClickTimestamp
	if ts.IsZero() {
		ts = a.now()
	}
	q := target.Query()
	q.Set(clickTimeParam, strconv.FormatInt(ts.UnixMilli(), 10))
	target.RawQuery = q.Encode()

	return target, nil
}
