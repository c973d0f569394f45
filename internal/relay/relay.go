package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/linkipax/realtime/internal/stats"
	"github.com/linkipax/realtime/internal/types"
	"github.com/linkipax/realtime/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024

	// ackTimeout bounds how long SendMessage waits for the server
	// acknowledgment.
	ackTimeout = 10 * time.Second

	// typingIdleTimeout is how long after the last SetTyping(true)
	// this side auto-emits a clearing event.
	typingIdleTimeout = 2 * time.Second
	// remoteTypingTimeout is how long a received typing indicator
	// survives without a refresh.
	remoteTypingTimeout = 3 * time.Second

	maxReconnectAttempts = 5
	reconnectDelay       = time.Second
)

// Relay maintains the one authenticated bidirectional connection of
// an application instance and multiplexes presence, typing, chat
// messages and peer signaling over it. It owns the presence and
// typing maps exclusively; callers observe them through events and
// getters only.
type Relay struct {
	log    *log.Logger
	url    string
	userId string
	token  string
	dialer *websocket.Dialer
	stats  stats.StatsProvider

	mu              sync.Mutex
	status          Status
	conn            *websocket.Conn
	running         bool
	closing         bool
	authenticatedAt time.Time
	presence        map[string]bool
	remoteTyping    map[string]bool
	joined          map[string]struct{}
	pending         map[string]chan *wire.Ack

	// writeMu serializes transport writes (control and data frames).
	writeMu sync.Mutex

	timerMu    sync.Mutex
	sendTimers map[string]*time.Timer // chatId -> self-clear
	recvTimers map[string]*time.Timer // userId -> remote clear

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	// ackTimeout and reconnectDelay are fields so tests can shorten
	// them.
	ackTimeout     time.Duration
	reconnectDelay time.Duration
}

func NewRelay(logger *log.Logger, url, userId, token string, sp stats.StatsProvider) *Relay {
	sp.RegisterMetric(stats.RelayConnects)
	sp.RegisterMetric(stats.RelayReconnects)
	sp.RegisterMetric(stats.RelayDrops)
	sp.RegisterMetric(stats.MessagesSent)
	sp.RegisterMetric(stats.MessagesAcked)
	sp.RegisterMetric(stats.MessagesTimedOut)

	return &Relay{
		log:            logger,
		url:            url,
		userId:         userId,
		token:          token,
		dialer:         websocket.DefaultDialer,
		stats:          sp,
		status:         StatusDisconnected,
		presence:       make(map[string]bool),
		remoteTyping:   make(map[string]bool),
		joined:         make(map[string]struct{}),
		pending:        make(map[string]chan *wire.Ack),
		sendTimers:     make(map[string]*time.Timer),
		recvTimers:     make(map[string]*time.Timer),
		subs:           make(map[int]chan Event),
		ackTimeout:     ackTimeout,
		reconnectDelay: reconnectDelay,
	}
}

// Connect starts the connection loop. It returns immediately;
// progress is reported through status events. Calling Connect on a
// relay that is already running is an error.
func (r *Relay) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("relay: already connected or connecting")
	}
	r.running = true
	r.closing = false

	go r.run()
	return nil
}

// UserId returns the identity this relay authenticates as.
func (r *Relay) UserId() string {
	return r.userId
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastAuthenticated returns when the current connection was
// authenticated, zero if never.
func (r *Relay) LastAuthenticated() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticatedAt
}

// Online reports the last known presence of a user.
func (r *Relay) Online(userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence[userId]
}

// PresenceMap returns a copy of the current presence map.
func (r *Relay) PresenceMap() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := make(map[string]bool, len(r.presence))
	for k, v := range r.presence {
		m[k] = v
	}
	return m
}

// TypingNow reports whether a remote user currently shows as typing.
func (r *Relay) TypingNow(userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteTyping[userId]
}

func (r *Relay) run() {
	attempt := 0

	for {
		r.mu.Lock()
		if r.closing {
			r.running = false
			r.mu.Unlock()
			// Close raced a reconnect backoff; the terminal status
			// still has to reach subscribers.
			r.setStatus(StatusDisconnected, nil)
			return
		}
		r.mu.Unlock()

		r.setStatus(StatusConnecting, nil)

		conn, err := r.dial()
		if err != nil {
			attempt++
			r.log.Printf("relay: dial attempt %d/%d: %v", attempt, maxReconnectAttempts, err)
			if attempt >= maxReconnectAttempts {
				r.mu.Lock()
				r.running = false
				r.mu.Unlock()
				r.setStatus(StatusDisconnected, ErrReconnectFailed)
				return
			}
			r.stats.Incr(stats.RelayReconnects)
			time.Sleep(time.Duration(attempt) * r.reconnectDelay)
			continue
		}
		attempt = 0

		r.mu.Lock()
		if r.closing {
			r.running = false
			r.mu.Unlock()
			conn.Close()
			r.setStatus(StatusDisconnected, nil)
			return
		}
		r.conn = conn
		// Stale presence from a dropped connection must never
		// survive into a new one.
		r.presence = make(map[string]bool)
		r.authenticatedAt = time.Now()
		joined := make([]string, 0, len(r.joined))
		for id := range r.joined {
			joined = append(joined, id)
		}
		r.mu.Unlock()

		r.stats.Incr(stats.RelayConnects)
		r.setStatus(StatusConnected, nil)

		// Authenticate exactly once per successful connection; the
		// server owns presence from here on.
		if err := r.write(&wire.ClientMessage{Authenticate: &wire.Authenticate{UserId: r.userId}}); err != nil {
			r.log.Println("relay: authenticate:", err)
		}
		for _, chatId := range joined {
			if err := r.write(&wire.ClientMessage{JoinChat: &wire.JoinChat{ChatId: chatId}}); err != nil {
				r.log.Printf("relay: rejoin chat %q: %v", chatId, err)
			}
		}

		pingDone := make(chan struct{})
		go r.pingLoop(conn, pingDone)

		r.readLoop(conn)

		close(pingDone)
		conn.Close()

		r.mu.Lock()
		r.conn = nil
		closing := r.closing
		r.mu.Unlock()

		if closing {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			r.setStatus(StatusDisconnected, nil)
			return
		}

		r.stats.Incr(stats.RelayDrops)
		r.setStatus(StatusDisconnected, nil)
		attempt++
		time.Sleep(time.Duration(attempt) * r.reconnectDelay)
	}
}

func (r *Relay) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	conn, _, err := r.dialer.Dial(r.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *Relay) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				r.log.Printf("relay: read: %v", err)
			}
			return
		}

		var msg wire.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.log.Println("relay: unparseable server message:", err)
			continue
		}

		r.handleServerMessage(&msg)
	}
}

func (r *Relay) handleServerMessage(msg *wire.ServerMessage) {
	switch {
	case msg.Ack != nil:
		r.mu.Lock()
		ch, ok := r.pending[msg.Ack.TempId]
		r.mu.Unlock()
		if !ok {
			r.log.Printf("relay: ack for unknown temp id %q", msg.Ack.TempId)
			return
		}
		select {
		case ch <- msg.Ack:
		default:
		}
	case msg.Message != nil:
		r.emit(Event{Message: msg.Message})
	case msg.InitialStatuses != nil:
		snapshot := msg.InitialStatuses.Statuses
		if snapshot == nil {
			snapshot = make(map[string]bool)
		}
		r.mu.Lock()
		r.presence = make(map[string]bool, len(snapshot))
		for k, v := range snapshot {
			r.presence[k] = v
		}
		copied := make(map[string]bool, len(snapshot))
		for k, v := range r.presence {
			copied[k] = v
		}
		r.mu.Unlock()
		r.emit(Event{Presence: &PresenceChange{Snapshot: copied}})
	case msg.UserStatusChange != nil:
		sc := msg.UserStatusChange
		r.mu.Lock()
		r.presence[sc.UserId] = sc.IsOnline
		r.mu.Unlock()
		r.emit(Event{Presence: &PresenceChange{UserId: sc.UserId, IsOnline: sc.IsOnline}})
	case msg.TypingStatus != nil:
		r.handleRemoteTyping(msg.TypingStatus)
	case msg.Signal != nil:
		r.emit(Event{Signal: &SignalEvent{From: msg.Signal.From, Payload: msg.Signal.Payload}})
	}
}

// handleRemoteTyping applies the receive-side soft-expiry contract: a
// typing indicator clears itself after remoteTypingTimeout unless
// refreshed, independent of any explicit clear from the sender.
func (r *Relay) handleRemoteTyping(ts *wire.TypingStatus) {
	r.timerMu.Lock()
	if t, ok := r.recvTimers[ts.UserId]; ok {
		t.Stop()
		delete(r.recvTimers, ts.UserId)
	}
	r.timerMu.Unlock()

	r.mu.Lock()
	r.remoteTyping[ts.UserId] = ts.IsTyping
	r.mu.Unlock()

	r.emit(Event{Typing: &TypingChange{ChatId: ts.ChatId, UserId: ts.UserId, IsTyping: ts.IsTyping}})

	if !ts.IsTyping {
		return
	}

	userId, chatId := ts.UserId, ts.ChatId
	r.timerMu.Lock()
	r.recvTimers[userId] = time.AfterFunc(remoteTypingTimeout, func() {
		r.timerMu.Lock()
		delete(r.recvTimers, userId)
		r.timerMu.Unlock()

		r.mu.Lock()
		r.remoteTyping[userId] = false
		r.mu.Unlock()

		r.emit(Event{Typing: &TypingChange{ChatId: chatId, UserId: userId, IsTyping: false}})
	})
	r.timerMu.Unlock()
}

func (r *Relay) write(msg *wire.ClientMessage) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// SendMessage transmits a chat message and waits for the server
// acknowledgment. The resolved message carries the temp id supplied
// (or generated) at call time. There is no automatic retry on
// timeout: the ack, not the message, may be what was lost, and only
// the caller can decide to resend. Resending with the same TempId set
// lets the server deduplicate.
func (r *Relay) SendMessage(ctx context.Context, msg types.ChatMessage) (*types.ChatMessage, error) {
	tempId := msg.TempId
	if tempId == "" {
		id, err := shortid.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate temp id: %w", err)
		}
		tempId = id
	}
	msg.TempId = tempId
	if msg.SenderId == "" {
		msg.SenderId = r.userId
	}

	ackCh := make(chan *wire.Ack, 1)
	r.mu.Lock()
	r.pending[tempId] = ackCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, tempId)
		r.mu.Unlock()
	}()

	if err := r.write(&wire.ClientMessage{SendMessage: &wire.SendMessage{Message: msg, TempId: tempId}}); err != nil {
		return nil, err
	}
	r.stats.Incr(stats.MessagesSent)

	timer := time.NewTimer(r.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return nil, &ServerError{Message: ack.Error}
		}
		if ack.Message == nil {
			return nil, &ServerError{Message: "ack carried no message"}
		}
		r.stats.Incr(stats.MessagesAcked)
		canonical := *ack.Message
		canonical.TempId = tempId
		return &canonical, nil
	case <-timer.C:
		r.stats.Incr(stats.MessagesTimedOut)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetTyping emits a typing indicator, fire-and-forget. Setting true
// arms a self-clearing timer: two seconds without another
// SetTyping(chatId, true), and this side emits the clear itself so a
// silent sender can't leave a peer's UI stuck on "typing".
func (r *Relay) SetTyping(chatId string, isTyping bool) {
	r.timerMu.Lock()
	if t, ok := r.sendTimers[chatId]; ok {
		t.Stop()
		delete(r.sendTimers, chatId)
	}
	r.timerMu.Unlock()

	if err := r.write(&wire.ClientMessage{Typing: &wire.Typing{ChatId: chatId, IsTyping: isTyping}}); err != nil {
		r.log.Printf("relay: typing %q: %v", chatId, err)
	}

	if !isTyping {
		return
	}

	r.timerMu.Lock()
	r.sendTimers[chatId] = time.AfterFunc(typingIdleTimeout, func() {
		r.timerMu.Lock()
		delete(r.sendTimers, chatId)
		r.timerMu.Unlock()

		if err := r.write(&wire.ClientMessage{Typing: &wire.Typing{ChatId: chatId, IsTyping: false}}); err != nil {
			r.log.Printf("relay: typing auto-clear %q: %v", chatId, err)
		}
	})
	r.timerMu.Unlock()
}

// JoinChat joins a chat and returns a release func that leaves it.
// The join is re-emitted automatically after a reconnect; release is
// safe to call more than once.
func (r *Relay) JoinChat(chatId string) (func(), error) {
	r.mu.Lock()
	r.joined[chatId] = struct{}{}
	r.mu.Unlock()

	if err := r.write(&wire.ClientMessage{JoinChat: &wire.JoinChat{ChatId: chatId}}); err != nil {
		r.mu.Lock()
		delete(r.joined, chatId)
		r.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.joined, chatId)
			r.mu.Unlock()

			if err := r.write(&wire.ClientMessage{LeaveChat: &wire.LeaveChat{ChatId: chatId}}); err != nil {
				r.log.Printf("relay: leave chat %q: %v", chatId, err)
			}
		})
	}
	return release, nil
}

// SendSignal forwards an opaque peer-connection signaling payload to
// another participant.
func (r *Relay) SendSignal(to string, payload json.RawMessage) error {
	return r.write(&wire.ClientMessage{Signal: &wire.Signal{To: to, From: r.userId, Payload: payload}})
}

func (r *Relay) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()

	if err != nil {
		r.log.Printf("relay: %s (%v)", s, err)
	}
	r.emit(Event{Status: &StatusChange{Status: s, Err: err}})
}

// Close halts reconnection, drops the connection and clears all
// typing timers and presence state. The relay can be reconnected
// later with Connect.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closing = true
	conn := r.conn
	r.presence = make(map[string]bool)
	r.remoteTyping = make(map[string]bool)
	r.mu.Unlock()

	r.timerMu.Lock()
	for id, t := range r.sendTimers {
		t.Stop()
		delete(r.sendTimers, id)
	}
	for id, t := range r.recvTimers {
		t.Stop()
		delete(r.recvTimers, id)
	}
	r.timerMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	r.mu.Lock()
	if !r.running {
		r.status = StatusDisconnected
	}
	r.mu.Unlock()
}
