package relay

import (
	"encoding/json"

	"github.com/linkipax/realtime/internal/types"
)

// Status is the connection state of the relay.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Event is delivered to subscribers. Exactly one field is set.
type Event struct {
	Status   *StatusChange
	Presence *PresenceChange
	Typing   *TypingChange
	Message  *types.ChatMessage
	Signal   *SignalEvent
}

// StatusChange reports a connection state transition. Err is set only
// when reconnection has failed permanently; transport drops otherwise
// surface as a plain status change, never as an error.
type StatusChange struct {
	Status Status
	Err    error
}

// PresenceChange is either a single-user delta or, when Snapshot is
// non-nil, the full map that replaced all previous presence state.
type PresenceChange struct {
	UserId   string
	IsOnline bool
	Snapshot map[string]bool
}

type TypingChange struct {
	ChatId   string
	UserId   string
	IsTyping bool
}

type SignalEvent struct {
	From    string
	Payload json.RawMessage
}

// Subscribe registers an event listener. The returned cancel func
// unsubscribes; events that would block a slow subscriber are
// dropped.
func (r *Relay) Subscribe() (<-chan Event, func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 64)
	r.subs[id] = ch

	cancel := func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (r *Relay) emit(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Printf("relay: subscriber %d is slow, dropping event", id)
		}
	}
}
