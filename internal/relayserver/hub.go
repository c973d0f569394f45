// Package relayserver implements the server side of the relay wire
// contract: authentication, presence fan-out, chat membership, typing
// relay, message acknowledgment and signal routing. It is the
// development counterpart of the production relay; it keeps no
// persistent state.
package relayserver

import (
	"log"
	"time"

	"github.com/teris-io/shortid"

	"github.com/linkipax/realtime/internal/types"
	"github.com/linkipax/realtime/internal/wire"
)

type inbound struct {
	conn *Conn
	msg  *wire.ClientMessage
}

// Hub owns all connection, presence and chat-membership state. A
// single goroutine (Run) mutates it; connections communicate with it
// over channels only.
type Hub struct {
	log *log.Logger

	RegisterChan   chan *Conn
	deregisterChan chan *Conn
	inboundChan    chan *inbound
	stop           chan struct{}
	done           chan struct{}

	conns     map[*Conn]struct{}
	userConns map[string]map[*Conn]struct{}
	chats     map[string]map[*Conn]struct{}
	// seen deduplicates resent messages by user and temp id so a
	// retried send is re-acked with the original canonical message
	// instead of being delivered twice.
	seen map[string]map[string]*types.ChatMessage
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:            logger,
		RegisterChan:   make(chan *Conn, 64),
		deregisterChan: make(chan *Conn, 64),
		inboundChan:    make(chan *inbound, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		conns:          make(map[*Conn]struct{}),
		userConns:      make(map[string]map[*Conn]struct{}),
		chats:          make(map[string]map[*Conn]struct{}),
		seen:           make(map[string]map[string]*types.ChatMessage),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.RegisterChan:
			h.conns[c] = struct{}{}
		case c := <-h.deregisterChan:
			h.removeConn(c)
		case in := <-h.inboundChan:
			h.handleMessage(in.conn, in.msg)
		case <-h.stop:
			for c := range h.conns {
				c.stopConn()
			}
			close(h.done)
			return
		}
	}
}

func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done
}

func (h *Hub) handleMessage(c *Conn, msg *wire.ClientMessage) {
	switch {
	case msg.Authenticate != nil:
		h.handleAuthenticate(c, msg.Authenticate)
	case msg.SendMessage != nil:
		h.handleSend(c, msg.SendMessage)
	case msg.Typing != nil:
		h.handleTyping(c, msg.Typing)
	case msg.JoinChat != nil:
		h.addToChat(msg.JoinChat.ChatId, c)
	case msg.LeaveChat != nil:
		h.removeFromChat(msg.LeaveChat.ChatId, c)
	case msg.Signal != nil:
		h.handleSignal(c, msg.Signal)
	default:
		h.log.Println("hub: message with no recognized field")
	}
}

func (h *Hub) handleAuthenticate(c *Conn, auth *wire.Authenticate) {
	if auth.UserId == "" {
		h.log.Println("hub: authenticate with empty user id")
		return
	}
	c.userId = auth.UserId

	conns, ok := h.userConns[c.userId]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.userConns[c.userId] = conns
	}
	conns[c] = struct{}{}

	// Full snapshot to the newcomer, delta to everyone else.
	statuses := make(map[string]bool, len(h.userConns))
	for userId := range h.userConns {
		statuses[userId] = true
	}
	c.queueMessage(&wire.ServerMessage{
		InitialStatuses: &wire.InitialStatuses{Statuses: statuses},
	})

	if len(conns) == 1 {
		h.broadcast(&wire.ServerMessage{
			UserStatusChange: &wire.UserStatusChange{UserId: c.userId, IsOnline: true},
		}, c)
	}

	h.log.Printf("hub: user %q authenticated", c.userId)
}

func (h *Hub) handleSend(c *Conn, sm *wire.SendMessage) {
	if c.userId == "" {
		c.queueMessage(ackError(sm.TempId, "not authenticated"))
		return
	}

	chatId := sm.Message.ChatId
	members, ok := h.chats[chatId]
	if !ok || !h.inChat(chatId, c) {
		c.queueMessage(ackError(sm.TempId, "not joined to chat"))
		return
	}

	// Resend with a temp id we've already acked: re-ack the original
	// canonical message, deliver nothing twice.
	userSeen, ok := h.seen[c.userId]
	if !ok {
		userSeen = make(map[string]*types.ChatMessage)
		h.seen[c.userId] = userSeen
	}
	if prev, ok := userSeen[sm.TempId]; ok {
		c.queueMessage(&wire.ServerMessage{
			Ack: &wire.Ack{TempId: sm.TempId, Message: prev},
		})
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		c.queueMessage(ackError(sm.TempId, "internal error"))
		h.log.Println("hub: generate message id:", err)
		return
	}

	canonical := sm.Message
	canonical.Id = id
	canonical.TempId = sm.TempId
	canonical.SenderId = c.userId
	canonical.CreatedAt = time.Now().UTC().Round(time.Millisecond)
	userSeen[sm.TempId] = &canonical

	c.queueMessage(&wire.ServerMessage{
		Ack: &wire.Ack{TempId: sm.TempId, Message: &canonical},
	})

	for member := range members {
		if member == c {
			continue
		}
		member.queueMessage(&wire.ServerMessage{Message: &canonical})
	}
}

func (h *Hub) handleTyping(c *Conn, t *wire.Typing) {
	if c.userId == "" {
		return
	}
	members, ok := h.chats[t.ChatId]
	if !ok {
		return
	}
	for member := range members {
		if member == c {
			continue
		}
		member.queueMessage(&wire.ServerMessage{
			TypingStatus: &wire.TypingStatus{
				ChatId:   t.ChatId,
				UserId:   c.userId,
				IsTyping: t.IsTyping,
			},
		})
	}
}

// handleSignal routes an opaque signaling payload to all connections
// of the addressed user. The production relay addresses individual
// devices; for development, user-level routing is enough since each
// test user holds one connection.
func (h *Hub) handleSignal(c *Conn, s *wire.Signal) {
	if c.userId == "" {
		return
	}
	targets, ok := h.userConns[s.To]
	if !ok {
		h.log.Printf("hub: signal to unknown peer %q", s.To)
		return
	}
	for target := range targets {
		target.queueMessage(&wire.ServerMessage{
			Signal: &wire.Signal{From: c.userId, Payload: s.Payload},
		})
	}
}

func (h *Hub) addToChat(chatId string, c *Conn) {
	members, ok := h.chats[chatId]
	if !ok {
		members = make(map[*Conn]struct{})
		h.chats[chatId] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) removeFromChat(chatId string, c *Conn) {
	if members, ok := h.chats[chatId]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.chats, chatId)
		}
	}
}

func (h *Hub) inChat(chatId string, c *Conn) bool {
	members, ok := h.chats[chatId]
	if !ok {
		return false
	}
	_, ok = members[c]
	return ok
}

func (h *Hub) removeConn(c *Conn) {
	delete(h.conns, c)
	for chatId := range h.chats {
		h.removeFromChat(chatId, c)
	}

	if c.userId == "" {
		return
	}
	conns, ok := h.userConns[c.userId]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.userConns, c.userId)
		delete(h.seen, c.userId)
		h.broadcast(&wire.ServerMessage{
			UserStatusChange: &wire.UserStatusChange{UserId: c.userId, IsOnline: false},
		}, nil)
	}
}

// broadcast queues a message on every authenticated connection except
// skip.
func (h *Hub) broadcast(msg *wire.ServerMessage, skip *Conn) {
	for _, conns := range h.userConns {
		for c := range conns {
			if c == skip {
				continue
			}
			c.queueMessage(msg)
		}
	}
}

func ackError(tempId, errMsg string) *wire.ServerMessage {
	return &wire.ServerMessage{
		Ack: &wire.Ack{TempId: tempId, Error: errMsg},
	}
}
