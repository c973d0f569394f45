package relayserver

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkipax/realtime/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Conn is one websocket connection to the hub. userId is empty until
// the connection authenticates; it is written only by the hub
// goroutine.
type Conn struct {
	conn   *websocket.Conn
	hub    *Hub
	log    *log.Logger
	userId string
	send   chan *wire.ServerMessage
	stop   chan struct{}
}

func NewConn(conn *websocket.Conn, hub *Hub, logger *log.Logger) *Conn {
	return &Conn{
		conn: conn,
		hub:  hub,
		log:  logger,
		send: make(chan *wire.ServerMessage, 256),
		stop: make(chan struct{}),
	}
}

func (c *Conn) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("conn: serialize message:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Conn) Read() {
	defer func() {
		c.conn.Close()
		c.deregister()
		c.stopConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("conn: read: %v", err)
			}
			break
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("conn: unparseable client message:", err)
			continue
		}

		select {
		case c.hub.inboundChan <- &inbound{conn: c, msg: &msg}:
		default:
			c.log.Println("conn: hub inbound channel full, dropping message")
		}
	}
}

func (c *Conn) queueMessage(msg *wire.ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Println("conn: send channel full, dropping message")
		return false
	}
}

func (c *Conn) writeMessage(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("conn: write: %v", err)
		}
		return false
	}
	return true
}

// deregister hands the connection back to the hub. A stopped hub no
// longer drains deregisterChan, so the hub's done channel keeps read
// goroutines from blocking here forever during shutdown.
func (c *Conn) deregister() {
	select {
	case c.hub.deregisterChan <- c:
	case <-c.hub.done:
	}
}

func (c *Conn) stopConn() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
