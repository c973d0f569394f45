package relay

import "errors"

var (
	// ErrNotConnected is returned when an operation requires a live
	// transport connection.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrTimeout means no ack arrived within the send timeout. The
	// message may still have been delivered; the caller decides
	// whether to resend (reusing the same temp id lets the server
	// deduplicate).
	ErrTimeout = errors.New("relay: message ack timed out")

	// ErrReconnectFailed is surfaced as a status event after the
	// bounded reconnect attempts are exhausted. The relay stays
	// reconnect-eligible; Connect may be called again.
	ErrReconnectFailed = errors.New("relay: reconnection attempts exhausted")
)

// ServerError is an explicit rejection from the relay.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "relay: server error: " + e.Message
}
