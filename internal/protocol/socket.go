package protocol

import "time"

// Socket is the subset of *websocket.Conn the relay drives. Both the
// browser connection and the upstream connection satisfy it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
