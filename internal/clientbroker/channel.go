package clientbroker

import (
	"net"

	"github.com/tmbx/kwm/internal/codec"
)

// sendBufferSize bounds how many outbound frames (replies or pushed
// events) a channel can have queued before it is considered a slow
// client (§4.7 "Back-pressure").
const sendBufferSize = 256

// Channel is one accepted control connection: a client submits command
// frames and reads back replies and pushed events, both carried as
// framed binary messages (§4.1, §6 "Client control channels. Framed
// like the server RPC").
type Channel struct {
	id       uint64
	conn     net.Conn
	send     chan []byte
	needSync bool

	closed bool
}

func newChannel(id uint64, conn net.Conn) *Channel {
	return &Channel{id: id, conn: conn, send: make(chan []byte, sendBufferSize)}
}

// push enqueues a frame for delivery without blocking. If the send
// buffer is already full the channel is reported as dead so the
// broker can close it — §4.7's "back-pressure" rule: "no core-side
// retry".
func (c *Channel) push(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains send onto the connection until the channel is
// closed, mirroring the teacher hub's Client.writePump structure
// (gorilla/websocket hub.go) adapted to a plain framed socket instead
// of a websocket text frame.
func (c *Channel) writePump() {
	for frame := range c.send {
		if _, err := c.conn.Write(frame); err != nil {
			return
		}
	}
}

// readLoop decodes frames off the connection and dispatches each to
// handle. It returns when the connection is closed or a protocol
// violation occurs.
func (c *Channel) readLoop(handle func(*codec.Message)) {
	dec := &codec.StreamDecoder{}
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, ok, derr := dec.Next()
				if derr != nil {
					return
				}
				if !ok {
					break
				}
				handle(msg)
			}
		}
		if err != nil {
			return
		}
	}
}
