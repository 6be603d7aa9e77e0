package main

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/tmbx/kwm/internal/clientbroker"
)

// inspectorHub relays the control broker's event frames onto websocket
// connections for local operators, mirroring the teacher's
// gorilla/websocket hub shape but with a single upstream source (the
// broker's Watch channel) fanned out to however many viewers attach
// rather than a client-to-client broadcast.
type inspectorHub struct {
	broker *clientbroker.Broker
}

func newInspectorHub(broker *clientbroker.Broker) *inspectorHub {
	return &inspectorHub{broker: broker}
}

const (
	inspectorWriteWait  = 10 * time.Second
	inspectorPingPeriod = 30 * time.Second
)

// serve pumps watched frames to conn until either side closes it. Each
// call gets its own Watch subscription and its own goroutine; conn
// never reads anything client-initiated back, this is a one-way feed.
func (h *inspectorHub) serve(conn *websocket.Conn) {
	defer conn.Close()

	frames, cancel := h.broker.Watch(16)
	defer cancel()

	ticker := time.NewTicker(inspectorPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(inspectorWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(inspectorWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
