package workspace

import (
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
)

// ServerLink is the narrow view of the server-connection broker a
// workspace needs: whether its server is connected, and a way to send
// a correlated query. internal/manager implements this by adapting
// internal/serverconn.Broker so that workspace never imports it
// directly (keeping the arena boundary from the design notes).
type ServerLink interface {
	ConnStatus(server ids.ServerID) (status string, minorVersion uint16)
	RequestConnect(server ids.ServerID)
	SendQuery(server ids.ServerID, msg *codec.Message, cb func(reply *codec.Message, err error))
}

// HelperLink lets a workspace request a fresh login ticket from the
// crypto helper during the Ticket login step (§4.5).
type HelperLink interface {
	RequestTicket(ws ids.WorkspaceID, externalKwsID uint64, userID uint64, cb func(ticket []byte, err error))
}

// EventLog is the subset of the local persistence facade (§4.9) a
// workspace needs for its own event pipeline: appending inbound
// events, draining the oldest unprocessed one, and the bulk
// delete used by Rebuild's FlushLocalData.
type EventLog interface {
	AppendInbound(ws ids.WorkspaceID, payload []byte) (eventID uint64, err error)
	MarkProcessed(ws ids.WorkspaceID, eventID uint64) error
	FirstUnprocessed(ws ids.WorkspaceID) (eventID uint64, payload []byte, ok bool, err error)
	UnprocessedCount(ws ids.WorkspaceID) (int, error)
	DeleteWorkspace(ws ids.WorkspaceID) error
}

// connectedStatus is the string ServerLink.ConnStatus reports when the
// server is fully connected; serverconn.ConnectedStatus.String() == this.
const connectedStatus = "Connected"
