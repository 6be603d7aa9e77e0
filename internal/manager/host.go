package manager

import (
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/coreop"
	"github.com/tmbx/kwm/internal/helperproc"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

var (
	_ coreop.Host          = (*Manager)(nil)
	_ workspace.ServerLink = (*Manager)(nil)
	_ workspace.HelperLink = helperLink{}
)

// Wire message types the manager itself issues against a server,
// distinct from the workspace package's own namespace (internal/workspace's
// msgTypeLogin etc. cover the login cascade; these cover the
// operator-triggered create/delete commands core operations drive).
const (
	msgTypeCreateKws uint32 = 20
	msgTypeDeleteKws uint32 = 21
)

// EnsureServer implements coreop.Host: look up or lazily register a
// ServerHandle for ep, mirroring §3's "created lazily on first
// workspace referring to it".
func (m *Manager) EnsureServer(ep serverconn.Endpoint) ids.ServerID {
	if id, ok := m.endpointIndex[ep]; ok {
		return id
	}
	id := ids.ServerID(m.serverIDs.Next())
	m.servers[id] = newServerRecord(id, ep)
	m.endpointIndex[ep] = id
	m.broker.RegisterServer(id, ep)
	return id
}

// RequestConnect implements coreop.Host and workspace.ServerLink: ask
// the broker to begin connecting if it hasn't already settled on
// Connected, deferring actual backoff gating to Pass's reconnect step.
func (m *Manager) RequestConnect(server ids.ServerID) {
	m.broker.ToBroker() <- serverconn.ConnectMsg{Server: server}
}

// ServerConnStatus implements coreop.Host and workspace.ServerLink,
// reporting the manager's own mirror of broker connection state
// (kept current by the ConnectedMsg/DisconnectedMsg notifications
// drained each Pass) rather than querying the broker's goroutine.
func (m *Manager) ServerConnStatus(server ids.ServerID) (string, uint16) {
	rec, ok := m.servers[server]
	if !ok {
		return "Disconnected", 0
	}
	return rec.status, rec.minorVersion
}

// ConnStatus is the workspace.ServerLink spelling of the same query.
func (m *Manager) ConnStatus(server ids.ServerID) (string, uint16) {
	return m.ServerConnStatus(server)
}

// SendQuery implements workspace.ServerLink by routing the query
// through the broker's channel; the settled reply arrives later as a
// serverconn.QueryReplyMsg and is dispatched back to cb from the
// manager's own Run loop (see handleFromBroker).
func (m *Manager) SendQuery(server ids.ServerID, msg *codec.Message, cb func(*codec.Message, error)) {
	m.broker.SendQuery(&serverconn.ServerQuery{
		Server:   server,
		Message:  msg,
		Callback: cb,
	})
}

// RequestTicket implements coreop.Host.
func (m *Manager) RequestTicket(cb func([]byte, error)) {
	m.requestTicket(cb)
}

// helperLink adapts Manager to workspace.HelperLink, whose
// RequestTicket takes the requesting workspace's identity — a
// different shape than coreop.Host's, so Manager can't implement both
// under the same method name and needs this small per-workspace
// adapter instead (design note "Cyclic object graphs": workspace never
// sees Manager directly).
type helperLink struct{ m *Manager }

func (h helperLink) RequestTicket(ws ids.WorkspaceID, externalKwsID uint64, userID uint64, cb func([]byte, error)) {
	h.m.requestTicket(cb)
}

// requestTicket is the shared implementation behind both coreop.Host's
// and workspace.HelperLink's view of a ticket request: the ticket
// itself doesn't vary by workspace.
func (m *Manager) requestTicket(cb func([]byte, error)) {
	tx := &helperproc.Transaction{
		Commands: []helperproc.Command{{
			Payload:   ticketRequest{Op: ticketRequestOp},
			HasResult: true,
		}},
		Run: func(reason helperproc.Reason, result []codec.AsciiElement, err error) {
			m.helperReplies <- helperReply{cb: cb, result: result, err: err}
		},
	}
	m.helper.Submit(tx)
}

// ticketRequest is the ASCII-wire payload for the helper's ticket
// command, encoded via codec.EncodeHelperCommand the same way every
// other helper command in this package is built.
type ticketRequest struct {
	Op uint32
}

const ticketRequestOp uint32 = 1

// SendCreateKws implements coreop.Host: issue KWS_CREATE against the
// named server and report the server-assigned external workspace ID.
func (m *Manager) SendCreateKws(server ids.ServerID, name string, flags uint32, cb func(uint64, error)) {
	w := &codec.Writer{}
	w.PutString(name)
	w.PutU32(flags)
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgTypeCreateKws, Payload: w.Bytes()}
	m.SendQuery(server, msg, func(reply *codec.Message, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		r := codec.NewReader(reply.Payload)
		externalID, rerr := r.GetU64()
		if rerr != nil {
			cb(0, rerr)
			return
		}
		cb(externalID, nil)
	})
}

// SendDeleteKws implements coreop.Host: issue the remote-delete command.
func (m *Manager) SendDeleteKws(server ids.ServerID, externalKwsID uint64, cb func(error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgTypeDeleteKws, Payload: w.Bytes()}
	m.SendQuery(server, msg, func(_ *codec.Message, err error) {
		cb(err)
	})
}

// SpawnWorkspace implements coreop.Host: allocate a new Workspace in
// the manager's arena, wiring it to this manager as its ServerLink,
// HelperLink, and EventLog (§3 "Cyclic object graphs").
func (m *Manager) SpawnWorkspace(creds workspace.Credentials) (*workspace.Workspace, ids.WorkspaceID) {
	id := ids.WorkspaceID(m.wsIDs.Next())
	ws := workspace.New(id, creds, m, helperLink{m: m}, m.store, m.notif, nil)
	m.workspaces[id] = ws
	if rec, ok := m.servers[creds.Server]; ok {
		rec.workspaces[id] = struct{}{}
	}
	m.broker.AttachWorkspace(creds.Server, id)
	return ws, id
}

// Workspace implements coreop.Host.
func (m *Manager) Workspace(ws ids.WorkspaceID) (*workspace.Workspace, bool) {
	w, ok := m.workspaces[ws]
	return w, ok
}

// NotifQueue implements coreop.Host.
func (m *Manager) NotifQueue() *workspace.NotifQueue { return m.notif }
