package manager

import (
	"github.com/tmbx/kwm/internal/clientbroker"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/coreop"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

var _ clientbroker.Host = (*Manager)(nil)

// Wire message types for the app-mediation commands internal/clientbroker
// delegates to a server round-trip rather than handling locally (§4.7
// command set: Invite/PostChat/AcceptChatRequest/LookupRecipientAddress/
// screen-share session setup). The core mediates these; their content
// semantics belong to the server and the (out-of-scope) application
// handlers, so each is a thin query built the same way SendCreateKws
// and SendDeleteKws already are.
const (
	msgTypeInvite              uint32 = 30
	msgTypePostChat            uint32 = 31
	msgTypeAcceptChatRequest   uint32 = 32
	msgTypeLookupRecipientAddr uint32 = 33
	msgTypeStartScreenShare    uint32 = 34
	msgTypeJoinScreenShare     uint32 = 35
)

// StartCreateWorkspace implements clientbroker.Host: build and kick off
// a coreop.CreateWorkspace operation, registering it for per-pass
// polling alongside the notification-driven completion path (§4.8).
func (m *Manager) StartCreateWorkspace(ep serverconn.Endpoint, name string, flags uint32, cb func(ids.WorkspaceID, error)) {
	op := coreop.NewCreateWorkspace(m, ep, name, flags, cb)
	op.Start()
	m.RegisterOp(op)
}

// StartDeleteRemotely implements clientbroker.Host: look up the
// workspace and drive it through the DeleteRemotely core operation
// (§4.8). Returns false if ws names no live workspace.
func (m *Manager) StartDeleteRemotely(ws ids.WorkspaceID, cb func(error)) bool {
	w, ok := m.workspaces[ws]
	if !ok {
		return false
	}
	op := coreop.NewDeleteRemotely(m, w, cb)
	op.Start()
	m.RegisterOp(op)
	return true
}

// Workspaces implements clientbroker.Host: a snapshot slice of every
// live workspace, used by the FetchState command (§4.7).
func (m *Manager) Workspaces() []*workspace.Workspace {
	out := make([]*workspace.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	return out
}

// ServerEndpoint implements clientbroker.Host: reverse-lookup a
// server's (host, port) coordinates from its arena-local ID, needed by
// ExportKws (§6) since the credential bundle carries the endpoint, not
// the process-local ServerID.
func (m *Manager) ServerEndpoint(server ids.ServerID) (serverconn.Endpoint, bool) {
	rec, ok := m.servers[server]
	if !ok {
		return serverconn.Endpoint{}, false
	}
	return rec.endpoint, true
}

// ImportWorkspace implements clientbroker.Host: register a workspace
// directly from imported credential-bundle material (§6 ImportKws),
// bypassing the CreateWorkspace ticket/connect/login cascade since the
// workspace already exists server-side. It starts in WorkOffline until
// the client requests WorkOnline.
func (m *Manager) ImportWorkspace(ep serverconn.Endpoint, creds workspace.Credentials) ids.WorkspaceID {
	creds.Server = m.EnsureServer(ep)
	ws, id := m.SpawnWorkspace(creds)
	_ = ws.SetUserTask(workspace.TaskWorkOffline)
	return id
}

func (m *Manager) sendAckQuery(server ids.ServerID, msgType uint32, payload []byte, cb func(error)) {
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgType, Payload: payload}
	m.SendQuery(server, msg, func(_ *codec.Message, err error) {
		cb(err)
	})
}

// SendInvite implements clientbroker.Host for InviteToWorkspace (§4.7).
func (m *Manager) SendInvite(server ids.ServerID, externalKwsID uint64, recipients []string, sendEmail bool, message string, cb func(error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	w.PutU32(uint32(len(recipients)))
	for _, r := range recipients {
		w.PutString(r)
	}
	if sendEmail {
		w.PutU32(1)
	} else {
		w.PutU32(0)
	}
	w.PutString(message)
	m.sendAckQuery(server, msgTypeInvite, w.Bytes(), cb)
}

// SendPostChat implements clientbroker.Host for PostChat (§4.7).
func (m *Manager) SendPostChat(server ids.ServerID, externalKwsID uint64, channel, message string, cb func(error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	w.PutString(channel)
	w.PutString(message)
	m.sendAckQuery(server, msgTypePostChat, w.Bytes(), cb)
}

// SendAcceptChatRequest implements clientbroker.Host for AcceptChatRequest (§4.7).
func (m *Manager) SendAcceptChatRequest(server ids.ServerID, externalKwsID uint64, user, req string, cb func(error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	w.PutString(user)
	w.PutString(req)
	m.sendAckQuery(server, msgTypeAcceptChatRequest, w.Bytes(), cb)
}

// SendLookupRecipientAddress implements clientbroker.Host for
// LookupRecipientAddress (§4.7). Unlike the other mediation commands
// this one carries no workspace/server context in the spec; callers
// resolve server externally and pass it in (the client broker uses the
// server of the first online workspace it finds).
func (m *Manager) SendLookupRecipientAddress(server ids.ServerID, emails []string, cb func(addresses []string, err error)) {
	w := &codec.Writer{}
	w.PutU32(uint32(len(emails)))
	for _, e := range emails {
		w.PutString(e)
	}
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgTypeLookupRecipientAddr, Payload: w.Bytes()}
	m.SendQuery(server, msg, func(reply *codec.Message, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		r := codec.NewReader(reply.Payload)
		n, rerr := r.GetU32()
		if rerr != nil {
			cb(nil, rerr)
			return
		}
		out := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			addr, aerr := r.GetString()
			if aerr != nil {
				cb(nil, aerr)
				return
			}
			out = append(out, addr)
		}
		cb(out, nil)
	})
}

// SendStartScreenShare implements clientbroker.Host for
// StartScreenShareSession (§4.7); the server assigns a session token
// the client uses to set up the ephemeral per-session tunnel worker
// (§5 "per-session tunnel workers"), out of this package's scope.
func (m *Manager) SendStartScreenShare(server ids.ServerID, externalKwsID uint64, cb func(token string, err error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgTypeStartScreenShare, Payload: w.Bytes()}
	m.SendQuery(server, msg, func(reply *codec.Message, err error) {
		if err != nil {
			cb("", err)
			return
		}
		r := codec.NewReader(reply.Payload)
		token, terr := r.GetString()
		if terr != nil {
			cb("", terr)
			return
		}
		cb(token, nil)
	})
}

// SendJoinScreenShare implements clientbroker.Host for JoinScreenShareSession (§4.7).
func (m *Manager) SendJoinScreenShare(server ids.ServerID, externalKwsID uint64, token string, cb func(err error)) {
	w := &codec.Writer{}
	w.PutU64(externalKwsID)
	w.PutString(token)
	m.sendAckQuery(server, msgTypeJoinScreenShare, w.Bytes(), cb)
}

// FetchSince implements clientbroker.Host by delegating to the store
// facade already wired as m.store (§4.9 FetchSince backs FetchEvent).
func (m *Manager) FetchSince(ws ids.WorkspaceID, sinceID uint64, limit int) ([]clientbroker.StoreEvent, error) {
	events, err := m.store.FetchSince(ws, sinceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]clientbroker.StoreEvent, len(events))
	for i, e := range events {
		out[i] = clientbroker.StoreEvent{EventID: e.ID, Payload: e.Payload}
	}
	return out, nil
}

// CheckEventUUID implements clientbroker.Host by delegating to the store facade.
func (m *Manager) CheckEventUUID(ws ids.WorkspaceID, eventID uint64, uuid string) (bool, error) {
	return m.store.CheckEventUUID(ws, eventID, uuid)
}
