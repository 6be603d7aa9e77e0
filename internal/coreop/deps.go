package coreop

import (
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

// Host is the manager-side surface core operations drive. internal/manager
// implements it by adapting its server and workspace arenas, keeping
// coreop itself free of ownership over either (design note "Cyclic
// object graphs": operations address entities by ID through Host, they
// don't hold them).
type Host interface {
	// EnsureServer returns the ServerID for ep, allocating and
	// registering a new ServerHandle if this is the first reference
	// (§3 ServerHandle lifecycle: "created lazily on first workspace
	// referring to it").
	EnsureServer(ep serverconn.Endpoint) ids.ServerID
	RequestConnect(server ids.ServerID)
	ServerConnStatus(server ids.ServerID) (status string, minorVersion uint16)

	// RequestTicket asks the crypto helper for a fresh login ticket.
	RequestTicket(cb func(ticket []byte, err error))

	// SendCreateKws issues the KWS_CREATE command and reports the
	// server-assigned external workspace id.
	SendCreateKws(server ids.ServerID, name string, flags uint32, cb func(externalKwsID uint64, err error))

	// SendDeleteKws issues the remote-delete command.
	SendDeleteKws(server ids.ServerID, externalKwsID uint64, cb func(err error))

	// SpawnWorkspace allocates a new Workspace entity in the manager's
	// arena and returns it along with its allocated ID.
	SpawnWorkspace(creds workspace.Credentials) (*workspace.Workspace, ids.WorkspaceID)

	// Workspace looks up an already-allocated Workspace by ID.
	Workspace(ws ids.WorkspaceID) (*workspace.Workspace, bool)

	NotifQueue() *workspace.NotifQueue
}
