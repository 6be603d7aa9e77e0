// Package clientbroker implements the external-client broker (§4.7):
// long-lived control channels on which user-interface clients submit
// core operations and receive state-change events. Each channel is
// framed like the server RPC (§4.1's binary codec, reused rather than
// re-invented); a channel has two roles mixed on the same connection —
// command/reply (client-initiated, uniquely id'd, exactly one reply)
// and event push (broker-initiated, fire-and-forget, FIFO per channel).
package clientbroker

import (
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

// Command message types (§4.7 command set). The wire ID the client
// assigns correlates a reply to its request, the same field the
// server-facing codec already carries (§4.1 header).
const (
	CmdCreateWorkspace        uint32 = 1
	CmdSetWorkspaceTask       uint32 = 2
	CmdSetLoginPwd            uint32 = 3
	CmdInviteToWorkspace      uint32 = 4
	CmdPostChat               uint32 = 5
	CmdAcceptChatRequest      uint32 = 6
	CmdLookupRecipientAddress uint32 = 7
	CmdExportKws              uint32 = 8
	CmdImportKws              uint32 = 9
	CmdStartScreenShare       uint32 = 10
	CmdJoinScreenShare        uint32 = 11
	CmdCheckEventUuid         uint32 = 12
	CmdFetchEvent             uint32 = 13
	CmdFetchState             uint32 = 14
)

// Event message types, broker-initiated and fire-and-forget (§4.7
// "Events"). ID is always 0 on these frames since nothing replies to them.
const (
	EvtFetchStateHint        uint32 = 100
	EvtChatMsgReceived       uint32 = 101
	EvtWorkspaceCreated      uint32 = 102
	EvtLocalScreenShareStart uint32 = 103
)

// replyStatus is the first element of every command reply's payload
// (§6 "Replies: OK, Failure(ErrorKind, message), plus per-command typed payloads").
type replyStatus uint32

const (
	statusOK      replyStatus = 0
	statusFailure replyStatus = 1
)

// Host is the manager-side surface the external-client broker drives.
// internal/manager implements it; clientbroker never touches the
// workspace/server arenas directly (design note "Cyclic object
// graphs": the client-facing edge of the core talks through IDs and a
// narrow interface, same as coreop.Host).
type Host interface {
	// Submit marshals fn onto the manager's single coordination
	// goroutine (§5); every command handler below must run its
	// Host calls inside one of these rather than directly from a
	// channel's own reader goroutine.
	Submit(fn func())

	EnsureServer(ep serverconn.Endpoint) ids.ServerID
	ServerEndpoint(server ids.ServerID) (serverconn.Endpoint, bool)
	Workspace(ws ids.WorkspaceID) (*workspace.Workspace, bool)
	Workspaces() []*workspace.Workspace
	NotifQueue() *workspace.NotifQueue

	StartCreateWorkspace(ep serverconn.Endpoint, name string, flags uint32, cb func(ids.WorkspaceID, error))
	StartDeleteRemotely(ws ids.WorkspaceID, cb func(error)) bool

	ImportWorkspace(ep serverconn.Endpoint, creds workspace.Credentials) ids.WorkspaceID

	SendInvite(server ids.ServerID, externalKwsID uint64, recipients []string, sendEmail bool, message string, cb func(error))
	SendPostChat(server ids.ServerID, externalKwsID uint64, channel, message string, cb func(error))
	SendAcceptChatRequest(server ids.ServerID, externalKwsID uint64, user, req string, cb func(error))
	SendLookupRecipientAddress(server ids.ServerID, emails []string, cb func(addresses []string, err error))
	SendStartScreenShare(server ids.ServerID, externalKwsID uint64, cb func(token string, err error))
	SendJoinScreenShare(server ids.ServerID, externalKwsID uint64, token string, cb func(err error))

	FetchSince(ws ids.WorkspaceID, sinceID uint64, limit int) ([]StoreEvent, error)
	CheckEventUUID(ws ids.WorkspaceID, eventID uint64, uuid string) (bool, error)
}

// StoreEvent is the subset of a persisted event the FetchEvent command
// returns to a client (§4.9 FetchSince / §4.7 FetchEvent).
type StoreEvent struct {
	EventID uint64
	Payload []byte
}
