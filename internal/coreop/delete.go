package coreop

import (
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/workspace"
)

// DeleteRemotely implements the remote-delete operation (§4.8): notify
// the server, drive the workspace through its delete_remotely_step
// (implemented as a RequestDeleteRemotely task switch), and wait for a
// DeletedKws login result before marking the workspace for local removal.
type DeleteRemotely struct {
	base
	host Host
	ws   *workspace.Workspace
}

// NewDeleteRemotely constructs the operation against an already-spawned
// workspace.
func NewDeleteRemotely(host Host, ws *workspace.Workspace, onDone func(error)) *DeleteRemotely {
	op := &DeleteRemotely{host: host, ws: ws}
	op.onDone = onDone
	op.tolerate = func(t workspace.Task) bool { return t == workspace.TaskDeleteRemotely }
	return op
}

// Start registers for the workspace's notifications, then asks the
// server to mark the workspace deleted before advancing the
// workspace's own delete_remotely_step.
func (op *DeleteRemotely) Start() {
	op.registerOn(op.ws.InternalID, op.host.NotifQueue(), op)
	op.host.SendDeleteKws(op.ws.Credentials.Server, op.ws.Credentials.ExternalKwsID, func(err error) {
		if op.done {
			return
		}
		if err != nil {
			op.fail(err)
			return
		}
		op.ws.RequestDeleteRemotely()
	})
}

// Poll is a no-op: DeleteRemotely has no steps gated on an unsignaled
// event (every transition is driven by the SendDeleteKws callback or
// OnNotify), but it still satisfies manager.Pollable so it can be
// registered alongside notification-driven completion (§4.8).
func (op *DeleteRemotely) Poll() {}

// OnNotify watches for the login cascade to settle on DeletedKws, at
// which point remote deletion is confirmed and the workspace is marked
// for local removal (§4.8 "await a DeletedKws login result -> local
// deletion"). This specific LoginChange is the operation's own
// success signal, so it is checked before the base dispatch rules
// (which would otherwise treat any LoggedOut transition as a
// disruptive logout and fail the operation).
func (op *DeleteRemotely) OnNotify(ws ids.WorkspaceID, n workspace.Notification) {
	if lc, ok := n.(workspace.LoginChange); ok && lc.Result == workspace.DeletedKws {
		op.ws.MarkOnTheWayOut()
		op.complete()
		return
	}
	op.dispatch(n)
}
