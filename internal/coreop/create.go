package coreop

import (
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

// createState is CreateWorkspace's progression, exactly the six steps
// named in §4.8: "Initial → TicketReply → Connecting → CreateReply →
// LoggingIn → Done".
type createState int

const (
	csInitial createState = iota
	csTicketReply
	csConnecting
	csCreateReply
	csLoggingIn
	csDone
)

// CreateWorkspace implements the CreateWorkspace command (§4.7/§4.8):
// obtain a ticket, connect to the server, issue KWS_CREATE, spawn the
// new Workspace, and wait for its first successful login.
type CreateWorkspace struct {
	base
	host Host

	ep    serverconn.Endpoint
	name  string
	flags uint32

	state         createState
	server        ids.ServerID
	ticket        []byte
	externalKwsID uint64
	internalID    ids.WorkspaceID
}

// NewCreateWorkspace constructs the operation. onDone is called with
// the new workspace's internal ID on success, or a zero ID and the
// failure error otherwise.
func NewCreateWorkspace(host Host, ep serverconn.Endpoint, name string, flags uint32, onDone func(ids.WorkspaceID, error)) *CreateWorkspace {
	op := &CreateWorkspace{host: host, ep: ep, name: name, flags: flags, state: csInitial}
	op.onDone = func(err error) {
		if onDone != nil {
			onDone(op.internalID, err)
		}
	}
	return op
}

// Start kicks off the ticket request (§4.8 "start() — kick off sub-requests").
func (op *CreateWorkspace) Start() {
	op.state = csTicketReply
	op.host.RequestTicket(func(ticket []byte, err error) {
		if op.done {
			return
		}
		if err != nil {
			op.fail(err)
			return
		}
		op.ticket = ticket
		op.server = op.host.EnsureServer(op.ep)
		op.host.RequestConnect(op.server)
		op.state = csConnecting
	})
}

// Poll advances steps gated on a signal the operation isn't otherwise
// woken for (server connect completion, login settling), as the
// manager drives each pass (§4.8 "each step gated on both a
// server-broker signal and a workspace-state-machine signal").
func (op *CreateWorkspace) Poll() {
	if op.done {
		return
	}
	switch op.state {
	case csConnecting:
		op.pollConnecting()
	case csLoggingIn:
		op.pollLoggingIn()
	}
}

func (op *CreateWorkspace) pollConnecting() {
	status, _ := op.host.ServerConnStatus(op.server)
	if status != "Connected" {
		return
	}
	op.state = csCreateReply
	op.host.SendCreateKws(op.server, op.name, op.flags, func(externalID uint64, err error) {
		if op.done {
			return
		}
		if err != nil {
			op.fail(err)
			return
		}
		op.externalKwsID = externalID
		creds := workspace.Credentials{
			Server:        op.server,
			ExternalKwsID: externalID,
			Ticket:        op.ticket,
		}
		ws, wsID := op.host.SpawnWorkspace(creds)
		op.internalID = wsID
		op.registerOn(wsID, op.host.NotifQueue(), op)
		op.tolerate = func(t workspace.Task) bool {
			return t == workspace.TaskSpawn || t == workspace.TaskWorkOnline || t == workspace.TaskWorkOffline
		}
		op.state = csLoggingIn
		_ = ws.SetUserTask(workspace.TaskWorkOnline)
	})
}

func (op *CreateWorkspace) pollLoggingIn() {
	ws, ok := op.host.Workspace(op.internalID)
	if ok && ws.ServerState.LoginStatus == workspace.LoggedIn {
		op.state = csDone
		op.complete()
	}
}

// OnNotify implements workspace.Subscriber: the base dispatch rules
// apply first (failing on a disruptive disconnect/logout/task switch
// the op doesn't tolerate), then CreateWorkspace completes as soon as
// a LoggedIn notification arrives rather than waiting for the next Poll.
func (op *CreateWorkspace) OnNotify(ws ids.WorkspaceID, n workspace.Notification) {
	op.dispatch(n)
	if op.done || op.state != csLoggingIn {
		return
	}
	if lc, ok := n.(workspace.LoginChange); ok && lc.Status == workspace.LoggedIn {
		op.state = csDone
		op.complete()
	}
}
