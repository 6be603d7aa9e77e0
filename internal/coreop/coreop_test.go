package coreop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

// fakeLink auto-accepts login on the first query it's sent, enough to
// drive a spawned workspace's own run_pass to LoggedIn without a real
// server-connection broker.
type fakeLink struct{ status string }

func (l *fakeLink) ConnStatus(ids.ServerID) (string, uint16) { return l.status, 1 }
func (l *fakeLink) RequestConnect(ids.ServerID)              { l.status = "Connected" }
func (l *fakeLink) SendQuery(_ ids.ServerID, _ *codec.Message, cb func(*codec.Message, error)) {
	w := &codec.Writer{}
	w.PutU32(uint32(workspace.Accepted))
	w.PutU64(0)
	w.PutU32(0)
	cb(&codec.Message{Payload: w.Bytes()}, nil)
}

type fakeHelperLink struct{}

func (fakeHelperLink) RequestTicket(ids.WorkspaceID, uint64, uint64, func([]byte, error)) {}

type fakeEventLog struct{}

func (fakeEventLog) AppendInbound(ids.WorkspaceID, []byte) (uint64, error)       { return 0, nil }
func (fakeEventLog) MarkProcessed(ids.WorkspaceID, uint64) error                 { return nil }
func (fakeEventLog) FirstUnprocessed(ids.WorkspaceID) (uint64, []byte, bool, error) {
	return 0, nil, false, nil
}
func (fakeEventLog) UnprocessedCount(ids.WorkspaceID) (int, error) { return 0, nil }
func (fakeEventLog) DeleteWorkspace(ids.WorkspaceID) error         { return nil }

// fakeHost is a minimal, fully synchronous Host double driving every
// callback inline, so operations reach terminal states without a real
// manager pass loop.
type fakeHost struct {
	notif      *workspace.NotifQueue
	servers    map[serverconn.Endpoint]ids.ServerID
	nextServer uint64
	connStatus map[ids.ServerID]string
	nextWS     uint64
	workspaces map[ids.WorkspaceID]*workspace.Workspace

	ticketErr error
	createErr error
	deleteErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		notif:      workspace.NewNotifQueue(),
		servers:    map[serverconn.Endpoint]ids.ServerID{},
		connStatus: map[ids.ServerID]string{},
		workspaces: map[ids.WorkspaceID]*workspace.Workspace{},
	}
}

func (h *fakeHost) EnsureServer(ep serverconn.Endpoint) ids.ServerID {
	if id, ok := h.servers[ep]; ok {
		return id
	}
	h.nextServer++
	id := ids.ServerID(h.nextServer)
	h.servers[ep] = id
	h.connStatus[id] = "Disconnected"
	return id
}

func (h *fakeHost) RequestConnect(server ids.ServerID) { h.connStatus[server] = "Connected" }

func (h *fakeHost) ServerConnStatus(server ids.ServerID) (string, uint16) {
	return h.connStatus[server], 1
}

func (h *fakeHost) RequestTicket(cb func([]byte, error)) {
	if h.ticketErr != nil {
		cb(nil, h.ticketErr)
		return
	}
	cb([]byte("ticket"), nil)
}

func (h *fakeHost) SendCreateKws(server ids.ServerID, name string, flags uint32, cb func(uint64, error)) {
	if h.createErr != nil {
		cb(0, h.createErr)
		return
	}
	cb(42, nil)
}

func (h *fakeHost) SendDeleteKws(server ids.ServerID, externalKwsID uint64, cb func(error)) {
	cb(h.deleteErr)
}

func (h *fakeHost) SpawnWorkspace(creds workspace.Credentials) (*workspace.Workspace, ids.WorkspaceID) {
	h.nextWS++
	id := ids.WorkspaceID(h.nextWS)
	ws := workspace.New(id, creds, &fakeLink{status: "Connected"}, fakeHelperLink{}, fakeEventLog{}, h.notif, nil)
	h.workspaces[id] = ws
	return ws, id
}

func (h *fakeHost) Workspace(ws ids.WorkspaceID) (*workspace.Workspace, bool) {
	w, ok := h.workspaces[ws]
	return w, ok
}

func (h *fakeHost) NotifQueue() *workspace.NotifQueue { return h.notif }

func TestCreateWorkspaceHappyPath(t *testing.T) {
	host := newFakeHost()
	var gotID ids.WorkspaceID
	var gotErr error
	op := NewCreateWorkspace(host, serverconn.Endpoint{Host: "kcd.example.com", Port: 443}, "Alpha", 0, func(id ids.WorkspaceID, err error) {
		gotID = id
		gotErr = err
	})

	op.Start()
	require.False(t, op.Done())
	op.Poll() // observes Connected, issues KWS_CREATE, spawns the workspace

	ws, ok := host.Workspace(op.internalID)
	require.True(t, ok)
	require.NoError(t, ws.RunPass(false)) // drives the spawned workspace's own login to completion

	op.Poll()

	assert.True(t, op.Done())
	assert.NoError(t, gotErr)
	assert.Equal(t, op.internalID, gotID)
	assert.Equal(t, uint64(42), host.workspaces[gotID].Credentials.ExternalKwsID)
}

func TestCreateWorkspaceFailsOnTicketError(t *testing.T) {
	host := newFakeHost()
	host.ticketErr = apperrors.New(apperrors.KindTransport, "", "helper unreachable")
	var gotErr error
	op := NewCreateWorkspace(host, serverconn.Endpoint{Host: "kcd.example.com", Port: 443}, "Alpha", 0, func(_ ids.WorkspaceID, err error) {
		gotErr = err
	})

	op.Start()

	assert.True(t, op.Done())
	assert.Error(t, gotErr)
}

func TestCancelIsIdempotent(t *testing.T) {
	host := newFakeHost()
	op := NewCreateWorkspace(host, serverconn.Endpoint{Host: "kcd.example.com", Port: 443}, "Alpha", 0, nil)
	op.Start()
	op.Poll()

	op.Cancel()
	assert.True(t, op.Done())
	assert.ErrorIs(t, op.Err(), apperrors.ErrCancelled)

	// Cancelling again must not change the recorded error (idempotent).
	op.Cancel()
	assert.ErrorIs(t, op.Err(), apperrors.ErrCancelled)
}

func TestDeleteRemotelyCompletesOnDeletedKws(t *testing.T) {
	host := newFakeHost()
	ws, _ := host.SpawnWorkspace(workspace.Credentials{Server: ids.ServerID(1), ExternalKwsID: 7})

	var gotErr error
	called := false
	op := NewDeleteRemotely(host, ws, func(err error) {
		called = true
		gotErr = err
	})
	op.Start()

	assert.Equal(t, workspace.TaskDeleteRemotely, ws.CurrentTask)

	// Simulate the server settling the login cascade on DeletedKws.
	host.notif.Publish(ws.InternalID, workspace.LoginChange{Status: workspace.LoggedOut, Result: workspace.DeletedKws})

	assert.True(t, called)
	assert.NoError(t, gotErr)
	assert.Equal(t, workspace.OnTheWayOut, ws.MainStatus)
}
