package manager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/helperproc"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/store"
	"github.com/tmbx/kwm/internal/workspace"
)

// fakeStore is an in-memory double for Store, enough to drive the
// manager's pass-loop bookkeeping without a real sqlite-backed facade.
type fakeStore struct {
	events    map[ids.WorkspaceID][][]byte
	processed map[ids.WorkspaceID]int
	blobs     map[string][]byte
	deleted   []ids.WorkspaceID

	outbound     map[ids.WorkspaceID][][]byte
	outboundUUID map[ids.WorkspaceID][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:       map[ids.WorkspaceID][][]byte{},
		processed:    map[ids.WorkspaceID]int{},
		blobs:        map[string][]byte{},
		outbound:     map[ids.WorkspaceID][][]byte{},
		outboundUUID: map[ids.WorkspaceID][]string{},
	}
}

func (s *fakeStore) AppendOutbound(ws ids.WorkspaceID, payload []byte) (uint64, string, error) {
	id := uuid.New().String()
	s.outbound[ws] = append(s.outbound[ws], payload)
	s.outboundUUID[ws] = append(s.outboundUUID[ws], id)
	return uint64(len(s.outbound[ws])), id, nil
}

func (s *fakeStore) CheckEventUUID(ws ids.WorkspaceID, eventID uint64, id string) (bool, error) {
	uuids := s.outboundUUID[ws]
	if eventID == 0 || int(eventID) > len(uuids) {
		return false, nil
	}
	return uuids[eventID-1] == id, nil
}

func (s *fakeStore) FetchSince(ws ids.WorkspaceID, sinceID uint64, limit int) ([]store.Event, error) {
	evs := s.events[ws]
	var out []store.Event
	for i := int(sinceID); i < len(evs) && len(out) < limit; i++ {
		out = append(out, store.Event{ID: uint64(i + 1), Payload: evs[i]})
	}
	return out, nil
}

func (s *fakeStore) AppendInbound(ws ids.WorkspaceID, payload []byte) (uint64, error) {
	s.events[ws] = append(s.events[ws], payload)
	return uint64(len(s.events[ws])), nil
}

func (s *fakeStore) MarkProcessed(ws ids.WorkspaceID, eventID uint64) error {
	s.processed[ws]++
	return nil
}

func (s *fakeStore) FirstUnprocessed(ws ids.WorkspaceID) (uint64, []byte, bool, error) {
	idx := s.processed[ws]
	evs := s.events[ws]
	if idx >= len(evs) {
		return 0, nil, false, nil
	}
	return uint64(idx + 1), evs[idx], true, nil
}

func (s *fakeStore) UnprocessedCount(ws ids.WorkspaceID) (int, error) {
	return len(s.events[ws]) - s.processed[ws], nil
}

func (s *fakeStore) DeleteWorkspace(ws ids.WorkspaceID) error {
	s.deleted = append(s.deleted, ws)
	delete(s.events, ws)
	delete(s.processed, ws)
	return nil
}

func (s *fakeStore) PutBlob(name string, data []byte) error {
	s.blobs[name] = data
	return nil
}

func (s *fakeStore) GetBlob(name string) ([]byte, bool, error) {
	b, ok := s.blobs[name]
	return b, ok, nil
}

func (s *fakeStore) DeleteBlob(name string) error {
	delete(s.blobs, name)
	return nil
}

func (s *fakeStore) ListBlobKeys(prefix string) ([]string, error) {
	var out []string
	for name := range s.blobs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func newTestManager() *Manager {
	return NewManager(serverconn.NewBroker(), helperproc.NewBroker("/bin/false", "/tmp"), newFakeStore())
}

func TestEnsureServerIsIdempotent(t *testing.T) {
	m := newTestManager()
	ep := serverconn.Endpoint{Host: "kcd.example.com", Port: 443}

	id1 := m.EnsureServer(ep)
	id2 := m.EnsureServer(ep)

	assert.Equal(t, id1, id2)
	assert.Len(t, m.servers, 1)
}

func TestSpawnWorkspaceRegistersWithItsServer(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})

	ws, wsID := m.SpawnWorkspace(workspace.Credentials{Server: server, ExternalKwsID: 7})

	require.NotNil(t, ws)
	assert.Equal(t, wsID, ws.InternalID)
	_, tracked := m.servers[server].workspaces[wsID]
	assert.True(t, tracked)
}

func TestDrainRemovalsDeletesWorkspaceMarkedOnTheWayOut(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})
	ws, wsID := m.SpawnWorkspace(workspace.Credentials{Server: server})
	ws.MarkOnTheWayOut()

	m.removalSet[wsID] = struct{}{}
	m.drainRemovals()

	_, stillPresent := m.workspaces[wsID]
	assert.False(t, stillPresent)
	assert.Contains(t, m.store.(*fakeStore).deleted, wsID)
	// Its server lost its last referencing workspace, so the handle
	// goes with it.
	_, serverStillPresent := m.servers[server]
	assert.False(t, serverStillPresent)
}

func TestRouteInboundIngestsEventForMatchingWorkspace(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})
	ws, _ := m.SpawnWorkspace(workspace.Credentials{Server: server, ExternalKwsID: 99})

	w := &codec.Writer{}
	w.PutU64(99) // external kws id
	w.PutU32(uint32(workspace.AppChat))
	w.PutU32(5) // event type
	w.PutU64(1) // server event id
	w.PutBin([]byte("payload"))

	m.routeInbound(serverconn.InboundMessageMsg{
		Server:  server,
		Message: &codec.Message{Payload: w.Bytes()},
	})

	assert.Equal(t, uint64(1), ws.ServerState.LastReceivedEventID)
	assert.Equal(t, 1, ws.ServerState.UnprocessedCount)
}

func TestReconnectDueSkipsServerBeforeBackoffDeadline(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})
	_, wsID := m.SpawnWorkspace(workspace.Credentials{Server: server})

	rec := m.servers[server]
	rec.connectWorkspaces[wsID] = struct{}{}
	now := time.Now()
	rec.errorTs = &now
	rec.failedConnectCount = 1

	// Within the 60s reconnect_delay: reconnectDue must not touch the
	// backoff bookkeeping itself (only a later ConnectedMsg/DisconnectedMsg
	// notification does), so it should be a pure no-op here.
	m.reconnectDue()

	assert.Equal(t, "Disconnected", rec.status)
	assert.Equal(t, 1, rec.failedConnectCount)
}

func TestReconnectDueThrottlesBurstAcrossServers(t *testing.T) {
	m := newTestManager()
	m.connectLimiter = rate.NewLimiter(rate.Every(time.Hour), 2)

	for i := 0; i < 5; i++ {
		ep := serverconn.Endpoint{Host: "kcd.example.com", Port: 443 + i}
		s := m.EnsureServer(ep)
		_, wsID := m.SpawnWorkspace(workspace.Credentials{Server: s})
		m.servers[s].connectWorkspaces[wsID] = struct{}{}
	}

	now := time.Now()
	m.reconnectDue()

	// Burst of 2 must already be spent across the 5 eligible servers;
	// the fleet-wide bucket refuses a further draw this instant.
	assert.False(t, m.connectLimiter.AllowN(now, 1))
}

func TestReconnectDeadlineBackoffGrowsWithFailures(t *testing.T) {
	now := time.Now()
	rec := newServerRecord(ids.ServerID(1), serverconn.Endpoint{})
	rec.errorTs = &now

	rec.failedConnectCount = 1
	d1 := rec.reconnectDeadline().Sub(now)
	assert.Equal(t, DefaultReconnectDelay, d1)

	rec.failedConnectCount = 2
	d2 := rec.reconnectDeadline().Sub(now)
	assert.Equal(t, DefaultReconnectDelay*DefaultBackoffFactor, d2)

	rec.failedConnectCount = 10
	dMax := rec.reconnectDeadline().Sub(now)
	maxMult := 1
	for i := 0; i < DefaultMaxBackoff; i++ {
		maxMult *= DefaultBackoffFactor
	}
	assert.Equal(t, DefaultReconnectDelay*time.Duration(maxMult), dMax)
}

func TestRestoreWorkspacesRespawnsFromSnapshot(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})
	ws, _ := m.SpawnWorkspace(workspace.Credentials{Server: server, ExternalKwsID: 7, UserID: 3})
	require.NoError(t, ws.SetUserTask(workspace.TaskWorkOnline))

	m.serializationDelay = 0
	m.maybeSerialize()
	blobs := m.store.(*fakeStore).blobs
	require.Len(t, blobs, 2)
	require.Contains(t, blobs, "wm_core")

	restored := newTestManager()
	restored.store = m.store
	require.NoError(t, restored.RestoreWorkspaces())

	require.Len(t, restored.workspaces, 1)
	var got *workspace.Workspace
	for _, w := range restored.workspaces {
		got = w
	}
	assert.Equal(t, uint64(7), got.Credentials.ExternalKwsID)
	assert.Equal(t, workspace.TaskWorkOnline, got.UserTask)
	assert.NotContains(t, blobs, snapshotKey(ws.InternalID), "restore should consume the snapshot blob")
}

func TestShutdownStopsWorkspacesAndSerializes(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})
	ws, _ := m.SpawnWorkspace(workspace.Credentials{Server: server, ExternalKwsID: 5})
	require.NoError(t, ws.SetUserTask(workspace.TaskWorkOnline))

	m.shutdown()

	assert.Equal(t, workspace.TaskStop, ws.CurrentTask)
	assert.Contains(t, m.store.(*fakeStore).blobs, "wm_core")
	assert.Contains(t, m.store.(*fakeStore).blobs, snapshotKey(ws.InternalID))
	assert.Equal(t, statusStopped, m.status)
}

func TestHandleFromBrokerUpdatesServerStatus(t *testing.T) {
	m := newTestManager()
	server := m.EnsureServer(serverconn.Endpoint{Host: "kcd.example.com", Port: 443})

	m.handleFromBroker(serverconn.ConnectedMsg{Server: server, MinorVersion: 3})
	status, minor := m.ServerConnStatus(server)
	assert.Equal(t, "Connected", status)
	assert.Equal(t, uint16(3), minor)

	m.handleFromBroker(serverconn.DisconnectedMsg{Server: server, Reason: assert.AnError})
	status, _ = m.ServerConnStatus(server)
	assert.Equal(t, "Disconnected", status)
	assert.Equal(t, 1, m.servers[server].failedConnectCount)
}
