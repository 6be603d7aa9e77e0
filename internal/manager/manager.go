package manager

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/helperproc"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/logging"
	"github.com/tmbx/kwm/internal/metrics"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

// helperReply carries a settled helper Transaction result back onto
// the manager's own coordination goroutine, the same bridging pattern
// serverconn.QueryReplyMsg uses for server queries.
type helperReply struct {
	cb     func([]byte, error)
	result []codec.AsciiElement
	err    error
}

// Manager implements the workspace-manager state machine (§4.6): the
// single goroutine that owns the workspace and server arenas, the
// coreop.Host and workspace.ServerLink/HelperLink/EventLog interfaces,
// and the timer-driven pass loop that drives every live workspace.
type Manager struct {
	broker *serverconn.Broker
	helper *helperproc.Broker
	store  Store
	notif  *workspace.NotifQueue
	log    zerolog.Logger
	cron   *cron.Cron

	serverIDs     ids.Allocator
	wsIDs         ids.Allocator
	servers       map[ids.ServerID]*serverRecord
	endpointIndex map[serverconn.Endpoint]ids.ServerID
	workspaces    map[ids.WorkspaceID]*workspace.Workspace
	removalSet    map[ids.WorkspaceID]struct{}

	helperReplies chan helperReply
	cmdQueue      chan func()
	pendingOps    []Pollable
	revSink       RevSink

	status             mainStatus
	lastSerialization  time.Time
	serializationDelay time.Duration
	retentionAge       time.Duration
	connectLimiter     *rate.Limiter
}

// Pollable is a core operation whose steps are gated on a signal it
// isn't otherwise woken for (§4.8 "each step gated on both a
// server-broker signal and a workspace-state-machine signal"), e.g.
// coreop.CreateWorkspace. The manager drives every registered
// operation's Poll once per pass until it reports Done.
type Pollable interface {
	Poll()
	Done() bool
}

// RegisterOp adds op to the set of operations polled once per pass
// until it completes (§4.8). StartCreateWorkspace and
// StartDeleteRemotely call this for every operation they start on
// behalf of a client.
func (m *Manager) RegisterOp(op Pollable) {
	m.pendingOps = append(m.pendingOps, op)
}

// NewManager constructs a Manager wired to the given broker and helper
// sub-process bridges and local persistence facade. Call Run in its
// own goroutine to start the coordination loop.
func NewManager(broker *serverconn.Broker, helper *helperproc.Broker, store Store) *Manager {
	m := &Manager{
		broker:             broker,
		helper:             helper,
		store:              store,
		notif:              workspace.NewNotifQueue(),
		log:                logging.Component("manager"),
		serverIDs:          ids.Allocator{},
		wsIDs:              ids.Allocator{},
		servers:            map[ids.ServerID]*serverRecord{},
		endpointIndex:      map[serverconn.Endpoint]ids.ServerID{},
		workspaces:         map[ids.WorkspaceID]*workspace.Workspace{},
		removalSet:         map[ids.WorkspaceID]struct{}{},
		helperReplies:      make(chan helperReply, 64),
		cmdQueue:           make(chan func(), 64),
		status:             statusRunning,
		serializationDelay: DefaultSerializationDelay,
		retentionAge:       30 * 24 * time.Hour,
		connectLimiter:     rate.NewLimiter(rate.Every(DefaultConnectRate), DefaultConnectBurst),
	}
	return m
}

// SetSerializationDelay overrides the interval between serialization
// passes (§4.6 wm_serialization_delay, default 5 minutes).
func (m *Manager) SetSerializationDelay(d time.Duration) {
	if d > 0 {
		m.serializationDelay = d
	}
}

// StartRetentionSweep schedules the event-log retention sweep (§4.9
// "a long-running transaction spanning serializations" is distinct
// from this: the sweep prunes processed events older than
// retentionAge) on the given cron schedule, e.g. "0 3 * * *" for
// daily at 03:00.
func (m *Manager) StartRetentionSweep(schedule string) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(schedule, func() {
		for id := range m.workspaces {
			if trimmer, ok := m.store.(interface {
				TrimProcessed(ids.WorkspaceID, time.Duration) error
			}); ok {
				if err := trimmer.TrimProcessed(id, m.retentionAge); err != nil {
					m.log.Warn().Err(err).Str("workspace", id.String()).Msg("retention sweep failed")
				}
			}
		}
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, apperrors.CodeInvalidConfig, "invalid retention sweep schedule", err)
	}
	m.cron.Start()
	return nil
}

// Run drives the coordination loop until ctx is cancelled, passing
// every live workspace, draining the broker and helper bridges, and
// serializing state on the configured delay (§4.6).
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return

		case msg := <-m.broker.FromBroker():
			m.handleFromBroker(msg)

		case hr := <-m.helperReplies:
			m.handleHelperReply(hr)

		case fn := <-m.cmdQueue:
			fn()

		case <-ticker.C:
			m.Pass()
		}
	}
}

// Submit marshals fn onto the coordination goroutine, run in Run's
// select loop alongside broker/helper replies and the pass ticker
// (§5 "Worker threads communicate with the coordinator exclusively by
// message queues ... Workers never touch workspace or manager state
// directly"). internal/clientbroker uses this to execute every client
// command handler on the single thread that owns the arenas, the same
// bridging discipline handleFromBroker's QueryReplyMsg case and
// handleHelperReply already apply to broker/helper callbacks.
func (m *Manager) Submit(fn func()) {
	m.cmdQueue <- fn
}

// handleFromBroker folds one broker notification into the manager's
// own server-status mirror and, for QueryReplyMsg, invokes the
// waiting callback on this coordination goroutine.
func (m *Manager) handleFromBroker(msg serverconn.FromBroker) {
	switch v := msg.(type) {
	case serverconn.ConnectedMsg:
		if rec, ok := m.servers[v.Server]; ok {
			rec.status = "Connected"
			rec.minorVersion = v.MinorVersion
			rec.failedConnectCount = 0
			rec.errorTs = nil
		}
		for _, wsID := range m.workspacesOnServer(v.Server) {
			m.notif.Publish(wsID, workspace.ServerConnChange{Status: "Connected"})
		}

	case serverconn.DisconnectedMsg:
		if rec, ok := m.servers[v.Server]; ok {
			rec.status = "Disconnected"
			if v.Reason != nil {
				rec.failedConnectCount++
				now := time.Now()
				rec.errorTs = &now
			}
		}
		for _, wsID := range m.workspacesOnServer(v.Server) {
			m.notif.Publish(wsID, workspace.ServerConnChange{Status: "Disconnected", Err: v.Reason})
		}

	case serverconn.InboundMessageMsg:
		m.routeInbound(v)

	case serverconn.QueryReplyMsg:
		if v.Query.Callback != nil {
			v.Query.Callback(v.Reply, v.Err)
		}
	}
}

func (m *Manager) handleHelperReply(hr helperReply) {
	if hr.cb == nil {
		return
	}
	if hr.err != nil {
		hr.cb(nil, hr.err)
		return
	}
	if len(hr.result) == 0 {
		hr.cb(nil, apperrors.New(apperrors.KindProtocol, "", "empty helper reply"))
		return
	}
	hr.cb(hr.result[0].Bytes, nil)
}

// routeInbound dispatches a server-pushed message to the workspace
// whose ExternalKwsID it carries in its payload header, surfacing it
// as an inbound event (§4.5 IngestInboundEvent). The wire framing
// used here (external_kws_id, namespace, type, server_event_id,
// payload) is this module's own event envelope atop the generic
// framed codec.
func (m *Manager) routeInbound(v serverconn.InboundMessageMsg) {
	r := codec.NewReader(v.Message.Payload)
	externalKwsID, err := r.GetU64()
	if err != nil {
		return
	}
	namespace, err := r.GetU32()
	if err != nil {
		return
	}
	eventType, err := r.GetU32()
	if err != nil {
		return
	}
	serverEventID, err := r.GetU64()
	if err != nil {
		return
	}
	payload, err := r.GetBin()
	if err != nil {
		return
	}

	ws := m.findWorkspace(v.Server, externalKwsID)
	if ws == nil {
		return
	}
	if err := ws.IngestInboundEvent(serverEventID, workspace.AppID(namespace), eventType, payload, v.Message.Minor, codec.SupportedMinor); err != nil {
		m.log.Warn().Err(err).Str("workspace", ws.InternalID.String()).Msg("failed to ingest inbound event")
	}
}

func (m *Manager) findWorkspace(server ids.ServerID, externalKwsID uint64) *workspace.Workspace {
	rec, ok := m.servers[server]
	if !ok {
		return nil
	}
	for id := range rec.workspaces {
		if ws, ok := m.workspaces[id]; ok && ws.Credentials.ExternalKwsID == externalKwsID {
			return ws
		}
	}
	return nil
}

func (m *Manager) workspacesOnServer(server ids.ServerID) []ids.WorkspaceID {
	rec, ok := m.servers[server]
	if !ok {
		return nil
	}
	out := make([]ids.WorkspaceID, 0, len(rec.workspaces))
	for id := range rec.workspaces {
		out = append(out, id)
	}
	return out
}

// Pass runs the six ordered steps of one manager iteration (§4.6):
// serialize if due, run every workspace (reporting the inbound backlog
// the broker's own ticker computes quench from), poll pending core
// operations, drain workspaces ready for removal, reconnect any server
// past its backoff deadline, and report runlevel metrics.
func (m *Manager) Pass() {
	start := time.Now()
	defer func() { metrics.ManagerPassDuration.Observe(time.Since(start).Seconds()) }()

	m.maybeSerialize()
	m.runWorkspaces()
	m.pollOps()
	m.drainRemovals()
	m.reconnectDue()
	m.reportMetrics()
}

// pollOps advances every still-pending registered core operation and
// drops the ones that have settled, so the slice doesn't grow without
// bound across a long-running process.
func (m *Manager) pollOps() {
	if len(m.pendingOps) == 0 {
		return
	}
	live := m.pendingOps[:0]
	for _, op := range m.pendingOps {
		if op.Done() {
			continue
		}
		op.Poll()
		if !op.Done() {
			live = append(live, op)
		}
	}
	m.pendingOps = live
}

func (m *Manager) runWorkspaces() {
	quenchedByInbound := len(m.workspaces) > 0 && m.inboundBacklog() > serverconn.TransferBudgetSteps*4
	changed := false
	for id, ws := range m.workspaces {
		if ws.MainStatus == workspace.OnTheWayOut {
			m.removalSet[id] = struct{}{}
			continue
		}
		before := ws.PermanentRev + ws.TransientRev
		if err := ws.RunPass(quenchedByInbound); err != nil {
			m.log.Error().Err(err).Str("workspace", id.String()).Msg("workspace run_pass failed")
		}
		if ws.PermanentRev+ws.TransientRev != before {
			changed = true
		}
		if rec, ok := m.servers[ws.Credentials.Server]; ok {
			if ws.WantsServerConnection() {
				rec.connectWorkspaces[id] = struct{}{}
			} else {
				delete(rec.connectWorkspaces, id)
			}
		}
	}
	if changed && m.revSink != nil {
		m.revSink.NotifyStateChange()
	}
}

// RevSink receives a signal whenever any workspace's permanent_rev or
// transient_rev increments during a pass (§4.7 "When any workspace's
// transient_rev or permanent_rev increments, the broker sets a
// per-channel need_sync flag"). internal/clientbroker.Broker
// implements this; it is optional so the manager can run headless
// (tests, RestoreWorkspaces) without a client broker attached.
type RevSink interface {
	NotifyStateChange()
}

// SetRevSink wires the external-client broker to be notified of
// workspace revision bumps (§4.7). Call once during startup wiring.
func (m *Manager) SetRevSink(s RevSink) { m.revSink = s }

func (m *Manager) inboundBacklog() int {
	total := 0
	for id := range m.workspaces {
		n, err := m.store.UnprocessedCount(id)
		if err == nil {
			total += n
			metrics.EventLogUnprocessed.WithLabelValues(id.String()).Set(float64(n))
		}
	}
	m.broker.SetInboundQueueLen(total)
	return total
}

// drainRemovals deletes every workspace marked OnTheWayOut whose
// applications have confirmed PrepareToRemove, per §3's Workspace
// lifecycle terminal step.
func (m *Manager) drainRemovals() {
	for id := range m.removalSet {
		ws, ok := m.workspaces[id]
		if !ok {
			delete(m.removalSet, id)
			continue
		}
		ready := true
		for _, app := range ws.Applications {
			if err := app.PrepareToRemove(); err != nil {
				ready = false
			}
		}
		if !ready {
			continue
		}
		if err := m.store.DeleteWorkspace(id); err != nil {
			m.log.Warn().Err(err).Str("workspace", id.String()).Msg("failed to delete workspace event log")
		}
		if rec, ok := m.servers[ws.Credentials.Server]; ok {
			delete(rec.workspaces, id)
			delete(rec.connectWorkspaces, id)
			m.broker.DetachWorkspace(rec.id, id)
			if len(rec.workspaces) == 0 {
				// Last referencing workspace gone: release the handle
				// once the broker has dropped the connection (§3
				// ServerHandle lifecycle).
				m.broker.ToBroker() <- serverconn.DisconnectMsg{Server: rec.id}
				delete(m.servers, rec.id)
				delete(m.endpointIndex, rec.endpoint)
			}
		}
		_ = m.store.DeleteBlob(snapshotKey(id))
		delete(m.workspaces, id)
		delete(m.removalSet, id)
	}
}

// reconnectDue requests a reconnect for every Disconnected server with
// at least one workspace wanting connectivity, once its exponential
// backoff deadline has passed (§4.6 "Reconnect backoff"). A fleet-wide
// token bucket (connectLimiter) additionally smooths the case where many
// servers clear backoff in the same pass: a server that loses its token
// this pass simply tries again next pass, since it remains Disconnected
// and past its own deadline until RequestConnect actually fires.
func (m *Manager) reconnectDue() {
	now := time.Now()
	for id, rec := range m.servers {
		if rec.status != "Disconnected" || len(rec.connectWorkspaces) == 0 {
			continue
		}
		if rec.errorTs != nil && now.Before(rec.reconnectDeadline()) {
			continue
		}
		if !m.connectLimiter.AllowN(now, 1) {
			continue
		}
		m.RequestConnect(id)
	}
}

func (m *Manager) reportMetrics() {
	counts := map[string]float64{"stopped": 0, "offline": 0, "online": 0}
	for _, ws := range m.workspaces {
		switch ws.RunLevel() {
		case workspace.Stopped:
			counts["stopped"]++
		case workspace.Offline:
			counts["offline"]++
		case workspace.Online:
			counts["online"]++
		}
	}
	for level, n := range counts {
		metrics.WorkspacesByRunlevel.WithLabelValues(level).Set(n)
	}
}

// maybeSerialize persists the manager's own manifest blob plus every
// workspace's serialization-relevant state to the blob store once
// serializationDelay has elapsed since the last pass that did so, then
// commits the facade's long-running transaction so the snapshot is the
// new crash-recovery point (§4.6, §4.9).
func (m *Manager) maybeSerialize() {
	if time.Since(m.lastSerialization) < m.serializationDelay {
		return
	}
	for id, ws := range m.workspaces {
		var ep serverconn.Endpoint
		if rec, ok := m.servers[ws.Credentials.Server]; ok {
			ep = rec.endpoint
		}
		blob, err := encodeWorkspaceSnapshot(ws, ep.Host, ep.Port)
		if err != nil {
			m.log.Warn().Err(err).Str("workspace", id.String()).Msg("failed to encode workspace snapshot")
			continue
		}
		if err := m.store.PutBlob(snapshotKey(id), blob); err != nil {
			m.log.Warn().Err(err).Str("workspace", id.String()).Msg("failed to persist workspace snapshot")
		}
		ws.SerializationRev++
	}
	if err := m.store.PutBlob(wmCoreKey, encodeManagerSnapshot(m)); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist manager snapshot")
	}
	if cp, ok := m.store.(interface{ Checkpoint() error }); ok {
		if err := cp.Checkpoint(); err != nil {
			m.log.Warn().Err(err).Msg("serialization checkpoint failed")
		}
	}
	m.lastSerialization = time.Now()
}

// snapshotKeyPrefix namespaces workspace snapshot blobs apart from
// "wm_core" and any app-level serialization the future holds (§6
// "serialization blob table keyed by logical name").
const snapshotKeyPrefix = "workspace/"

// RestoreWorkspaces re-spawns every workspace persisted by a prior
// process's maybeSerialize passes, deriving a fresh ids.ServerID for
// each snapshot's endpoint and resuming its last user-selected task
// (§4.6 "serialize" pass step's counterpart on startup). Call this
// once, before Run, while the arena is still empty.
func (m *Manager) RestoreWorkspaces() error {
	lister, ok := m.store.(interface {
		ListBlobKeys(prefix string) ([]string, error)
	})
	if !ok {
		return nil
	}
	keys, err := lister.ListBlobKeys(snapshotKeyPrefix)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to list workspace snapshots", err)
	}
	for _, key := range keys {
		blob, ok, err := m.store.GetBlob(key)
		if err != nil || !ok {
			continue
		}
		snap, err := decodeWorkspaceSnapshot(blob)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("failed to decode workspace snapshot")
			continue
		}
		server := m.EnsureServer(serverconn.Endpoint{Host: snap.Host, Port: snap.Port})
		ws, _ := m.SpawnWorkspace(workspace.Credentials{
			Server:           server,
			ExternalKwsID:    snap.ExternalKwsID,
			UserID:           snap.UserID,
			Ticket:           snap.Ticket,
			PasswordVerifier: snap.PasswordVerifier,
		})
		ws.MainStatus = workspace.MainStatus(snap.MainStatus)
		ws.PermanentRev = snap.PermanentRev
		task := workspace.Task(snap.UserTask)
		if !task.IsUserTask() {
			task = workspace.TaskWorkOffline
		}
		_ = ws.SetUserTask(task)

		// The restored workspace gets a new internal_id; drop the old
		// blob so the next maybeSerialize doesn't leave a stale
		// duplicate keyed by the id that's no longer in use.
		_ = m.store.DeleteBlob(key)
	}
	return nil
}

// shutdown runs the stopping cascade (§4.6): stop every workspace,
// drop every server connection, drain the broker's terminal notices
// until all handles report Disconnected (failing in-flight queries and
// operations with Interrupted along the way), then release the helper
// and serialize.
func (m *Manager) shutdown() {
	m.status = statusStopping
	if m.cron != nil {
		m.cron.Stop()
	}

	for _, ws := range m.workspaces {
		if ws.CurrentTask != workspace.TaskStop {
			_ = ws.SetUserTask(workspace.TaskStop)
		}
	}

	for id := range m.servers {
		m.broker.ToBroker() <- serverconn.DisconnectMsg{Server: id}
	}
	deadline := time.After(5 * time.Second)
drain:
	for !m.allServersDisconnected() {
		select {
		case msg := <-m.broker.FromBroker():
			m.handleFromBroker(msg)
		case <-deadline:
			m.log.Warn().Msg("shutdown drain timed out before all servers disconnected")
			break drain
		}
	}

	m.helper.Stop()

	m.lastSerialization = time.Time{}
	m.maybeSerialize()
	m.status = statusStopped
}

func (m *Manager) allServersDisconnected() bool {
	for _, rec := range m.servers {
		if rec.status != "Disconnected" {
			return false
		}
	}
	return true
}

func snapshotKey(id ids.WorkspaceID) string {
	return "workspace/" + id.String()
}
