package workspace

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
)

// Wire message types for the workspace-level sub-protocol carried over
// the generic framed RPC codec (§4.1). These are this package's own
// namespace of type codes, independent of whatever numbering a given
// server deployment uses on the wire in a real interop scenario.
const (
	msgTypeLogin         uint32 = 10
	msgTypeDeleteKws     uint32 = 11
	msgTypeEventWorkspace       = uint32(AppWorkspace)
)

// Workspace namespace event types, handled by the workspace itself
// rather than dispatched to an App (§4.5 "Event dispatch").
const (
	evtUserListUpdate    uint32 = 1
	evtCredentialRefresh uint32 = 2
	evtWorkspaceDeleted  uint32 = 3
	evtLogoutCause       uint32 = 4
)

// Workspace is the per-workspace controller described in §3/§4.5. All
// fields are owned by the single coordination thread (§5); nothing
// here is safe for concurrent access from another goroutine.
type Workspace struct {
	InternalID  ids.WorkspaceID
	Credentials Credentials
	ServerState ServerState
	MainStatus  MainStatus

	CurrentTask Task
	UserTask    Task

	Applications map[AppID]App

	PermanentRev     uint64
	TransientRev     uint64
	SerializationRev uint64

	rebuildFlags       RebuildFlags
	rebuildFlushed     bool
	deleteRemotelyStep bool
	appsStarted        bool
	loginInFlight      bool

	link   ServerLink
	helper HelperLink
	log    EventLog
	notif  *NotifQueue
}

// New constructs a Workspace in its initial NotYetSpawned state (§3 lifecycle).
func New(id ids.WorkspaceID, creds Credentials, link ServerLink, helper HelperLink, log EventLog, notif *NotifQueue, apps map[AppID]App) *Workspace {
	if apps == nil {
		apps = map[AppID]App{}
	}
	return &Workspace{
		InternalID:   id,
		Credentials:  creds,
		MainStatus:   NotYetSpawned,
		CurrentTask:  TaskStop,
		UserTask:     TaskStop,
		Applications: apps,
		link:         link,
		helper:       helper,
		log:          log,
		notif:        notif,
	}
}

// RunLevel derives the workspace's readiness from CurrentTask (§4.5 "Runlevels").
func (w *Workspace) RunLevel() RunLevel {
	switch w.CurrentTask {
	case TaskWorkOnline:
		return Online
	case TaskWorkOffline, TaskSpawn, TaskRebuild, TaskDeleteRemotely:
		return Offline
	default:
		return Stopped
	}
}

// Subscribe registers sub for this workspace's notifications.
func (w *Workspace) Subscribe(sub Subscriber) SubscriberID {
	return w.notif.Subscribe(w.InternalID, sub)
}

// Unsubscribe removes a previously registered subscriber.
func (w *Workspace) Unsubscribe(id SubscriberID) {
	w.notif.Unsubscribe(w.InternalID, id)
}

// SetUserTask applies a client-requested task change (§4.5 "Tasks").
// Only Stop/WorkOffline/WorkOnline are valid user tasks; the switch is
// atomic with respect to notification delivery.
func (w *Workspace) SetUserTask(task Task) error {
	if !task.IsUserTask() {
		return apperrors.New(apperrors.KindInternal, "", "SetUserTask called with a non-user task")
	}
	w.UserTask = task
	w.switchTask(task, nil)
	return nil
}

// RequestDeleteRemotely starts the multi-step remote-delete task (§4.7/§4.8).
func (w *Workspace) RequestDeleteRemotely() {
	w.deleteRemotelyStep = false
	w.switchTask(TaskDeleteRemotely, nil)
}

// switchTask performs an atomic task transition: the task change and
// its TaskSwitch notification happen under the notification lock, and
// delivery follows once the lock is released, in FIFO order with
// anything already queued (§4.5 "Notification delivery").
func (w *Workspace) switchTask(task Task, err error) {
	w.notif.Lock()
	w.CurrentTask = task
	w.TransientRev++
	w.notif.Publish(w.InternalID, TaskSwitch{Task: task, Err: err})
	w.notif.Unlock()
}

// MarkOnTheWayOut flags the workspace for removal once every UI
// reference drops (§3 Workspace lifecycle), called by the
// DeleteRemotely core operation once the server confirms deletion.
func (w *Workspace) MarkOnTheWayOut() {
	w.MainStatus = OnTheWayOut
	w.switchTask(TaskDeleteLocally, nil)
}

// Stop transitions the workspace to Stop with the given cause, as
// required on an unhandled application error or an upgrade-required
// namespace (§4.5 "Event dispatch").
func (w *Workspace) Stop(err error) {
	w.switchTask(TaskStop, err)
}

// wantFlags derives the three want-* flags from CurrentTask (§4.5).
func (w *Workspace) wantFlags() (appRunning, serverConnected, login bool) {
	switch w.CurrentTask {
	case TaskSpawn, TaskWorkOffline, TaskWorkOnline, TaskRebuild:
		appRunning = true
	}
	switch w.CurrentTask {
	case TaskSpawn, TaskWorkOnline, TaskRebuild, TaskDeleteRemotely:
		serverConnected = true
	}
	login = serverConnected
	return
}

// WantsServerConnection reports whether the current task requires the
// workspace's server to be connected, the membership test behind the
// manager's per-server connect_workspaces set (§3 ServerHandle).
func (w *Workspace) WantsServerConnection() bool {
	_, serverConnected, _ := w.wantFlags()
	return serverConnected
}

// RunPass executes one wake-up iteration of the workspace's run_pass
// procedure (§4.5), in the five steps the spec lists in order.
// quenched reflects the manager's §4.3 quench policy; when true, step
// 5 (event draining) is skipped for this pass.
func (w *Workspace) RunPass(quenched bool) error {
	if w.CurrentTask == TaskRebuild {
		w.advanceRebuild()
	}

	appRunning, serverConnected, wantLogin := w.wantFlags()

	if appRunning && !w.appsStarted {
		w.startApps()
	} else if !appRunning && w.appsStarted {
		w.stopApps()
	}

	if serverConnected {
		status, _ := w.link.ConnStatus(w.Credentials.Server)
		if status != connectedStatus {
			w.link.RequestConnect(w.Credentials.Server)
		}
	}

	if wantLogin {
		status, _ := w.link.ConnStatus(w.Credentials.Server)
		if status == connectedStatus && w.ServerState.LoginStatus == LoggedOut &&
			!w.loginInFlight && !w.ServerState.PwdRequired {
			w.beginLogin()
		}
	}

	if !quenched {
		if err := w.processOneEvent(); err != nil {
			return err
		}
	}

	return nil
}

// advanceRebuild performs the "delete cached events, clear user table"
// step of an in-progress Rebuild exactly once, then falls back to the
// user's last requested task (§4.5 run_pass step 1).
func (w *Workspace) advanceRebuild() {
	if w.rebuildFlushed {
		return
	}
	if w.rebuildFlags&FlushLocalData != 0 {
		_ = w.log.DeleteWorkspace(w.InternalID)
		w.ServerState.LastReceivedEventID = 0
		w.ServerState.UnprocessedCount = 0
	}
	if w.rebuildFlags&FlushServerData != 0 {
		w.ServerState.EventsUpToDate = false
	}
	for _, app := range w.Applications {
		_ = app.PrepareToRebuild()
	}
	w.rebuildFlushed = true
	w.MainStatus = Good

	fallback := w.UserTask
	if fallback == TaskStop {
		fallback = TaskWorkOffline
	}
	w.switchTask(fallback, nil)
}

func (w *Workspace) startApps() {
	for id, app := range w.Applications {
		if err := app.PrepareToWork(); err != nil {
			w.Stop(err)
			return
		}
		if err := app.Start(); err != nil {
			w.Stop(err)
			return
		}
		w.notif.Publish(w.InternalID, AppStatusChange{App: id, Status: AppRunning})
	}
	w.appsStarted = true
}

func (w *Workspace) stopApps() {
	for id, app := range w.Applications {
		_ = app.Stop()
		w.notif.Publish(w.InternalID, AppStatusChange{App: id, Status: AppStopped})
	}
	w.appsStarted = false
}

// scheduleRebuild requests a Rebuild task with the given flush flags
// (§4.5 "Out-of-sync recovery" and §4.8's escalation on handler error).
func (w *Workspace) scheduleRebuild(flags RebuildFlags) {
	w.rebuildFlags |= flags
	w.rebuildFlushed = false
	w.MainStatus = RebuildRequired
	w.switchTask(TaskRebuild, nil)
}

// IngestInboundEvent appends a server-pushed event to the log under
// its namespace/type classification, for later draining by RunPass
// step 5. The manager calls this for every InboundMessageMsg that
// isn't a query reply.
func (w *Workspace) IngestInboundEvent(serverEventID uint64, namespace AppID, eventType uint32, payload []byte, serverMinor, codeMinor uint16) error {
	if namespace != AppWorkspace && namespace != AppChat && namespace != AppKfs &&
		namespace != AppVnc && namespace != AppPublicBoard {
		if serverMinor > codeMinor {
			w.Stop(apperrors.New(apperrors.KindSemantic, apperrors.CodeUpgradeRequired,
				"unknown event namespace from a newer server minor version"))
			return nil
		}
		return apperrors.New(apperrors.KindProtocol, "", "unknown event namespace")
	}

	rec := encodeEventRecord(&Event{EventID: serverEventID, Namespace: namespace, Type: eventType, Payload: payload})
	if _, err := w.log.AppendInbound(w.InternalID, rec); err != nil {
		return err
	}
	w.ServerState.LastReceivedEventID = serverEventID
	w.ServerState.UnprocessedCount++
	w.ServerState.EventsUpToDate = false
	return nil
}

// processOneEvent drains at most one unprocessed event to its handler
// (§4.5 run_pass step 5).
func (w *Workspace) processOneEvent() error {
	eventID, payload, ok, err := w.log.FirstUnprocessed(w.InternalID)
	if err != nil {
		return err
	}
	if !ok {
		if !w.ServerState.EventsUpToDate {
			w.ServerState.EventsUpToDate = true
			w.notif.Publish(w.InternalID, EventsUpToDate{})
		}
		return nil
	}

	ev, err := decodeEventRecord(eventID, payload)
	if err != nil {
		return err
	}

	var handlerErr error
	if ev.Namespace == AppWorkspace {
		handlerErr = w.handleWorkspaceEvent(ev)
	} else if app, ok := w.Applications[ev.Namespace]; ok {
		handlerErr = app.HandleEvent(ev)
	}

	if handlerErr != nil {
		if w.CurrentTask == TaskRebuild {
			w.rebuildFlags |= FlushServerData | FlushLocalData
			w.rebuildFlushed = false
		} else {
			w.Stop(handlerErr)
		}
		return nil
	}

	if err := w.log.MarkProcessed(w.InternalID, eventID); err != nil {
		return err
	}
	w.ServerState.UnprocessedCount--
	w.PermanentRev++
	return nil
}

// handleWorkspaceEvent handles the Workspace namespace's own event
// types (§4.5 "Namespace Workspace is handled by the workspace
// itself: user list, credential refresh, deletion, logout-cause").
func (w *Workspace) handleWorkspaceEvent(ev *Event) error {
	switch ev.Type {
	case evtUserListUpdate:
		w.TransientRev++
		return nil

	case evtCredentialRefresh:
		r := codec.NewReader(ev.Payload)
		ticket, err := r.GetBin()
		if err != nil {
			return err
		}
		w.Credentials.Ticket = ticket
		return nil

	case evtWorkspaceDeleted:
		w.Stop(apperrors.New(apperrors.KindSemantic, apperrors.CodeDeletedKws, "workspace deleted on server"))
		return nil

	case evtLogoutCause:
		w.ServerState.LoginStatus = LoggedOut
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut})
		return nil

	default:
		return nil
	}
}
