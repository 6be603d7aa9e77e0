package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
)

type fakeLink struct {
	status    string
	connected bool
	sent      []*codec.Message
	onSend    func(msg *codec.Message, cb func(reply *codec.Message, err error))
}

func (f *fakeLink) ConnStatus(ids.ServerID) (string, uint16) { return f.status, 1 }
func (f *fakeLink) RequestConnect(ids.ServerID)               { f.connected = true; f.status = connectedStatus }
func (f *fakeLink) SendQuery(_ ids.ServerID, msg *codec.Message, cb func(reply *codec.Message, err error)) {
	f.sent = append(f.sent, msg)
	if f.onSend != nil {
		f.onSend(msg, cb)
	}
}

type fakeHelper struct {
	ticket []byte
	err    error
}

func (h *fakeHelper) RequestTicket(_ ids.WorkspaceID, _ uint64, _ uint64, cb func(ticket []byte, err error)) {
	cb(h.ticket, h.err)
}

type fakeLog struct {
	entries map[uint64][]byte
	order   []uint64
	status  map[uint64]bool // true = processed
	next    uint64
}

func newFakeLog() *fakeLog {
	return &fakeLog{entries: map[uint64][]byte{}, status: map[uint64]bool{}}
}

func (l *fakeLog) AppendInbound(_ ids.WorkspaceID, payload []byte) (uint64, error) {
	l.next++
	l.entries[l.next] = payload
	l.status[l.next] = false
	l.order = append(l.order, l.next)
	return l.next, nil
}

func (l *fakeLog) MarkProcessed(_ ids.WorkspaceID, eventID uint64) error {
	l.status[eventID] = true
	return nil
}

func (l *fakeLog) FirstUnprocessed(_ ids.WorkspaceID) (uint64, []byte, bool, error) {
	for _, id := range l.order {
		if !l.status[id] {
			return id, l.entries[id], true, nil
		}
	}
	return 0, nil, false, nil
}

func (l *fakeLog) UnprocessedCount(_ ids.WorkspaceID) (int, error) {
	n := 0
	for _, done := range l.status {
		if !done {
			n++
		}
	}
	return n, nil
}

func (l *fakeLog) DeleteWorkspace(_ ids.WorkspaceID) error {
	l.entries = map[uint64][]byte{}
	l.status = map[uint64]bool{}
	l.order = nil
	return nil
}

func replyPayload(result LoginResult, lastEventID uint64, pwdOnServer bool) *codec.Message {
	w := &codec.Writer{}
	w.PutU32(uint32(result))
	w.PutU64(lastEventID)
	if pwdOnServer {
		w.PutU32(1)
	} else {
		w.PutU32(0)
	}
	return &codec.Message{Payload: w.Bytes()}
}

func newTestWorkspace(link *fakeLink, helper HelperLink, log EventLog, notif *NotifQueue) *Workspace {
	return New(ids.WorkspaceID(1), Credentials{Server: ids.ServerID(1)}, link, helper, log, notif, nil)
}

func TestLoginAcceptedFirstTry(t *testing.T) {
	link := &fakeLink{status: connectedStatus}
	link.onSend = func(msg *codec.Message, cb func(reply *codec.Message, err error)) {
		cb(replyPayload(Accepted, 42, false), nil)
	}
	notif := NewNotifQueue()
	w := newTestWorkspace(link, &fakeHelper{}, newFakeLog(), notif)

	var got []Notification
	notif.Subscribe(w.InternalID, subscriberFunc(func(_ ids.WorkspaceID, n Notification) {
		got = append(got, n)
	}))

	require.NoError(t, w.SetUserTask(TaskWorkOnline))
	require.NoError(t, w.RunPass(false))

	assert.Equal(t, LoggedIn, w.ServerState.LoginStatus)
	assert.Equal(t, uint64(42), w.ServerState.LastReceivedEventID)

	var sawLogin bool
	for _, n := range got {
		if lc, ok := n.(LoginChange); ok && lc.Status == LoggedIn {
			sawLogin = true
		}
	}
	assert.True(t, sawLogin, "expected a LoginChange(LoggedIn) notification")
}

func TestOOSTriggersRebuild(t *testing.T) {
	link := &fakeLink{status: connectedStatus}
	attempt := 0
	link.onSend = func(msg *codec.Message, cb func(reply *codec.Message, err error)) {
		attempt++
		if attempt == 1 {
			cb(replyPayload(OOS, 0, false), nil)
			return
		}
		cb(replyPayload(Accepted, 0, false), nil)
	}
	notif := NewNotifQueue()
	log := newFakeLog()
	w := newTestWorkspace(link, &fakeHelper{}, log, notif)
	w.ServerState.LastReceivedEventID = 100
	_, _ = log.AppendInbound(w.InternalID, encodeEventRecord(&Event{Namespace: AppWorkspace, Type: evtUserListUpdate}))

	require.NoError(t, w.SetUserTask(TaskWorkOnline))
	require.NoError(t, w.RunPass(false))

	assert.Equal(t, TaskRebuild, w.CurrentTask)
	assert.Equal(t, RebuildRequired, w.MainStatus)

	// Advancing the rebuild on the next pass flushes local data and
	// falls back to the user's requested task.
	require.NoError(t, w.RunPass(false))
	assert.Equal(t, uint64(0), w.ServerState.LastReceivedEventID)
	assert.Equal(t, TaskWorkOnline, w.CurrentTask)
	count, _ := log.UnprocessedCount(w.InternalID)
	assert.Equal(t, 0, count)
}

func TestPasswordCascade(t *testing.T) {
	notif := NewNotifQueue()
	link := &fakeLink{status: connectedStatus}
	attempt := 0
	link.onSend = func(msg *codec.Message, cb func(reply *codec.Message, err error)) {
		attempt++
		switch attempt {
		case 1: // Cached step refused, pwd_on_server=true
			cb(replyPayload(BadSecurityCreds, 0, true), nil)
		case 2: // Ticket step still refused
			cb(replyPayload(BadSecurityCreds, 0, false), nil)
		case 3: // Pwd step accepted
			cb(replyPayload(Accepted, 7, false), nil)
		}
	}
	helper := &fakeHelper{ticket: []byte("tk")}
	w := newTestWorkspace(link, helper, newFakeLog(), notif)

	var events []LoginChange
	notif.Subscribe(w.InternalID, subscriberFunc(func(_ ids.WorkspaceID, n Notification) {
		if lc, ok := n.(LoginChange); ok {
			events = append(events, lc)
		}
	}))

	require.NoError(t, w.SetUserTask(TaskWorkOnline))
	require.NoError(t, w.RunPass(false)) // Cached refused -> ticket fetched, Ticket step refused -> PwdRequired surfaced, all synchronously
	require.NoError(t, w.RunPass(false)) // no new attempt while PwdRequired is set

	var sawPwdRequired bool
	for _, e := range events {
		if e.Err != nil {
			sawPwdRequired = true
		}
	}
	assert.True(t, sawPwdRequired)

	w.SetLoginPwd("hunter2")
	require.NoError(t, w.RunPass(false))

	assert.Equal(t, LoggedIn, w.ServerState.LoginStatus)
	loggedInCount := 0
	for _, e := range events {
		if e.Status == LoggedIn {
			loggedInCount++
		}
	}
	assert.Equal(t, 1, loggedInCount, "LoginChange(LoggedIn) must fire exactly once")
}

func TestUnknownNamespaceFromNewerMinorStopsWorkspace(t *testing.T) {
	notif := NewNotifQueue()
	link := &fakeLink{status: connectedStatus}
	w := newTestWorkspace(link, &fakeHelper{}, newFakeLog(), notif)
	require.NoError(t, w.SetUserTask(TaskWorkOnline))

	var stops []TaskSwitch
	notif.Subscribe(w.InternalID, subscriberFunc(func(_ ids.WorkspaceID, n Notification) {
		if ts, ok := n.(TaskSwitch); ok && ts.Task == TaskStop {
			stops = append(stops, ts)
		}
	}))

	// Unknown namespace from a server ahead of us: upgrade required.
	require.NoError(t, w.IngestInboundEvent(1, AppID(99), 0, nil, 3, 2))
	require.Len(t, stops, 1)
	require.Error(t, stops[0].Err)
	assert.Equal(t, TaskStop, w.CurrentTask)

	// Same namespace from a server at or behind our own minor is a
	// plain protocol error, not a forced stop.
	w2 := newTestWorkspace(link, &fakeHelper{}, newFakeLog(), NewNotifQueue())
	require.NoError(t, w2.SetUserTask(TaskWorkOnline))
	err := w2.IngestInboundEvent(1, AppID(99), 0, nil, 2, 2)
	require.Error(t, err)
	assert.Equal(t, TaskWorkOnline, w2.CurrentTask)
}

func TestNotificationFIFOOrderDuringTaskSwitch(t *testing.T) {
	notif := NewNotifQueue()
	link := &fakeLink{status: "Disconnected"}
	w := newTestWorkspace(link, &fakeHelper{}, newFakeLog(), notif)

	var order []Task
	notif.Subscribe(w.InternalID, subscriberFunc(func(ws ids.WorkspaceID, n Notification) {
		ts, ok := n.(TaskSwitch)
		if !ok {
			return
		}
		order = append(order, ts.Task)
		// Triggering another switch from inside the callback must not
		// reorder delivery: this nested switch's own notification is
		// appended after, and drained only once the outer drain loop
		// reaches it.
		if ts.Task == TaskWorkOffline && len(order) == 1 {
			w.switchTask(TaskWorkOnline, nil)
		}
	}))

	w.switchTask(TaskWorkOffline, nil)

	require.Len(t, order, 2)
	assert.Equal(t, TaskWorkOffline, order[0])
	assert.Equal(t, TaskWorkOnline, order[1])
}

// subscriberFunc adapts a plain function to the Subscriber interface.
type subscriberFunc func(ws ids.WorkspaceID, n Notification)

func (f subscriberFunc) OnNotify(ws ids.WorkspaceID, n Notification) { f(ws, n) }
