// Package coreop implements the core-operation framework (§4.8):
// reusable asynchronous command objects with a start/sub-requests/
// complete-or-fail lifecycle, registered as a listener on at most one
// workspace's notification stream and built-in dispatch rules that
// fail the operation on disruptive state changes it doesn't tolerate.
package coreop

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/workspace"
)

// Op is the external view of a core operation: every client command
// with non-trivial lifecycle (§4.7) is modelled as one of these.
type Op interface {
	Start()
	Cancel()
	Done() bool
	Err() error
}

// base implements the shared start()/cancel()/handle_failure()/
// complete() lifecycle and the built-in listener dispatch rules from
// §4.8. Concrete operations embed it and supply their own Start and
// cleanup logic.
type base struct {
	done    bool
	err     error
	onDone  func(error)
	ws      ids.WorkspaceID
	subID   workspace.SubscriberID
	subbed  bool
	notif   *workspace.NotifQueue
	cleanup func()

	// tolerate reports whether a TaskSwitch to this task should be
	// survived rather than failing the operation (§4.8 dispatch rules:
	// "fail unless the new task is one the operation explicitly tolerates").
	tolerate func(workspace.Task) bool
}

func (b *base) Done() bool { return b.done }
func (b *base) Err() error { return b.err }
func (b *base) Cancel()    { b.fail(apperrors.ErrCancelled) }

// registerOn subscribes the operation to ws's notification stream. An
// operation may register on at most one workspace (§3 "Core operation").
func (b *base) registerOn(ws ids.WorkspaceID, notif *workspace.NotifQueue, recv workspace.Subscriber) {
	b.ws = ws
	b.notif = notif
	b.subID = notif.Subscribe(ws, recv)
	b.subbed = true
}

func (b *base) unregister() {
	if b.subbed {
		b.notif.Unsubscribe(b.ws, b.subID)
		b.subbed = false
	}
}

// dispatch applies the built-in listener rules (§4.8): disruptive
// server/login/task-switch notifications fail the operation unless
// explicitly tolerated.
func (b *base) dispatch(n workspace.Notification) {
	if b.done {
		return
	}
	switch v := n.(type) {
	case workspace.ServerConnChange:
		if v.Status == "Disconnecting" || v.Status == "Disconnected" {
			b.fail(failureOrInterrupted(v.Err))
		}
	case workspace.LoginChange:
		if v.Status == workspace.LoggingOut || v.Status == workspace.LoggedOut {
			b.fail(failureOrInterrupted(v.Err))
		}
	case workspace.TaskSwitch:
		if b.tolerate == nil || !b.tolerate(v.Task) {
			b.fail(failureOrInterrupted(v.Err))
		}
	}
}

func failureOrInterrupted(err error) error {
	if err != nil {
		return err
	}
	return apperrors.ErrInterrupted
}

// fail is idempotent: it sets error, runs cleanup, and fires
// on_completion exactly once (§4.8 "handle_failure(err) — idempotent").
func (b *base) fail(err error) {
	if b.done {
		return
	}
	b.done = true
	b.err = err
	b.unregister()
	if b.cleanup != nil {
		b.cleanup()
	}
	if b.onDone != nil {
		b.onDone(err)
	}
}

// complete is the successful terminal state.
func (b *base) complete() {
	if b.done {
		return
	}
	b.done = true
	b.unregister()
	if b.onDone != nil {
		b.onDone(nil)
	}
}
