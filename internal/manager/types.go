// Package manager implements the workspace-manager state machine
// (§4.6): the single timer-driven coordination loop that owns the
// workspace and server arenas, drives every workspace's run_pass,
// recomputes broker-side quench, schedules reconnects with
// exponential backoff, and serializes state through the local
// persistence facade.
package manager

import (
	"time"

	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/store"
	"github.com/tmbx/kwm/internal/workspace"
)

// Defaults from §4.6.
const (
	DefaultSerializationDelay = 5 * time.Minute
	DefaultReconnectDelay     = 60 * time.Second
	DefaultBackoffFactor      = 4
	DefaultMaxBackoff         = 5
)

// DefaultConnectBurst and DefaultConnectRate bound the fleet-wide rate
// of outbound connect attempts reconnectDue issues per pass. Per-server
// backoff (reconnectDeadline) already spaces out retries for a single
// server; this caps the case where many servers clear their backoff
// deadline in the same pass (e.g. after a shared network outage heals)
// from opening dozens of TLS tunnels simultaneously.
const (
	DefaultConnectBurst = 5
	DefaultConnectRate  = 10 * time.Millisecond
)

// PassInterval is how often Run wakes the coordination loop to check
// deadlines and drain broker messages — this module's concrete stand-in
// for "timer thread posts wake-ups on deadlines" (§5), since a single
// fixed-interval tick is simpler than maintaining a dynamic min-heap
// of every workspace's next_run_date and is cheap enough at this scale.
const PassInterval = 100 * time.Millisecond

// mainStatus is the manager's own top-level lifecycle, distinct from
// any single workspace's MainStatus.
type mainStatus int

const (
	statusRunning mainStatus = iota
	statusStopping
	statusStopped
)

// Store is the subset of the local persistence facade (§4.9) the
// manager needs: the event log (satisfying workspace.EventLog so it
// can be handed straight to every spawned Workspace) plus the keyed
// blob store used for serialized WM/workspace snapshots, plus the
// outbound log and cursor reads the external-client broker's
// FetchEvent/CheckEventUuid commands read from directly
// (§4.7, §4.9).
type Store interface {
	workspace.EventLog
	PutBlob(name string, data []byte) error
	GetBlob(name string) ([]byte, bool, error)
	DeleteBlob(name string) error

	AppendOutbound(ws ids.WorkspaceID, payload []byte) (seq uint64, uuid string, err error)
	CheckEventUUID(ws ids.WorkspaceID, eventID uint64, uuid string) (bool, error)
	FetchSince(ws ids.WorkspaceID, sinceID uint64, limit int) ([]store.Event, error)
}

// serverRecord is the manager's own bookkeeping for a server handle,
// layered on top of the broker's internal per-server state: reconnect
// backoff counters and the set of workspaces needing connectivity
// (§3 ServerHandle, §4.6 "Reconnect backoff").
type serverRecord struct {
	id                 ids.ServerID
	endpoint           serverconn.Endpoint
	connectWorkspaces  map[ids.WorkspaceID]struct{}
	workspaces         map[ids.WorkspaceID]struct{}
	status             string
	minorVersion       uint16
	failedConnectCount int
	errorTs            *time.Time
}

func newServerRecord(id ids.ServerID, ep serverconn.Endpoint) *serverRecord {
	return &serverRecord{
		id:                id,
		endpoint:          ep,
		connectWorkspaces: map[ids.WorkspaceID]struct{}{},
		workspaces:        map[ids.WorkspaceID]struct{}{},
		status:            "Disconnected",
	}
}

// reconnectDeadline computes the backoff deadline per §4.6: "error_ts +
// reconnect_delay × backoff_factor^min(max(n−1,0), max_backoff)".
func (r *serverRecord) reconnectDeadline() time.Time {
	if r.errorTs == nil {
		return time.Time{}
	}
	n := r.failedConnectCount - 1
	if n < 0 {
		n = 0
	}
	if n > DefaultMaxBackoff {
		n = DefaultMaxBackoff
	}
	mult := 1
	for i := 0; i < n; i++ {
		mult *= DefaultBackoffFactor
	}
	return r.errorTs.Add(DefaultReconnectDelay * time.Duration(mult))
}
