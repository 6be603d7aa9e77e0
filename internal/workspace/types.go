// Package workspace implements the per-workspace state machine (§4.5):
// the connect → login → apply-events → work online/offline/delete/
// rebuild pipeline, with cascading, FIFO-ordered notification delivery.
//
// A Workspace never touches a server's transport or the crypto helper
// sub-process directly; it talks to both through narrow interfaces
// (ServerLink, HelperLink, EventLog) that internal/manager implements
// by adapting internal/serverconn and internal/helperproc, in keeping
// with the arena-of-IDs design (design note "Cyclic object graphs").
package workspace

import "github.com/tmbx/kwm/internal/ids"

// RunLevel is the derived severity of a workspace's readiness,
// Stopped < Offline < Online (§4.5 "Runlevels").
type RunLevel int

const (
	Stopped RunLevel = iota
	Offline
	Online
)

func (r RunLevel) String() string {
	switch r {
	case Stopped:
		return "Stopped"
	case Offline:
		return "Offline"
	case Online:
		return "Online"
	default:
		return "Unknown"
	}
}

// Task is both the user-requested goal and the workspace's
// current-task value; UserTask is restricted to Stop, WorkOffline and
// WorkOnline (see IsUserTask).
type Task int

const (
	TaskStop Task = iota
	TaskSpawn
	TaskRebuild
	TaskWorkOffline
	TaskWorkOnline
	TaskDeleteLocally
	TaskDeleteRemotely
)

func (t Task) String() string {
	switch t {
	case TaskStop:
		return "Stop"
	case TaskSpawn:
		return "Spawn"
	case TaskRebuild:
		return "Rebuild"
	case TaskWorkOffline:
		return "WorkOffline"
	case TaskWorkOnline:
		return "WorkOnline"
	case TaskDeleteLocally:
		return "DeleteLocally"
	case TaskDeleteRemotely:
		return "DeleteRemotely"
	default:
		return "Unknown"
	}
}

// IsUserTask reports whether t is one of the three tasks a client may
// directly request (§4.5 "The user requests one of {Stop, WorkOffline,
// WorkOnline}").
func (t Task) IsUserTask() bool {
	return t == TaskStop || t == TaskWorkOffline || t == TaskWorkOnline
}

// LoginStatus is the workspace's login lifecycle (§3 server_state).
type LoginStatus int

const (
	LoggedOut LoginStatus = iota
	LoggingIn
	LoggedIn
	LoggingOut
)

func (s LoginStatus) String() string {
	switch s {
	case LoggedOut:
		return "LoggedOut"
	case LoggingIn:
		return "LoggingIn"
	case LoggedIn:
		return "LoggedIn"
	case LoggingOut:
		return "LoggingOut"
	default:
		return "Unknown"
	}
}

// LoginResult maps 1:1 to the server's login reply code (§4.5 "Login protocol").
type LoginResult int

const (
	ResultNone LoginResult = iota
	Accepted
	BadSecurityCreds
	OOS
	BadKwsID
	BadEmailID
	DeletedKws
	AccountLocked
	Banned
	CannotGetTicket
	MiscError
)

func (r LoginResult) String() string {
	switch r {
	case ResultNone:
		return "None"
	case Accepted:
		return "Accepted"
	case BadSecurityCreds:
		return "BadSecurityCreds"
	case OOS:
		return "OOS"
	case BadKwsID:
		return "BadKwsID"
	case BadEmailID:
		return "BadEmailID"
	case DeletedKws:
		return "DeletedKws"
	case AccountLocked:
		return "AccountLocked"
	case Banned:
		return "Banned"
	case CannotGetTicket:
		return "CannotGetTicket"
	case MiscError:
		return "MiscError"
	default:
		return "Unknown"
	}
}

// loginStep is the internal three-step login cascade (§4.5).
type loginStep int

const (
	stepCached loginStep = iota
	stepTicket
	stepPwd
)

// MainStatus is the workspace's coarse health (§3).
type MainStatus int

const (
	NotYetSpawned MainStatus = iota
	Good
	RebuildRequired
	OnTheWayOut
)

func (s MainStatus) String() string {
	switch s {
	case NotYetSpawned:
		return "NotYetSpawned"
	case Good:
		return "Good"
	case RebuildRequired:
		return "RebuildRequired"
	case OnTheWayOut:
		return "OnTheWayOut"
	default:
		return "Unknown"
	}
}

// RebuildFlags bitmask selects what a Rebuild task flushes (§4.5 "Out-of-sync recovery").
type RebuildFlags uint8

const (
	FlushServerData RebuildFlags = 1 << iota
	FlushLocalData
)

// Credentials are a workspace's server coordinates and login material (§3).
type Credentials struct {
	Server           ids.ServerID
	ExternalKwsID    uint64
	UserID           uint64
	Ticket           []byte
	password         []byte // plaintext, sent as-is to the server on the Pwd step; never serialized
	PasswordVerifier []byte // bcrypt hash of password, safe to keep in a crash dump or snapshot
}

// ServerState is the server-facing half of a workspace's state (§3).
type ServerState struct {
	LastReceivedEventID uint64
	UnprocessedCount    int
	LoginStatus         LoginStatus
	LoginResult         LoginResult
	PwdPresent          bool
	PwdRequired         bool
	EventsUpToDate      bool

	step loginStep
}

// AppID names one of the polymorphic application namespaces (design
// note "Polymorphic application handlers").
type AppID uint32

const (
	AppWorkspace AppID = iota // handled by the workspace itself, not an App
	AppChat
	AppKfs
	AppVnc
	AppPublicBoard
)

func (a AppID) String() string {
	switch a {
	case AppWorkspace:
		return "Workspace"
	case AppChat:
		return "Chat"
	case AppKfs:
		return "Kfs"
	case AppVnc:
		return "Vnc"
	case AppPublicBoard:
		return "PublicBoard"
	default:
		return "Unknown"
	}
}

// AppStatus is a single application handler's lifecycle.
type AppStatus int

const (
	AppStopped AppStatus = iota
	AppStarting
	AppRunning
)

// Event is one inbound server event after namespace classification (§4.5).
type Event struct {
	EventID   uint64
	Namespace AppID
	Type      uint32
	Payload   []byte
}

// App is the interface every application handler implements; a single
// switch over AppID drives dispatch, no virtual table required
// (design note "Polymorphic application handlers").
type App interface {
	ID() AppID
	HandleEvent(ev *Event) error
	PrepareToWork() error
	PrepareToRebuild() error
	PrepareToRemove() error
	Start() error
	Stop() error
}
