// Package serverconn implements the server-connection broker (§4.3): a
// dedicated worker driving N concurrent TLS-tunneled RPC transports,
// one per-server state machine each, with quench-based flow control,
// exponential-backoff reconnect bookkeeping left to the manager, and
// at-most-once command/reply correlation via each server's query_map.
//
// The broker's shape mirrors the register/unregister/broadcast hub
// idiom used elsewhere in this codebase's reference material
// (internal/websocket.Hub): a single goroutine runs the scheduling
// loop and two typed channels carry messages in each direction. The
// loop's work runs under the Broker's mutex, which it shares with the
// methods the manager calls directly (RegisterServer, AttachWorkspace,
// SetInboundQueueLen and the like).
package serverconn

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
)

// ConnStatus is a server handle's connection lifecycle state (§3).
type ConnStatus int

const (
	Disconnected ConnStatus = iota
	Connecting
	RoleReply
	ConnectedStatus
	Disconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case RoleReply:
		return "RoleReply"
	case ConnectedStatus:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// metricValue collapses RoleReply into Connecting for the 4-valued
// Prometheus gauge documented in internal/metrics (Disconnected,
// Connecting, Connected, Disconnecting).
func (s ConnStatus) metricValue() float64 {
	switch s {
	case Disconnected:
		return 0
	case Connecting, RoleReply:
		return 1
	case ConnectedStatus:
		return 2
	case Disconnecting:
		return 3
	default:
		return -1
	}
}

// ServerQuery is a command message awaiting a reply, owned by a
// server's query_map until the reply arrives, the issuing workspace
// logs out, or the server disconnects.
type ServerQuery struct {
	MsgID     uint64
	Workspace ids.WorkspaceID
	Server    ids.ServerID
	Message   *codec.Message
	Callback  func(reply *codec.Message, err error)
}

// Endpoint identifies a server by its connection coordinates; servers
// are looked up by this pair before an ID is allocated for them.
type Endpoint struct {
	Host string
	Port int
}

// ToBroker is the sum type of messages the manager sends the broker.
type ToBroker interface{ isToBroker() }

type ConnectMsg struct{ Server ids.ServerID }
type DisconnectMsg struct{ Server ids.ServerID }
type SendMsg struct {
	Server  ids.ServerID
	Message *codec.Message
}

// SendQueryMsg is a correlated command: the broker assigns the
// message's wire ID, stores the query in the server's query_map, and
// posts a QueryReplyMsg (whose receiver invokes Callback) when the
// matching reply arrives or the server disconnects (§3 "owned by a server's query_map until the reply
// arrives... or the server disconnects").
type SendQueryMsg struct {
	Query *ServerQuery
}
type WakeUpMsg struct{}

func (ConnectMsg) isToBroker()    {}
func (DisconnectMsg) isToBroker() {}
func (SendMsg) isToBroker()       {}
func (SendQueryMsg) isToBroker()  {}
func (WakeUpMsg) isToBroker()     {}

// FromBroker is the sum type of notifications the broker posts to the manager.
type FromBroker interface{ isFromBroker() }

type ConnectedMsg struct {
	Server       ids.ServerID
	MinorVersion uint16
}
type DisconnectedMsg struct {
	Server ids.ServerID
	Reason error
}
type InboundMessageMsg struct {
	Server  ids.ServerID
	Message *codec.Message
}

// QueryReplyMsg carries a settled query (correlated reply, or failure
// on disconnect) back to the manager's single coordination goroutine,
// which invokes Query.Callback itself rather than having the broker's
// own goroutine call into workspace state directly.
type QueryReplyMsg struct {
	Query *ServerQuery
	Reply *codec.Message
	Err   error
}

func (ConnectedMsg) isFromBroker()      {}
func (DisconnectedMsg) isFromBroker()   {}
func (InboundMessageMsg) isFromBroker() {}
func (QueryReplyMsg) isFromBroker()     {}

// TransferBudgetSteps bounds how many send/receive step pairs the
// broker performs per server per scheduling iteration (§4.3).
const TransferBudgetSteps = 20

// errQueryInterrupted settles a pending query whose server went away
// before the reply: §5 "if the server disconnects, all pending queries
// for that server are cancelled with Interrupted".
var errQueryInterrupted = apperrors.New(apperrors.KindInterrupted, "", "server disconnected before reply")
