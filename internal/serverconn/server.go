package serverconn

import (
	"context"
	"net"
	"time"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/metrics"
	"github.com/tmbx/kwm/internal/tunnel"
)

// roleSelectType is the wire message type of the SelectRole handshake
// command sent immediately after a tunnel comes up (§4.3 RoleReply).
const roleSelectType uint32 = 1

// serverState is the broker's private per-server state machine. It is
// only touched while holding the Broker's mutex; nothing is exported
// outside the package.
type serverState struct {
	id       ids.ServerID
	endpoint Endpoint

	status             ConnStatus
	minorVersion       uint16
	workspaces         map[ids.WorkspaceID]struct{}
	queryMap           map[uint64]*ServerQuery
	nextQueryID        uint64
	errorTs            *time.Time
	failedConnectCount int

	tunnel  *tunnel.Tunnel
	conn    net.Conn
	decoder codec.StreamDecoder
	outbox  []*codec.Message

	launchCancel context.CancelFunc
}

func newServerState(id ids.ServerID, ep Endpoint) *serverState {
	return &serverState{
		id:         id,
		endpoint:   ep,
		status:     Disconnected,
		workspaces: map[ids.WorkspaceID]struct{}{},
		queryMap:   map[uint64]*ServerQuery{},
	}
}

// idle reports whether this server handle may be destroyed: no
// referencing workspaces and fully torn down (§3 lifecycle).
func (s *serverState) idle() bool {
	return len(s.workspaces) == 0 && s.status == Disconnected
}

// enqueue appends an outbound message, to be drained at most one per
// transfer-budget step while Connected.
func (s *serverState) enqueue(msg *codec.Message) {
	s.outbox = append(s.outbox, msg)
}

// enqueueQuery assigns the next wire message ID to q's message,
// records it in the query_map so the reply (or a disconnect) can find
// its callback, then enqueues it for transfer.
func (s *serverState) enqueueQuery(q *ServerQuery) {
	s.nextQueryID++
	q.MsgID = s.nextQueryID
	q.Message.ID = q.MsgID
	s.queryMap[q.MsgID] = q
	s.enqueue(q.Message)
}

// failQueries clears every in-flight query on disconnect, returning
// them so the caller can post their failure back to the manager's
// coordination goroutine (§3: query_map is owned "until reply
// arrives... or the server disconnects").
func (s *serverState) failQueries() []*ServerQuery {
	failed := make([]*ServerQuery, 0, len(s.queryMap))
	for id, q := range s.queryMap {
		delete(s.queryMap, id)
		failed = append(failed, q)
	}
	return failed
}

// teardown closes the transport and sub-process, used on disconnect
// and on any fatal I/O error.
func (s *serverState) teardown() {
	if s.launchCancel != nil {
		s.launchCancel()
		s.launchCancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.tunnel != nil {
		_ = s.tunnel.Close()
		s.tunnel = nil
	}
	s.decoder = codec.StreamDecoder{}
}

// beginLaunch starts the TLS tunnel asynchronously, reporting the
// result on resultCh so the broker's single goroutine can fold it back
// into state without blocking the scheduling loop.
func (s *serverState) beginLaunch(resultCh chan<- launchResult) {
	ctx, cancel := context.WithTimeout(context.Background(), tunnel.StartTimeout)
	s.launchCancel = cancel
	go func() {
		t, err := tunnel.Launch(ctx, tunnel.Target{
			RemoteHost: s.endpoint.Host,
			RemotePort: s.endpoint.Port,
		})
		resultCh <- launchResult{server: s.id, tunnel: t, err: err}
	}()
}

type launchResult struct {
	server ids.ServerID
	tunnel *tunnel.Tunnel
	err    error
}

// sendSelectRole writes the handshake command that puts the server in
// RoleReply, awaiting its OK before any workspace traffic flows.
func (s *serverState) sendSelectRole() error {
	w := &codec.Writer{}
	for wsID := range s.workspaces {
		w.PutU64(uint64(wsID))
		break
	}
	msg := &codec.Message{
		Major:   codec.SupportedMajor,
		Minor:   0,
		Type:    roleSelectType,
		ID:      0,
		Payload: w.Bytes(),
	}
	if _, err := s.conn.Write(msg.Encode()); err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to write SelectRole", err)
	}
	return nil
}

// stepIO performs up to TransferBudgetSteps send/receive step pairs,
// stopping early if a step delivers nothing (§4.3 transfer budget).
// It returns the inbound messages read during this call.
func (s *serverState) stepIO() ([]*codec.Message, error) {
	var inbound []*codec.Message
	exhausted := true
	for step := 0; step < TransferBudgetSteps; step++ {
		progressed := false

		if s.status == ConnectedStatus && len(s.outbox) > 0 {
			msg := s.outbox[0]
			if _, err := s.conn.Write(msg.Encode()); err != nil {
				return inbound, apperrors.Wrap(apperrors.KindTransport, "", "write failed", err)
			}
			s.outbox = s.outbox[1:]
			progressed = true
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		buf := make([]byte, 4096)
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
			progressed = true
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// no data ready this step; fall through to drain decoder
			} else {
				return inbound, apperrors.Wrap(apperrors.KindTransport, "", "read failed", err)
			}
		}

		for {
			msg, ok, derr := s.decoder.Next()
			if derr != nil {
				return inbound, apperrors.Wrap(apperrors.KindDecode, "", "malformed server message", derr)
			}
			if !ok {
				break
			}
			inbound = append(inbound, msg)
			progressed = true
		}

		if !progressed {
			exhausted = false
			break
		}
	}
	if exhausted {
		metrics.TransferBudgetExhausted.WithLabelValues(s.endpoint.String()).Inc()
	}
	return inbound, nil
}
