package serverconn

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/logging"
	"github.com/tmbx/kwm/internal/metrics"
)

// schedulingTick bounds how often the broker's single goroutine
// re-scans every server for I/O readiness and liveness, standing in
// for the "bounded-timeout readiness multiplexer across all server
// sockets plus the wake-up notifier" (§4.3) that a raw epoll/kqueue
// call would give a lower-level implementation.
const schedulingTick = 50 * time.Millisecond

// Broker owns every ServerHandle's per-server state machine and runs
// them from a single goroutine, exactly as the hub pattern elsewhere
// in this codebase owns its connection map from one loop. The mutex
// guards the state shared with the manager (§4.3 "Shared state with
// the manager is protected by a mutex"): the server/endpoint maps the
// manager registers into and the inbound queue depth it reports for
// quench.
type Broker struct {
	mu         sync.Mutex
	toBroker   chan ToBroker
	fromBroker chan FromBroker
	servers    map[ids.ServerID]*serverState
	byEndpoint map[Endpoint]ids.ServerID
	quench     *Computer
	inboundLen int
	pending    []FromBroker
	log        zerolog.Logger

	launchResults chan launchResult
}

// NewBroker constructs a Broker. Call Run in its own goroutine to
// start the scheduling loop.
func NewBroker() *Broker {
	return &Broker{
		toBroker:      make(chan ToBroker, 256),
		fromBroker:    make(chan FromBroker, 256),
		servers:       map[ids.ServerID]*serverState{},
		byEndpoint:    map[Endpoint]ids.ServerID{},
		quench:        NewComputer(),
		log:           logging.Component("serverconn"),
		launchResults: make(chan launchResult, 16),
	}
}

// ToBroker returns the channel the manager sends commands on.
func (b *Broker) ToBroker() chan<- ToBroker { return b.toBroker }

// FromBroker returns the channel the manager receives notifications on.
func (b *Broker) FromBroker() <-chan FromBroker { return b.fromBroker }

// RegisterServer ensures a per-server state machine exists for id,
// creating one lazily on first reference as required by §3's
// ServerHandle lifecycle. Called from the manager's goroutine.
func (b *Broker) RegisterServer(id ids.ServerID, ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.servers[id]; ok {
		return
	}
	b.servers[id] = newServerState(id, ep)
	b.byEndpoint[ep] = id
}

// LookupServer returns the ID already allocated for ep, if any, so the
// manager can reuse a ServerHandle instead of registering a duplicate
// for the same (host, port) coordinates.
func (b *Broker) LookupServer(ep Endpoint) (ids.ServerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byEndpoint[ep]
	return id, ok
}

// AttachWorkspace records ws as referencing server. A server handle
// with attached workspaces survives disconnects so a later ConnectMsg
// can reach it; it is destroyed only once every workspace detaches and
// it is Disconnected (§3 ServerHandle lifecycle).
func (b *Broker) AttachWorkspace(server ids.ServerID, ws ids.WorkspaceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.servers[server]; ok {
		s.workspaces[ws] = struct{}{}
	}
}

// DetachWorkspace drops ws's reference on server, destroying the
// handle if that leaves it idle and Disconnected.
func (b *Broker) DetachWorkspace(server ids.ServerID, ws ids.WorkspaceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[server]
	if !ok {
		return
	}
	delete(s.workspaces, ws)
	if s.idle() {
		delete(b.servers, server)
		delete(b.byEndpoint, s.endpoint)
	}
}

// SendQuery enqueues q on the toBroker channel; the manager's
// coordination goroutine later receives the settled reply (or
// disconnect failure) as a QueryReplyMsg from FromBroker() and invokes
// q.Callback itself, keeping that invocation on the single thread that
// owns workspace state.
func (b *Broker) SendQuery(q *ServerQuery) {
	b.toBroker <- SendQueryMsg{Query: q}
}

// SetInboundQueueLen reports the manager's current inbound workspace
// queue depth, feeding the quench computation (§4.3).
func (b *Broker) SetInboundQueueLen(n int) {
	b.mu.Lock()
	b.inboundLen = n
	b.mu.Unlock()
}

// Run drives the broker's scheduling loop until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.locked(b.shutdown)
			return

		case msg := <-b.toBroker:
			b.locked(func() { b.handleToBroker(msg) })

		case lr := <-b.launchResults:
			b.locked(func() { b.handleLaunchResult(lr) })

		case <-ticker.C:
			b.locked(b.tick)
		}
	}
}

// locked runs fn under the mutex, then delivers the notifications fn
// queued via post once the lock is released. Sending on fromBroker
// while holding the mutex could deadlock against a manager goroutine
// blocked in RegisterServer/SetInboundQueueLen while its own receive
// loop is behind; deferring the sends keeps lock acquisition and
// channel capacity independent.
func (b *Broker) locked(fn func()) {
	b.mu.Lock()
	fn()
	out := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, msg := range out {
		b.fromBroker <- msg
	}
}

func (b *Broker) tick() {
	q := b.quench.Compute(b.inboundLen)
	metrics.QuenchState.Set(float64(q.Kind))
	if q.Kind == QuenchForever {
		return
	}
	if q.Kind == QuenchDeadline && time.Now().Before(q.Deadline) {
		return
	}
	b.scheduleAll()
}

func (b *Broker) handleToBroker(msg ToBroker) {
	switch m := msg.(type) {
	case ConnectMsg:
		b.connect(m.Server)
	case DisconnectMsg:
		b.disconnect(m.Server, nil)
	case SendMsg:
		if s, ok := b.servers[m.Server]; ok {
			s.enqueue(m.Message)
		}
	case SendQueryMsg:
		if s, ok := b.servers[m.Query.Server]; ok {
			s.enqueueQuery(m.Query)
		} else {
			b.post(QueryReplyMsg{Query: m.Query, Err: errQueryInterrupted})
		}
	case WakeUpMsg:
		// next ticker iteration will pick up the change; nothing to do
		// beyond having been woken from a channel receive.
	}
}

// connect is idempotent: Connecting/RoleReply/Connected are no-ops.
func (b *Broker) connect(id ids.ServerID) {
	s, ok := b.servers[id]
	if !ok || s.status != Disconnected {
		return
	}
	s.status = Connecting
	metrics.ServerConnStatus.WithLabelValues(s.endpoint.String()).Set(s.status.metricValue())
	s.beginLaunch(b.launchResults)
}

// disconnect is idempotent: Disconnected is a no-op. The handle itself
// survives unless no workspace references it anymore, so a reconnect
// request after backoff still finds its state machine.
func (b *Broker) disconnect(id ids.ServerID, reason error) {
	s, ok := b.servers[id]
	if !ok || s.status == Disconnected {
		return
	}
	if reason != nil {
		b.log.Info().Err(reason).Str("server", s.endpoint.String()).Msg("disconnecting server")
	}
	s.status = Disconnecting
	s.teardown()
	failed := s.failQueries()
	s.status = Disconnected
	metrics.ServerConnStatus.WithLabelValues(s.endpoint.String()).Set(s.status.metricValue())
	for _, q := range failed {
		b.post(QueryReplyMsg{Query: q, Err: errQueryInterrupted})
	}
	b.post(DisconnectedMsg{Server: id, Reason: reason})
	if s.idle() {
		delete(b.servers, id)
		delete(b.byEndpoint, s.endpoint)
	}
}

func (b *Broker) handleLaunchResult(lr launchResult) {
	s, ok := b.servers[lr.server]
	if !ok {
		if lr.tunnel != nil {
			_ = lr.tunnel.Close()
		}
		return
	}
	if lr.err != nil {
		s.failedConnectCount++
		metrics.ReconnectFailures.WithLabelValues(s.endpoint.String()).Inc()
		now := time.Now()
		s.errorTs = &now
		s.status = Disconnected
		metrics.ServerConnStatus.WithLabelValues(s.endpoint.String()).Set(s.status.metricValue())
		b.post(DisconnectedMsg{Server: lr.server, Reason: lr.err})
		return
	}

	s.tunnel = lr.tunnel
	s.conn = lr.tunnel.Conn()
	s.launchCancel = nil
	if err := s.sendSelectRole(); err != nil {
		b.disconnect(lr.server, err)
		return
	}
	s.status = RoleReply
	metrics.ServerConnStatus.WithLabelValues(s.endpoint.String()).Set(s.status.metricValue())
}

// scheduleAll runs one scheduling iteration over every server, per the
// per-wakeup rules in §4.3.
func (b *Broker) scheduleAll() {
	for id, s := range b.servers {
		switch s.status {
		case RoleReply, ConnectedStatus:
			b.stepServerIO(id, s)
		}
	}
}

func (b *Broker) stepServerIO(id ids.ServerID, s *serverState) {
	if s.conn == nil {
		return
	}
	inbound, err := s.stepIO()
	if err != nil {
		b.log.Error().Err(err).Str("server", s.endpoint.String()).Msg("server I/O failed, disconnecting")
		b.disconnect(id, err)
		return
	}
	if len(inbound) == 0 {
		return
	}
	if s.status == RoleReply {
		// First reply after SelectRole is treated as the OK: adopt the
		// server's negotiated minor version and move to Connected.
		s.minorVersion = inbound[0].Minor
		s.status = ConnectedStatus
		metrics.ServerConnStatus.WithLabelValues(s.endpoint.String()).Set(s.status.metricValue())
		b.post(ConnectedMsg{Server: id, MinorVersion: s.minorVersion})
		inbound = inbound[1:]
	}
	b.quench.Ingested(len(inbound))
	for _, msg := range inbound {
		if q, ok := s.queryMap[msg.ID]; ok {
			delete(s.queryMap, msg.ID)
			b.post(QueryReplyMsg{Query: q, Reply: msg})
			continue
		}
		b.post(InboundMessageMsg{Server: id, Message: msg})
	}
}

// post queues a notification for delivery once the current locked span
// ends. Notices are never dropped: losing a Connected/Disconnected/
// Inbound would desynchronize the manager's view of server state.
func (b *Broker) post(msg FromBroker) {
	b.pending = append(b.pending, msg)
}

func (b *Broker) shutdown() {
	for id, s := range b.servers {
		s.teardown()
		for _, q := range s.failQueries() {
			b.post(QueryReplyMsg{Query: q, Err: errQueryInterrupted})
		}
		s.status = Disconnected
		b.post(DisconnectedMsg{Server: id})
		delete(b.servers, id)
		delete(b.byEndpoint, s.endpoint)
	}
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}
