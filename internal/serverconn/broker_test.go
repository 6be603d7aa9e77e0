package serverconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/tunnel"
)

func TestComputerForcesForeverAtQueueMax(t *testing.T) {
	c := NewComputer()
	c.QueueQuenchMax = 50
	assert.Equal(t, QuenchNone, c.Compute(0).Kind)
	assert.Equal(t, QuenchForever, c.Compute(50).Kind)
	assert.Equal(t, QuenchForever, c.Compute(51).Kind)
}

func TestComputerGatesAfterBatch(t *testing.T) {
	c := NewComputer()
	c.QuenchBatch = 100
	c.ProcessRate = time.Hour // never expires within the test

	c.Ingested(100)
	q := c.Compute(0)
	assert.Equal(t, QuenchDeadline, q.Kind)
	assert.True(t, q.Deadline.After(time.Now()))
}

func TestComputerResetsBatchAfterDeadlinePasses(t *testing.T) {
	c := NewComputer()
	c.QuenchBatch = 10
	c.ProcessRate = time.Millisecond

	c.Ingested(10)
	assert.Equal(t, QuenchDeadline, c.Compute(0).Kind)
	time.Sleep(15 * time.Millisecond) // past 10 × 1ms
	assert.Equal(t, QuenchNone, c.Compute(0).Kind)
}

func TestComputerDeadlineScalesWithBatchSize(t *testing.T) {
	c := NewComputer()
	c.QuenchBatch = 100
	c.ProcessRate = 5 * time.Millisecond

	start := time.Now()
	c.Ingested(200)
	q := c.Compute(0)
	require.Equal(t, QuenchDeadline, q.Kind)
	// 200 events at 5ms each gate for at least a second.
	assert.GreaterOrEqual(t, q.Deadline.Sub(start), 990*time.Millisecond)
}

func TestComputerBatchDoesNotResetOnIdle(t *testing.T) {
	c := NewComputer()
	c.QuenchBatch = 10
	c.ProcessRate = time.Hour

	c.Ingested(10)
	// An idle stretch with no further ingestion does not roll the
	// window; only the deadline's own passage does.
	for i := 0; i < 3; i++ {
		assert.Equal(t, QuenchDeadline, c.Compute(0).Kind)
	}
}

func TestBrokerConnectIsIdempotent(t *testing.T) {
	old := tunnel.ProxyPath
	tunnel.ProxyPath = "/nonexistent/proxy-binary-for-test"
	defer func() { tunnel.ProxyPath = old }()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	id := ids.ServerID(1)
	ep := Endpoint{Host: "example.test", Port: 443}
	b.RegisterServer(id, ep)

	b.ToBroker() <- ConnectMsg{Server: id}
	b.ToBroker() <- ConnectMsg{Server: id} // idempotent, should not spawn twice

	select {
	case msg := <-b.FromBroker():
		dm, ok := msg.(DisconnectedMsg)
		require.True(t, ok)
		assert.Equal(t, id, dm.Server)
		require.Error(t, dm.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a DisconnectedMsg after failed launch")
	}
}

func TestBrokerLookupServerRoundTrips(t *testing.T) {
	b := NewBroker()
	ep := Endpoint{Host: "foo", Port: 1234}
	id := ids.ServerID(7)
	b.RegisterServer(id, ep)

	got, ok := b.LookupServer(ep)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = b.LookupServer(Endpoint{Host: "bar", Port: 1})
	assert.False(t, ok)
}

func TestBrokerDisconnectOnUnknownServerIsNoop(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.ToBroker() <- DisconnectMsg{Server: ids.ServerID(999)}
	// No panic, no notification; give the loop a moment to process.
	time.Sleep(50 * time.Millisecond)
}

func TestDisconnectFailsPendingQueriesWithInterrupted(t *testing.T) {
	b := NewBroker()
	id := ids.ServerID(3)
	ep := Endpoint{Host: "kcd.example.com", Port: 443}
	b.RegisterServer(id, ep)
	b.AttachWorkspace(id, ids.WorkspaceID(1))

	s := b.servers[id]
	s.status = ConnectedStatus
	q := &ServerQuery{Server: id, Workspace: ids.WorkspaceID(1), Message: &codec.Message{Major: codec.SupportedMajor}}
	s.enqueueQuery(q)
	require.Len(t, s.queryMap, 1)

	b.locked(func() { b.disconnect(id, nil) })

	reply, ok := (<-b.FromBroker()).(QueryReplyMsg)
	require.True(t, ok)
	assert.Same(t, q, reply.Query)
	assert.True(t, apperrors.OfKind(reply.Err, apperrors.KindInterrupted))
	assert.Empty(t, s.queryMap)

	dm, ok := (<-b.FromBroker()).(DisconnectedMsg)
	require.True(t, ok)
	assert.Equal(t, id, dm.Server)

	// The handle survives the disconnect while a workspace still
	// references it, so a later reconnect request can find it.
	_, registered := b.servers[id]
	assert.True(t, registered)

	b.DetachWorkspace(id, ids.WorkspaceID(1))
	_, registered = b.servers[id]
	assert.False(t, registered)
}

func TestQueryToUnregisteredServerSettlesInterrupted(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.SendQuery(&ServerQuery{Server: ids.ServerID(404), Message: &codec.Message{Major: codec.SupportedMajor}})

	select {
	case msg := <-b.FromBroker():
		reply, ok := msg.(QueryReplyMsg)
		require.True(t, ok)
		assert.True(t, apperrors.OfKind(reply.Err, apperrors.KindInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a QueryReplyMsg for the unknown server")
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "host:123", Endpoint{Host: "host", Port: 123}.String())
}
