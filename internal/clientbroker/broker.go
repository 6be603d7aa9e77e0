package clientbroker

import (
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tmbx/kwm/internal/clock"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/logging"
)

// Broker implements the external-client broker (§4.7): it accepts
// control channels on a local listener and dispatches each one's
// commands against Host, every call marshaled onto the manager's
// coordination goroutine via Host.Submit (§5).
//
// Channel bookkeeping (register/unregister, iterate-to-broadcast)
// follows the same register/unregister-channel-plus-mutex shape as the
// teacher's websocket.Hub, adapted from a websocket.Conn to a plain
// framed net.Conn per §6.
type Broker struct {
	host  Host
	log   zerolog.Logger
	fresh *clock.Freshness

	mu       sync.Mutex
	channels map[uint64]*Channel
	nextID   uint64

	ln net.Listener

	watchMu  sync.Mutex
	watchers map[uint64]chan []byte
	nextWID  uint64
}

// NewBroker constructs a Broker against host. Call Listen to start
// accepting connections.
func NewBroker(host Host) *Broker {
	return &Broker{
		host:     host,
		log:      logging.Component("clientbroker"),
		fresh:    clock.NewFreshness(),
		channels: map[uint64]*Channel{},
		watchers: map[uint64]chan []byte{},
	}
}

// Watch registers a read-only observer that receives a copy of every
// event frame pushed to real channels (state-change hints, eager
// workspace-created events), used by the admin inspector endpoint
// rather than the primary control protocol (§6 "additive, read-only").
// The returned cancel function must be called when the observer is done.
func (b *Broker) Watch(buf int) (ch <-chan []byte, cancel func()) {
	b.watchMu.Lock()
	b.nextWID++
	id := b.nextWID
	c := make(chan []byte, buf)
	b.watchers[id] = c
	b.watchMu.Unlock()

	return c, func() {
		b.watchMu.Lock()
		if c, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(c)
		}
		b.watchMu.Unlock()
	}
}

// notifyWatchers mirrors frame to every inspector observer, dropping it
// for any observer whose buffer is full rather than blocking the
// broker's own event push path.
func (b *Broker) notifyWatchers(frame []byte) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for _, c := range b.watchers {
		select {
		case c <- frame:
		default:
		}
	}
}

// Listen binds addr (e.g. "127.0.0.1:0" or a unix socket path via
// network "unix") and starts accepting channels in a background
// goroutine. Call Close to stop.
func (b *Broker) Listen(network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	b.ln = ln
	go b.acceptLoop()
	return nil
}

// Addr reports the bound listener's address, useful when addr was
// ":0" and the OS chose the port.
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.ServeConn(conn)
	}
}

// ServeConn registers conn as a new channel and starts its read/write
// pumps, the control-channel counterpart of the teacher hub's
// ServeClientWithOrg.
func (b *Broker) ServeConn(conn net.Conn) *Channel {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := newChannel(id, conn)
	b.channels[id] = ch
	b.mu.Unlock()

	go ch.writePump()
	go func() {
		ch.readLoop(func(msg *codec.Message) { b.handleCommand(ch, msg) })
		b.closeChannel(ch)
	}()
	return ch
}

func (b *Broker) closeChannel(ch *Channel) {
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true
	delete(b.channels, ch.id)
	b.mu.Unlock()
	close(ch.send)
	_ = ch.conn.Close()
}

// Close stops accepting new channels and tears down every live one.
func (b *Broker) Close() error {
	if b.ln != nil {
		_ = b.ln.Close()
	}
	b.mu.Lock()
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		b.closeChannel(ch)
	}
	return nil
}

// pushFrame enqueues frame on ch, closing the channel if its send
// buffer is already full (§4.7 "Back-pressure").
func (b *Broker) pushFrame(ch *Channel, frame []byte) {
	if !ch.push(frame) {
		b.closeChannel(ch)
	}
}

// broadcast pushes frame to every live channel, used for fire-and-forget
// events (§4.7 "Event push ... fire-and-forget in FIFO per channel").
func (b *Broker) broadcast(frame []byte) {
	b.mu.Lock()
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		b.pushFrame(ch, frame)
	}
}

// NotifyStateChange implements manager.RevSink: set every channel's
// need_sync flag and push a single FetchStateHint event (§4.7 "the
// broker sets a per-channel need_sync flag and pushes a single
// FetchState hint; clients pull through FetchState").
func (b *Broker) NotifyStateChange() {
	b.mu.Lock()
	chans := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		ch.needSync = true
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	frame := encodeEventFrame(EvtFetchStateHint, b.fresh.Update(), nil)
	for _, ch := range chans {
		b.pushFrame(ch, frame)
	}
	b.notifyWatchers(frame)
}

// PushWorkspaceCreated emits the eager WorkspaceCreated event to every
// channel (§4.7 "Events attached to persistent workspace activity are
// pushed eagerly", distinct from the pulled FetchState hint).
func (b *Broker) PushWorkspaceCreated(internalID uint64) {
	w := newFrameWriter()
	w.PutU64(internalID)
	frame := encodeEventFrame(EvtWorkspaceCreated, b.fresh.Update(), w.Bytes())
	b.broadcast(frame)
	b.notifyWatchers(frame)
}
