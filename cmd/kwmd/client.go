package main

import (
	"fmt"
	"net"
	"time"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
)

// controlClient is a minimal, single-request-at-a-time client for the
// control protocol (§4.7), used by the CLI subcommands that talk to an
// already-running daemon rather than starting their own manager.
type controlClient struct {
	conn net.Conn
	next uint64
}

func dialControl(network, addr string) (*controlClient, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket %s:%s: %w", network, addr, err)
	}
	return &controlClient{conn: conn}, nil
}

func (c *controlClient) Close() error { return c.conn.Close() }

// call sends one command frame and blocks for its single reply,
// enough for a CLI one-shot invocation; it does not need the
// channel's full duplex command/event handling.
func (c *controlClient) call(msgType uint32, payload []byte) (*codec.Message, error) {
	c.next++
	id := c.next
	req := &codec.Message{Major: codec.SupportedMajor, Type: msgType, ID: id, Payload: payload}
	if _, err := c.conn.Write(req.Encode()); err != nil {
		return nil, err
	}

	dec := &codec.StreamDecoder{}
	buf := make([]byte, 4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		msg, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			if msg.ID != id {
				continue
			}
			return msg, nil
		}
		n, rerr := c.conn.Read(buf)
		if rerr != nil {
			return nil, rerr
		}
		dec.Feed(buf[:n])
	}
}

// callChecked wraps call and decodes the leading reply-status element,
// turning a Failure reply into a Go error (§6 reply shape).
func (c *controlClient) callChecked(msgType uint32, payload []byte) (*codec.Reader, error) {
	msg, err := c.call(msgType, payload)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(msg.Payload)
	status, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	if status != 0 {
		kind, _ := r.GetString()
		message, _ := r.GetString()
		return nil, apperrors.New(apperrors.Kind(kind), "", message)
	}
	return r, nil
}
