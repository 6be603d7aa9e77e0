// Package codec implements the two wire formats described in the
// framed RPC codec design (§4.1, §6): a big-endian length-delimited
// binary format used to talk to collaboration servers, and an
// ASCII-tagged element stream used to talk to the crypto helper
// sub-process.
//
// Both codecs decode incrementally and never block: callers hand them
// the bytes read so far, and a decoder that does not yet hold a full
// message reports that (ErrShortRead from DecodeMessage, ok == false
// from a stream decoder's Next) so the caller retries once more bytes
// have arrived.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tmbx/kwm/internal/apperrors"
)

// HeaderSize is the fixed size of the binary message envelope:
// major(2) + minor(2) + type(4) + id(8) + payload_len(4).
const HeaderSize = 2 + 2 + 4 + 8 + 4

// ErrShortRead is returned by Decode when the reader does not yet hold
// a complete message. It is not a protocol error; callers should wait
// for more bytes and retry.
var ErrShortRead = errors.New("codec: short read, need more bytes")

// SupportedMajor is the only major version this decoder accepts.
// A message whose major version differs is rejected per §6
// ("a receiver rejects a message whose major differs from its own").
const SupportedMajor = 1

// SupportedMinor is the highest minor version this code implements.
// Unlike a major mismatch it never rejects a message — a server on a
// newer minor may send event namespaces this code doesn't know, which
// the workspace layer surfaces as UpgradeRequired (§6).
const SupportedMinor = 2

// Message is one framed server-facing RPC message.
type Message struct {
	Major   uint16
	Minor   uint16
	Type    uint32
	ID      uint64
	Payload []byte
}

// Encode serializes m into the wire format: header followed by payload.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], m.Major)
	binary.BigEndian.PutUint16(buf[2:4], m.Minor)
	binary.BigEndian.PutUint32(buf[4:8], m.Type)
	binary.BigEndian.PutUint64(buf[8:16], m.ID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// DecodeMessage decodes one framed message from the front of data and
// returns it with the number of bytes it consumed. It returns
// ErrShortRead if data does not yet hold a full message; StreamDecoder
// (below) is the streaming entry point used by the broker.
func DecodeMessage(data []byte) (*Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrShortRead
	}
	major := binary.BigEndian.Uint16(data[0:2])
	minor := binary.BigEndian.Uint16(data[2:4])
	typ := binary.BigEndian.Uint32(data[4:8])
	id := binary.BigEndian.Uint64(data[8:16])
	payloadLen := binary.BigEndian.Uint32(data[16:20])

	if major != SupportedMajor {
		return nil, 0, apperrors.New(apperrors.KindProtocol, apperrors.CodeVersionMismatch,
			fmt.Sprintf("unsupported major version %d (supported %d)", major, SupportedMajor))
	}

	total := HeaderSize + int(payloadLen)
	if len(data) < total {
		return nil, 0, ErrShortRead
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:total])

	return &Message{Major: major, Minor: minor, Type: typ, ID: id, Payload: payload}, total, nil
}

// ByteSource is a non-blocking byte provider: it returns whatever bytes
// are currently available without blocking for more. Nothing in this
// module implements it: the broker reads its socket itself and hands
// the bytes to StreamDecoder.Feed.
type ByteSource interface {
	// ReadAvailable appends currently-available bytes to buf and
	// returns the extended slice. It must not block; io.EOF signals
	// the underlying connection closed.
	ReadAvailable(buf []byte) ([]byte, error)
}

// StreamDecoder accumulates the bytes passed to Feed across calls and
// yields complete Messages as they become available, suspending
// mid-message when only a partial header or payload has arrived.
type StreamDecoder struct {
	buf []byte
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *StreamDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next attempts to decode one message from the accumulated buffer. It
// returns (nil, false, nil) if more bytes are needed, or an error for
// a genuine protocol violation (bad version, corrupt length).
func (d *StreamDecoder) Next() (*Message, bool, error) {
	msg, n, err := DecodeMessage(d.buf)
	if err != nil {
		if errors.Is(err, ErrShortRead) {
			return nil, false, nil
		}
		return nil, false, err
	}
	d.buf = d.buf[n:]
	return msg, true, nil
}

// Pending reports whether unconsumed bytes remain buffered.
func (d *StreamDecoder) Pending() int { return len(d.buf) }

// --- Payload element encoding -------------------------------------------------
//
// Payload = sequence of typed elements: u32, u64, string (4-byte
// length then UTF-8 bytes), bin (4-byte length then bytes).

// Writer builds a payload by appending typed elements in order.
type Writer struct {
	buf bytes.Buffer
}

func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) PutBin(b []byte) {
	w.PutU32(uint32(len(b)))
	w.buf.Write(b)
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Reader consumes typed elements from a payload in order, failing with
// DecodeError if any declared length overruns the remaining bytes.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps a decoded message's payload for element-by-element reading.
func NewReader(payload []byte) *Reader {
	return &Reader{data: payload}
}

func (r *Reader) remaining() int { return len(r.data) - r.pos }

func (r *Reader) GetU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, decodeErr("u32 element overruns payload")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, decodeErr("u64 element overruns payload")
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetString() (string, error) {
	n, err := r.GetU32()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", decodeErr("string element overruns payload")
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *Reader) GetBin() ([]byte, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, decodeErr("bin element overruns payload")
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// Done reports whether the entire payload has been consumed.
func (r *Reader) Done() bool { return r.remaining() == 0 }

func decodeErr(msg string) error {
	return apperrors.New(apperrors.KindDecode, "", msg)
}
