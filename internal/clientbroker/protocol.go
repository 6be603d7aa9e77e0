package clientbroker

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
)

func newFrameWriter() *codec.Writer { return &codec.Writer{} }

// encodeReplyFrame wraps payload as the single reply to the command
// that arrived with id/msgType, echoing both so the client can
// correlate it (§4.7 "command/reply ... uniquely id'd, exactly one reply").
func encodeReplyFrame(id uint64, msgType uint32, status replyStatus, payload []byte) []byte {
	w := newFrameWriter()
	w.PutU32(uint32(status))
	full := append(w.Bytes(), payload...)
	msg := &codec.Message{Major: codec.SupportedMajor, Type: msgType, ID: id, Payload: full}
	return msg.Encode()
}

func okReply(id uint64, msgType uint32, payload []byte) []byte {
	return encodeReplyFrame(id, msgType, statusOK, payload)
}

// failureReply encodes a Failure(ErrorKind, message) reply (§6).
func failureReply(id uint64, msgType uint32, err error) []byte {
	kind, message := "", err.Error()
	if ae, ok := err.(*apperrors.AppError); ok {
		kind = string(ae.Kind)
		message = ae.Message
	}
	w := newFrameWriter()
	w.PutString(kind)
	w.PutString(message)
	return encodeReplyFrame(id, msgType, statusFailure, w.Bytes())
}

// encodeEventFrame builds a fire-and-forget, ID-less event frame
// (§4.7 "event push ... fire-and-forget"). Every event payload leads
// with the freshness stamp so a client can detect a stale feed
// independently of wall-clock jumps (§3 "Freshness clock").
func encodeEventFrame(evtType uint32, freshness int64, payload []byte) []byte {
	w := newFrameWriter()
	w.PutU64(uint64(freshness))
	full := append(w.Bytes(), payload...)
	msg := &codec.Message{Major: codec.SupportedMajor, Type: evtType, ID: 0, Payload: full}
	return msg.Encode()
}
