package codec

import (
	"fmt"
	"strconv"

	"github.com/tmbx/kwm/internal/apperrors"
)

// AsciiElementKind identifies which of the three shapes an ASCII-tagged
// element (§4.1, helper-facing) takes.
type AsciiElementKind int

const (
	AsciiIns AsciiElementKind = iota // "INS" <hex8>
	AsciiInt                         // "INT" <decimal> ">"
	AsciiStr                         // "STR" <decimal> ">" <bytes>
)

// AsciiElement is one decoded helper-protocol element.
type AsciiElement struct {
	Kind  AsciiElementKind
	UInt  uint32 // valid for AsciiIns (instruction code) and AsciiInt
	Bytes []byte // valid for AsciiStr
}

// asciiState is the decoder state machine's current position within
// one element.
type asciiState int

const (
	stateTag asciiState = iota
	stateInsHex
	stateIntDigits
	stateStrLenDigits
	stateStrBody
)

// AsciiDecoder consumes bytes one at a time (or in chunks) and yields
// one AsciiElement per completed record, suspending mid-element when
// the stream runs dry. It never blocks and never reads ahead past what
// it was given.
type AsciiDecoder struct {
	state   asciiState
	tagBuf  []byte
	numBuf  []byte
	strLen  int
	strBuf  []byte
	pending []byte // unconsumed input fed via Feed
}

// Feed appends newly-arrived bytes to the decoder's input.
func (d *AsciiDecoder) Feed(b []byte) {
	d.pending = append(d.pending, b...)
}

// Next attempts to decode one complete element from the buffered
// input. Returns (nil, false, nil) if more bytes are required.
func (d *AsciiDecoder) Next() (*AsciiElement, bool, error) {
	for {
		switch d.state {
		case stateTag:
			if len(d.tagBuf) < 3 {
				need := 3 - len(d.tagBuf)
				if len(d.pending) == 0 {
					return nil, false, nil
				}
				take := min(need, len(d.pending))
				d.tagBuf = append(d.tagBuf, d.pending[:take]...)
				d.pending = d.pending[take:]
				if len(d.tagBuf) < 3 {
					return nil, false, nil
				}
			}
			tag := string(d.tagBuf)
			switch tag {
			case "INS":
				d.state = stateInsHex
			case "INT":
				d.state = stateIntDigits
			case "STR":
				d.state = stateStrLenDigits
			default:
				return nil, false, apperrors.New(apperrors.KindDecode, "", fmt.Sprintf("unknown helper tag %q", tag))
			}

		case stateInsHex:
			if len(d.numBuf) < 8 {
				need := 8 - len(d.numBuf)
				if len(d.pending) == 0 {
					return nil, false, nil
				}
				take := min(need, len(d.pending))
				d.numBuf = append(d.numBuf, d.pending[:take]...)
				d.pending = d.pending[take:]
				if len(d.numBuf) < 8 {
					return nil, false, nil
				}
			}
			v, err := strconv.ParseUint(string(d.numBuf), 16, 32)
			if err != nil {
				return nil, false, apperrors.New(apperrors.KindDecode, "", "malformed INS hex code")
			}
			el := &AsciiElement{Kind: AsciiIns, UInt: uint32(v)}
			d.reset()
			return el, true, nil

		case stateIntDigits:
			done, err := d.consumeUntilGT()
			if err != nil {
				return nil, false, err
			}
			if !done {
				return nil, false, nil
			}
			v, err := strconv.ParseUint(string(d.numBuf), 10, 32)
			if err != nil {
				return nil, false, apperrors.New(apperrors.KindDecode, "", "malformed INT value")
			}
			el := &AsciiElement{Kind: AsciiInt, UInt: uint32(v)}
			d.reset()
			return el, true, nil

		case stateStrLenDigits:
			done, err := d.consumeUntilGT()
			if err != nil {
				return nil, false, err
			}
			if !done {
				return nil, false, nil
			}
			n, err := strconv.Atoi(string(d.numBuf))
			if err != nil || n < 0 {
				return nil, false, apperrors.New(apperrors.KindDecode, "", "malformed STR length")
			}
			d.strLen = n
			d.state = stateStrBody

		case stateStrBody:
			need := d.strLen - len(d.strBuf)
			if need > 0 {
				if len(d.pending) == 0 {
					return nil, false, nil
				}
				take := min(need, len(d.pending))
				d.strBuf = append(d.strBuf, d.pending[:take]...)
				d.pending = d.pending[take:]
				if len(d.strBuf) < d.strLen {
					return nil, false, nil
				}
			}
			el := &AsciiElement{Kind: AsciiStr, Bytes: append([]byte(nil), d.strBuf...)}
			d.reset()
			return el, true, nil
		}
	}
}

// consumeUntilGT accumulates digits into numBuf until a terminating
// '>' byte is consumed, per the "<decimal> >" grammar.
func (d *AsciiDecoder) consumeUntilGT() (bool, error) {
	for len(d.pending) > 0 {
		b := d.pending[0]
		d.pending = d.pending[1:]
		if b == '>' {
			return true, nil
		}
		if b < '0' || b > '9' {
			return false, apperrors.New(apperrors.KindDecode, "", "non-digit in helper integer field")
		}
		d.numBuf = append(d.numBuf, b)
	}
	return false, nil
}

func (d *AsciiDecoder) reset() {
	d.state = stateTag
	d.tagBuf = nil
	d.numBuf = nil
	d.strLen = 0
	d.strBuf = nil
}

// --- Encoding ------------------------------------------------------------

// EncodeIns serializes a 32-bit instruction code as "INS" <hex8>.
func EncodeIns(code uint32) []byte {
	return []byte(fmt.Sprintf("INS%08x", code))
}

// EncodeInt serializes an unsigned integer as "INT" <decimal> ">".
func EncodeInt(v uint32) []byte {
	return []byte(fmt.Sprintf("INT%d>", v))
}

// EncodeStr serializes a length-prefixed blob as "STR" <decimal> ">" <bytes>.
func EncodeStr(b []byte) []byte {
	out := []byte(fmt.Sprintf("STR%d>", len(b)))
	return append(out, b...)
}
