package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmbx/kwm/internal/apperrors"
)

func buildMessage(t *testing.T) *Message {
	t.Helper()
	var w Writer
	w.PutU32(42)
	w.PutString("alpha")
	w.PutBin([]byte{1, 2, 3})
	return &Message{Major: SupportedMajor, Minor: 3, Type: 7, ID: 99, Payload: w.Bytes()}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := buildMessage(t)
	wire := msg.Encode()

	decoded, n, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, msg.Major, decoded.Major)
	assert.Equal(t, msg.Minor, decoded.Minor)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Payload, decoded.Payload)

	r := NewReader(decoded.Payload)
	u, err := r.GetU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), u)
	s, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "alpha", s)
	b, err := r.GetBin()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
	assert.True(t, r.Done())
}

func TestDecodeShortReadOnPartialHeader(t *testing.T) {
	_, _, err := DecodeMessage(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestDecodeShortReadOnPartialPayload(t *testing.T) {
	msg := buildMessage(t)
	wire := msg.Encode()
	_, _, err := DecodeMessage(wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	msg := buildMessage(t)
	msg.Major = SupportedMajor + 1
	wire := msg.Encode()
	_, _, err := DecodeMessage(wire)
	require.Error(t, err)
	var ae *apperrors.AppError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperrors.CodeVersionMismatch, ae.Code)
}

func TestStreamDecoderSuspendsOnPartialBytes(t *testing.T) {
	msg := buildMessage(t)
	wire := msg.Encode()

	var sd StreamDecoder
	sd.Feed(wire[:HeaderSize-1])
	got, ok, err := sd.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	sd.Feed(wire[HeaderSize-1:])
	got, ok, err = sd.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, 0, sd.Pending())
}

func TestStreamDecoderHandlesTwoMessagesBackToBack(t *testing.T) {
	m1 := buildMessage(t)
	m2 := buildMessage(t)
	m2.ID = 100

	var sd StreamDecoder
	sd.Feed(append(m1.Encode(), m2.Encode()...))

	got1, ok, err := sd.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m1.ID, got1.ID)

	got2, ok, err := sd.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m2.ID, got2.ID)
}

func TestReaderOverrunFailsWithDecodeError(t *testing.T) {
	var w Writer
	w.PutU32(5) // claims 5 bytes of string follow but none do
	r := NewReader(w.Bytes())
	_, err := r.GetString()
	require.Error(t, err)
}
