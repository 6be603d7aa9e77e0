package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsciiDecoderIns(t *testing.T) {
	var d AsciiDecoder
	d.Feed(EncodeIns(0xdeadbeef))
	el, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AsciiIns, el.Kind)
	assert.Equal(t, uint32(0xdeadbeef), el.UInt)
}

func TestAsciiDecoderInt(t *testing.T) {
	var d AsciiDecoder
	d.Feed(EncodeInt(12345))
	el, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AsciiInt, el.Kind)
	assert.Equal(t, uint32(12345), el.UInt)
}

func TestAsciiDecoderStr(t *testing.T) {
	var d AsciiDecoder
	d.Feed(EncodeStr([]byte("hello world")))
	el, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AsciiStr, el.Kind)
	assert.Equal(t, []byte("hello world"), el.Bytes)
}

func TestAsciiDecoderSuspendsOnPartialInput(t *testing.T) {
	var d AsciiDecoder
	full := EncodeStr([]byte("partial-test"))
	d.Feed(full[:5])
	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	d.Feed(full[5:])
	el, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("partial-test"), el.Bytes)
}

func TestAsciiDecoderByteAtATime(t *testing.T) {
	var d AsciiDecoder
	full := EncodeInt(777)
	var got *AsciiElement
	for i := 0; i < len(full); i++ {
		d.Feed(full[i : i+1])
		el, ok, err := d.Next()
		require.NoError(t, err)
		if ok {
			got = el
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, uint32(777), got.UInt)
}

func TestAsciiDecoderSequenceOfElements(t *testing.T) {
	var d AsciiDecoder
	d.Feed(EncodeIns(1))
	d.Feed(EncodeInt(2))
	d.Feed(EncodeStr([]byte("three")))

	var kinds []AsciiElementKind
	for i := 0; i < 3; i++ {
		el, ok, err := d.Next()
		require.NoError(t, err)
		require.True(t, ok)
		kinds = append(kinds, el.Kind)
	}
	assert.Equal(t, []AsciiElementKind{AsciiIns, AsciiInt, AsciiStr}, kinds)
}

func TestAsciiDecoderUnknownTag(t *testing.T) {
	var d AsciiDecoder
	d.Feed([]byte("XYZ"))
	_, _, err := d.Next()
	require.Error(t, err)
}

type nestedCmd struct {
	Code uint32
	Name string
}

type commandWithNesting struct {
	Instruction uint32
	Target      nestedCmd
	Tag         []byte
}

func TestEncodeHelperCommandReflective(t *testing.T) {
	cmd := commandWithNesting{
		Instruction: 9,
		Target:      nestedCmd{Code: 2, Name: "ws"},
		Tag:         []byte("xyz"),
	}
	wire, err := EncodeHelperCommand(&cmd)
	require.NoError(t, err)

	var d AsciiDecoder
	d.Feed(wire)

	el1, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(9), el1.UInt)

	el2, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), el2.UInt)

	el3, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ws", string(el3.Bytes))

	el4, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "xyz", string(el4.Bytes))
}
