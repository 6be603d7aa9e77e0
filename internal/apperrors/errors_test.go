package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	e := New(KindSemantic, CodeOOS, "server reports stale event id")
	assert.Equal(t, "SEMANTIC/OOS: server reports stale event id", e.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindTransport, "", "socket closed", cause)
	require.ErrorIs(t, e, cause)
}

func TestInternalCapturesStack(t *testing.T) {
	e := New(KindInternal, "", "invariant violated")
	assert.NotEmpty(t, e.Stack())

	nonFatal := New(KindAuth, CodeBanned, "account banned")
	assert.Empty(t, nonFatal.Stack())
}

func TestIsMatchesKindAndCode(t *testing.T) {
	a := New(KindAuth, CodeBadSecurityCreds, "first message")
	b := New(KindAuth, CodeBadSecurityCreds, "different message")
	c := New(KindAuth, CodePwdRequired, "different code")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestOfKind(t *testing.T) {
	e := New(KindSemantic, CodeOOS, "stale")
	assert.True(t, OfKind(e, KindSemantic))
	assert.False(t, OfKind(e, KindTransport))
}
