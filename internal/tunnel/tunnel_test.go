package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmbx/kwm/internal/apperrors"
)

// writeFakeProxy writes a tiny shell script that connects back to the
// loopback port passed as its second argument, standing in for the
// real TLS-proxy executable for tests.
func writeFakeProxy(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-proxy.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755))
	return path
}

func TestLaunchAdoptsLoopbackConnection(t *testing.T) {
	script := writeFakeProxy(t, `
port="$2"
exec 3<>/dev/tcp/127.0.0.1/$port
sleep 2
`)
	old := ProxyPath
	ProxyPath = script
	defer func() { ProxyPath = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tun, err := Launch(ctx, Target{RemoteHost: "example.test", RemotePort: 443})
	require.NoError(t, err)
	defer tun.Close()
	assert.NotNil(t, tun.Conn())
}

func TestLaunchFailsWhenProxyExitsEarly(t *testing.T) {
	script := writeFakeProxy(t, `exit 1`)
	old := ProxyPath
	ProxyPath = script
	defer func() { ProxyPath = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Launch(ctx, Target{RemoteHost: "example.test", RemotePort: 443})
	require.Error(t, err)
	var ae *apperrors.AppError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperrors.CodeTunnelFailed, ae.Code)
}

func TestLaunchFailsWhenExecutableMissing(t *testing.T) {
	old := ProxyPath
	ProxyPath = "/nonexistent/proxy-binary-xyz"
	defer func() { ProxyPath = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Launch(ctx, Target{RemoteHost: "example.test", RemotePort: 443})
	require.Error(t, err)
}
