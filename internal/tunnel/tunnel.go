// Package tunnel implements the TLS tunnel launcher (§4.2): spawning
// and supervising the external TLS-proxy executable, and adopting the
// plaintext loopback connection it makes back to us as the transport
// for the framed RPC codec.
//
// This mirrors the sub-process supervision idiom used elsewhere in
// this codebase (helperproc.Broker): a small state machine owning a
// child process handle and a transport, with teardown terminating the
// child on every exit path.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/logging"
)

// StartTimeout bounds how long Launch waits for the proxy to connect
// back to the loopback listener (§5 "Tunnel launch times out after 10s").
const StartTimeout = 10 * time.Second

// LivenessPollInterval is how often the StartTimeout deadline is
// checked while waiting for the loopback accept (§4.3 "polling
// sub-process liveness every ≤300ms"); the sub-process's exit itself
// is seen as soon as it happens.
const LivenessPollInterval = 250 * time.Millisecond

// ProxyPath is the external TLS-proxy executable name, overridable for
// tests and alternate deployments.
var ProxyPath = "proxy"

// LogLevel selects the proxy's own "-l" verbosity flag.
type LogLevel string

const (
	LogMinimal LogLevel = "minimal"
	LogDebug   LogLevel = "debug"
)

// Target describes the remote endpoint a tunnel should reach, and an
// optional reconnect target used by the proxy if the primary becomes
// unreachable mid-session.
type Target struct {
	RemoteHost      string
	RemotePort      int
	ReconnectHost   string
	ReconnectPort   int
	LogLevel        LogLevel
	LogPath         string
}

// Tunnel owns one spawned proxy sub-process and the plaintext
// connection adopted from it.
type Tunnel struct {
	cmd  *exec.Cmd
	conn net.Conn
}

// Launch binds a loopback listener, spawns the proxy pointed at it,
// waits for the proxy to connect, and adopts that connection as the
// plaintext transport. The listener is closed as soon as the
// connection is accepted (or on any failure).
func Launch(ctx context.Context, target Target) (*Tunnel, error) {
	log := logging.Component("tunnel")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransport, "", "failed to bind loopback listener", err)
	}

	localPort := ln.Addr().(*net.TCPAddr).Port
	args := []string{"localhost", fmt.Sprintf("%d", localPort), target.RemoteHost, fmt.Sprintf("%d", target.RemotePort)}
	if target.ReconnectHost != "" {
		args = append(args, "-r", fmt.Sprintf("%s:%d", target.ReconnectHost, target.ReconnectPort))
	}
	if target.LogLevel != "" {
		args = append(args, "-l", string(target.LogLevel))
	}
	if target.LogPath != "" {
		args = append(args, "-L", target.LogPath)
	}

	cmd := exec.CommandContext(ctx, ProxyPath, args...)
	if err := cmd.Start(); err != nil {
		ln.Close()
		return nil, apperrors.Wrap(apperrors.KindTransport, apperrors.CodeTunnelFailed, "failed to spawn TLS proxy", err)
	}

	conn, err := acceptWithLivenessPoll(ctx, ln, cmd)
	if err != nil {
		ln.Close()
		_ = cmd.Process.Kill()
		return nil, err
	}
	ln.Close()

	log.Info().Str("remote", fmt.Sprintf("%s:%d", target.RemoteHost, target.RemotePort)).Msg("tunnel established")
	return &Tunnel{cmd: cmd, conn: conn}, nil
}

// acceptWithLivenessPoll waits for the loopback accept while a
// goroutine waits on the sub-process, so a proxy that dies before
// connecting is detected promptly instead of only via the full
// StartTimeout, which is checked every LivenessPollInterval.
func acceptWithLivenessPoll(ctx context.Context, ln net.Listener, cmd *exec.Cmd) (net.Conn, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		resultCh <- acceptResult{c, err}
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	deadline := time.Now().Add(StartTimeout)
	ticker := time.NewTicker(LivenessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				return nil, apperrors.Wrap(apperrors.KindTransport, apperrors.CodeTunnelFailed, "loopback accept failed", r.err)
			}
			return r.conn, nil

		case waitErr := <-exited:
			// Sub-process exited before the connection was accepted.
			return nil, apperrors.Wrap(apperrors.KindTransport, apperrors.CodeTunnelFailed,
				"TLS proxy exited before connecting to loopback listener", waitErr)

		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, apperrors.New(apperrors.KindTimeout, apperrors.CodeTunnelFailed, "timed out waiting for TLS proxy to connect")
			}

		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindCancelled, "", "tunnel launch cancelled", ctx.Err())
		}
	}
}

// Conn returns the adopted plaintext transport.
func (t *Tunnel) Conn() net.Conn { return t.conn }

// Close terminates the proxy sub-process and closes the transport,
// covering every teardown path per the sub-process supervision design note.
func (t *Tunnel) Close() error {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_, _ = t.cmd.Process.Wait()
	}
	return nil
}
