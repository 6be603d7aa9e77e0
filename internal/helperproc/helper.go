// Package helperproc implements the crypto-helper broker (§4.4): one
// long-lived sub-process speaking the ASCII-tagged codec, serializing
// transactions against it one at a time.
//
// The broker is a state machine over {Idle, Connecting, Ready,
// InFlight, Draining}. Cancelling a transaction while InFlight forces
// a sub-process restart, because results of an interrupted transaction
// cannot be disambiguated from the next one's.
package helperproc

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/logging"
)

// State is the broker's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateInFlight
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateInFlight:
		return "InFlight"
	case StateDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Command is one element of a Transaction. HasResult marks the final
// command of a transaction, whose reply must be fully drained before
// the next command is written; commands without a result may be
// batched into a single write.
type Command struct {
	Payload   interface{}
	HasResult bool
}

// Transaction is an ordered list of commands executed atomically
// against the helper: only the final command carries a result, and no
// other transaction's commands may interleave with these.
type Transaction struct {
	Commands []Command
	Run      func(reason Reason, result []codec.AsciiElement, err error)
}

// Reason explains why a Transaction's Run callback fired.
type Reason int

const (
	ReasonSuccess Reason = iota
	ReasonError
)

// secretFileName is the file the helper sub-process drops in its
// working directory on first connect, carrying the 32-byte shared
// secret that must byte-equal what we read here (§6 helper RPC
// authentication).
const secretFileName = "helper.secret"

// Broker owns the helper sub-process and serializes Transactions
// against it, one in flight at a time.
type Broker struct {
	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdout       io.ReadCloser
	workDir      string
	secret       []byte
	execPath     string
	queue        []*Transaction
	current      *Transaction
	restartCount int
}

// NewBroker creates a Broker that will spawn execPath with workDir as
// its working directory and expect the shared secret file there.
func NewBroker(execPath, workDir string) *Broker {
	return &Broker{
		execPath: execPath,
		workDir:  workDir,
		state:    StateIdle,
	}
}

// State returns the broker's current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Submit enqueues a Transaction for execution. If the broker is Idle
// it begins connecting immediately.
func (b *Broker) Submit(tx *Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, tx)
	if b.state == StateIdle {
		go b.connectAndRun()
	} else if b.state == StateReady {
		go b.runNext()
	}
}

// CancelCurrent cancels the in-flight transaction, if any. Per §4.4
// this forces a sub-process restart since the helper's results cannot
// be disambiguated once a transaction is abandoned mid-flight.
func (b *Broker) CancelCurrent() {
	b.mu.Lock()
	wasInFlight := b.state == StateInFlight
	b.mu.Unlock()

	if wasInFlight {
		b.restart(apperrors.New(apperrors.KindCancelled, "", "transaction cancelled while in flight"))
	}
}

// connectAndRun spawns the helper sub-process, waits for the secret
// handshake, then starts draining the queue.
func (b *Broker) connectAndRun() {
	b.mu.Lock()
	b.state = StateConnecting
	b.mu.Unlock()

	log := logging.Component("helperproc")

	if err := b.spawn(); err != nil {
		log.Error().Err(err).Msg("failed to spawn crypto helper")
		b.failAll(err)
		return
	}

	if err := b.awaitSecretHandshake(); err != nil {
		log.Error().Err(err).Msg("helper secret handshake failed")
		b.mu.Lock()
		cmd, stdin, stdout := b.cmd, b.stdin, b.stdout
		b.cmd, b.stdin, b.stdout = nil, nil, nil
		b.mu.Unlock()
		closeHelperPipes(stdin, stdout)
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
		b.failAll(err)
		return
	}

	b.mu.Lock()
	b.state = StateReady
	b.mu.Unlock()

	b.runNext()
}

func (b *Broker) spawn() error {
	cmd := exec.Command(b.execPath)
	cmd.Dir = b.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to open helper stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to open helper stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to start crypto helper", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.stdout = stdout
	b.mu.Unlock()
	return nil
}

// awaitSecretHandshake watches the helper's working directory with
// fsnotify for the secret file it drops on first connect, instead of
// polling, and validates it byte-equals what we expect (§6).
func (b *Broker) awaitSecretHandshake() error {
	path := filepath.Join(b.workDir, secretFileName)

	if data, err := os.ReadFile(path); err == nil {
		return b.verifySecret(data)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to watch helper working directory", err)
	}
	defer watcher.Close()
	if err := watcher.Add(b.workDir); err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "", "failed to watch helper working directory", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-watcher.Events:
			if filepath.Base(ev.Name) != secretFileName {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return b.verifySecret(data)
		case err := <-watcher.Errors:
			return apperrors.Wrap(apperrors.KindTransport, "", "watcher error awaiting helper secret", err)
		case <-timeout:
			return apperrors.New(apperrors.KindTimeout, "", "timed out waiting for helper secret handshake")
		}
	}
}

func (b *Broker) verifySecret(data []byte) error {
	if b.secret != nil && !bytes.Equal(data, b.secret) {
		return apperrors.New(apperrors.KindAuth, "", "helper shared secret mismatch, terminating")
	}
	b.mu.Lock()
	b.secret = data
	b.mu.Unlock()
	return nil
}

// runNext pops the next queued transaction and executes it.
func (b *Broker) runNext() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.state = StateReady
		b.mu.Unlock()
		return
	}
	tx := b.queue[0]
	b.queue = b.queue[1:]
	b.current = tx
	b.state = StateInFlight
	b.mu.Unlock()

	result, err := b.execute(tx)

	b.mu.Lock()
	b.current = nil
	// A nil cmd here means restart/Stop tore the process down while
	// this transaction was in flight; the respawned process's own
	// connectAndRun drains the queue, so this goroutine must not.
	interrupted := b.cmd == nil
	if b.state == StateInFlight {
		b.state = StateReady
	}
	b.mu.Unlock()

	if tx.Run != nil {
		if err != nil {
			tx.Run(ReasonError, nil, err)
		} else {
			tx.Run(ReasonSuccess, result, nil)
		}
	}

	if interrupted {
		return
	}
	b.runNext()
}

// execute writes every command's encoded payload to the helper, then
// drains one AsciiElement off stdout for the final (HasResult)
// command. Only the last command in a Transaction is expected to
// carry a result; earlier commands are fire-and-forget.
func (b *Broker) execute(tx *Transaction) ([]codec.AsciiElement, error) {
	b.mu.Lock()
	stdin, stdout := b.stdin, b.stdout
	b.mu.Unlock()
	if stdin == nil || stdout == nil {
		return nil, apperrors.New(apperrors.KindTransport, "", "helper process not running")
	}

	var wantsResult bool
	for _, c := range tx.Commands {
		wire, err := codec.EncodeHelperCommand(c.Payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindProtocol, "", "failed to encode helper command", err)
		}
		if _, err := stdin.Write(wire); err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransport, "", "failed to write to helper", err)
		}
		wantsResult = c.HasResult
	}

	if !wantsResult {
		return nil, nil
	}

	el, err := b.readOneElement(stdout)
	if err != nil {
		return nil, err
	}
	return []codec.AsciiElement{*el}, nil
}

// readOneElement pulls bytes off r until the ASCII decoder yields a
// complete element, one read at a time since the helper may write in
// arbitrarily small chunks.
func (b *Broker) readOneElement(r io.Reader) (*codec.AsciiElement, error) {
	var dec codec.AsciiDecoder
	buf := make([]byte, 256)
	for {
		el, ok, err := dec.Next()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindProtocol, "", "malformed helper reply", err)
		}
		if ok {
			return el, nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransport, "", "helper closed stdout before replying", err)
		}
	}
}

// failAll fails every queued and in-flight transaction with err,
// invoking Run(reason=Error) on each so they can clean up, per §4.4
// "On helper completion or error".
func (b *Broker) failAll(err error) {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	cur := b.current
	b.current = nil
	b.state = StateIdle
	b.mu.Unlock()

	if cur != nil && cur.Run != nil {
		cur.Run(ReasonError, nil, err)
	}
	for _, tx := range queue {
		if tx.Run != nil {
			tx.Run(ReasonError, nil, err)
		}
	}
}

// restart kills and respawns the helper sub-process after an
// in-flight cancellation, then resumes draining the queue. reason
// explains the restart for the log line; the in-flight transaction
// fails on its own runNext goroutine once the pipes closed here break
// its pending read or write.
func (b *Broker) restart(reason error) {
	helperLog := logging.Component("helperproc")
	helperLog.Info().Err(reason).Msg("restarting crypto helper")

	b.mu.Lock()
	b.state = StateDraining
	b.restartCount++
	cmd, stdin, stdout := b.cmd, b.stdin, b.stdout
	b.cmd, b.stdin, b.stdout = nil, nil, nil
	b.mu.Unlock()

	closeHelperPipes(stdin, stdout)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}

	b.mu.Lock()
	b.state = StateIdle
	b.mu.Unlock()

	go b.connectAndRun()
}

// Stop terminates the helper sub-process and fails any pending work.
func (b *Broker) Stop() {
	b.mu.Lock()
	cmd, stdin, stdout := b.cmd, b.stdin, b.stdout
	b.cmd, b.stdin, b.stdout = nil, nil, nil
	b.mu.Unlock()

	b.failAll(apperrors.New(apperrors.KindInterrupted, "", "helper broker stopping"))
	closeHelperPipes(stdin, stdout)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
}

func closeHelperPipes(stdin io.WriteCloser, stdout io.ReadCloser) {
	if stdin != nil {
		_ = stdin.Close()
	}
	if stdout != nil {
		_ = stdout.Close()
	}
}
