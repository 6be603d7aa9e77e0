package manager

import (
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/workspace"
)

// encodeWorkspaceSnapshot packs the serialization-relevant subset of a
// Workspace's state (§4.6 "serialize" pass step, §4.9 persistence
// facade) using the same Writer/Reader element scheme the event log
// record uses (internal/workspace/event.go), rather than a bespoke
// format per blob kind. The server endpoint is written in place of the
// arena-local Server id, which is not persisted, because a restart
// re-derives that id from scratch (§3 "Cyclic object graphs": ids.ServerID only means anything
// within the arena that issued it).
func encodeWorkspaceSnapshot(ws *workspace.Workspace, host string, port int) ([]byte, error) {
	w := &codec.Writer{}
	w.PutU64(uint64(ws.InternalID))
	w.PutString(host)
	w.PutU32(uint32(port))
	w.PutU64(ws.Credentials.ExternalKwsID)
	w.PutU64(ws.Credentials.UserID)
	w.PutBin(ws.Credentials.Ticket)
	w.PutBin(ws.Credentials.PasswordVerifier)
	w.PutU32(uint32(ws.MainStatus))
	w.PutU32(uint32(ws.CurrentTask))
	w.PutU32(uint32(ws.UserTask))
	w.PutU64(ws.PermanentRev)
	w.PutU64(ws.SerializationRev)
	return w.Bytes(), nil
}

// wmCoreKey is the blob name of the manager's own manifest (§6
// "serialization blob table keyed by logical name": wm_core alongside
// the per-workspace snapshot blobs).
const wmCoreKey = "wm_core"

// encodeManagerSnapshot packs the manager-level manifest: a format
// tag plus the snapshot key of every live workspace, so a restore can
// distinguish "no workspaces" from "snapshot blobs lost".
func encodeManagerSnapshot(m *Manager) []byte {
	w := &codec.Writer{}
	w.PutU32(1)
	w.PutU32(uint32(len(m.workspaces)))
	for id := range m.workspaces {
		w.PutString(snapshotKey(id))
	}
	return w.Bytes()
}

// workspaceSnapshot is the inverse of encodeWorkspaceSnapshot, used by
// RestoreWorkspaces to re-spawn every workspace persisted before the
// process last exited.
type workspaceSnapshot struct {
	InternalID       uint64
	Host             string
	Port             int
	ExternalKwsID    uint64
	UserID           uint64
	Ticket           []byte
	PasswordVerifier []byte
	MainStatus       uint32
	CurrentTask      uint32
	UserTask         uint32
	PermanentRev     uint64
}

func decodeWorkspaceSnapshot(data []byte) (*workspaceSnapshot, error) {
	r := codec.NewReader(data)
	s := &workspaceSnapshot{}
	var err error
	if s.InternalID, err = r.GetU64(); err != nil {
		return nil, err
	}
	if s.Host, err = r.GetString(); err != nil {
		return nil, err
	}
	var port uint32
	if port, err = r.GetU32(); err != nil {
		return nil, err
	}
	s.Port = int(port)
	if s.ExternalKwsID, err = r.GetU64(); err != nil {
		return nil, err
	}
	if s.UserID, err = r.GetU64(); err != nil {
		return nil, err
	}
	if s.Ticket, err = r.GetBin(); err != nil {
		return nil, err
	}
	if s.PasswordVerifier, err = r.GetBin(); err != nil {
		return nil, err
	}
	if s.MainStatus, err = r.GetU32(); err != nil {
		return nil, err
	}
	if s.CurrentTask, err = r.GetU32(); err != nil {
		return nil, err
	}
	if s.UserTask, err = r.GetU32(); err != nil {
		return nil, err
	}
	if s.PermanentRev, err = r.GetU64(); err != nil {
		return nil, err
	}
	return s, nil
}
