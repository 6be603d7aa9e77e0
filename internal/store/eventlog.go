package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/ids"
)

const (
	directionInbound  = "in"
	directionOutbound = "out"
)

// AppendInbound implements workspace.EventLog: insert payload as the
// next sequence number for ws's inbound log, within the current
// long-running transaction.
func (f *Facade) AppendInbound(ws ids.WorkspaceID, payload []byte) (uint64, error) {
	seq, _, err := f.append(ws, directionInbound, payload)
	return seq, err
}

// AppendOutbound records a locally-originated event awaiting delivery
// to the server, mirroring the inbound log's shape (§6 "two
// per-workspace tables: inbound and outbound"). Every outbound event
// gets a random uuid at append time, independent of its sequence
// number, so a client can confirm its own optimistic local copy is
// still the one the log holds via CheckEventUUID even after a
// crash-recovery renumbering.
func (f *Facade) AppendOutbound(ws ids.WorkspaceID, payload []byte) (uint64, string, error) {
	return f.append(ws, directionOutbound, payload)
}

func (f *Facade) append(ws ids.WorkspaceID, direction string, payload []byte) (uint64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq, err := f.nextSeqLocked(ws, direction)
	if err != nil {
		return 0, "", err
	}
	id := uuid.New().String()
	_, err = f.tx.Exec(
		`INSERT INTO events (workspace_id, seq, direction, uuid, payload, processed, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		uint64(ws), seq, direction, id, payload, nowUnix(),
	)
	if err != nil {
		return 0, "", apperrors.Wrap(apperrors.KindInternal, "", "failed to append event", err)
	}
	return seq, id, nil
}

// nextSeqLocked allocates the next per-(workspace, direction) sequence
// number, caching the high-water mark in memory so each append isn't
// a round trip to MAX(seq).
func (f *Facade) nextSeqLocked(ws ids.WorkspaceID, direction string) (uint64, error) {
	key := seqKey{ws: ws, direction: direction}
	if n, ok := f.nextSeq[key]; ok {
		f.nextSeq[key] = n + 1
		return n + 1, nil
	}
	var maxSeq sql.NullInt64
	err := f.tx.QueryRow(
		`SELECT MAX(seq) FROM events WHERE workspace_id = ? AND direction = ?`, uint64(ws), direction,
	).Scan(&maxSeq)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "", "failed to read max sequence", err)
	}
	next := uint64(maxSeq.Int64) + 1
	f.nextSeq[key] = next
	return next, nil
}

// MarkProcessed implements workspace.EventLog: flag eventID processed
// so it no longer surfaces from FirstUnprocessed.
func (f *Facade) MarkProcessed(ws ids.WorkspaceID, eventID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.tx.Exec(
		`UPDATE events SET processed = 1 WHERE workspace_id = ? AND direction = ? AND seq = ?`,
		uint64(ws), directionInbound, eventID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to mark event processed", err)
	}
	return nil
}

// FirstUnprocessed implements workspace.EventLog: the oldest
// not-yet-processed inbound event for ws, draining strictly in
// sequence order (§3 event log invariants).
func (f *Facade) FirstUnprocessed(ws ids.WorkspaceID) (uint64, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var seq uint64
	var payload []byte
	err := f.tx.QueryRow(
		`SELECT seq, payload FROM events WHERE workspace_id = ? AND direction = ? AND processed = 0 ORDER BY seq ASC LIMIT 1`,
		uint64(ws), directionInbound,
	).Scan(&seq, &payload)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, apperrors.Wrap(apperrors.KindInternal, "", "failed to read first unprocessed event", err)
	}
	return seq, payload, true, nil
}

// UnprocessedCount implements workspace.EventLog, feeding the broker's
// quench computation via the manager's inbound backlog tally (§4.3).
func (f *Facade) UnprocessedCount(ws ids.WorkspaceID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	err := f.tx.QueryRow(
		`SELECT COUNT(*) FROM events WHERE workspace_id = ? AND direction = ? AND processed = 0`,
		uint64(ws), directionInbound,
	).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "", "failed to count unprocessed events", err)
	}
	return n, nil
}

// DeleteWorkspace implements workspace.EventLog: the bulk delete used
// by Rebuild's FlushLocalData and by final workspace removal.
func (f *Facade) DeleteWorkspace(ws ids.WorkspaceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.tx.Exec(`DELETE FROM events WHERE workspace_id = ?`, uint64(ws)); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to delete workspace event log", err)
	}
	delete(f.nextSeq, seqKey{ws: ws, direction: directionInbound})
	delete(f.nextSeq, seqKey{ws: ws, direction: directionOutbound})
	return nil
}

// FetchLast returns the most recently appended inbound event for ws.
// No client command calls it.
func (f *Facade) FetchLast(ws ids.WorkspaceID) (uint64, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var seq uint64
	var payload []byte
	err := f.tx.QueryRow(
		`SELECT seq, payload FROM events WHERE workspace_id = ? AND direction = ? ORDER BY seq DESC LIMIT 1`,
		uint64(ws), directionInbound,
	).Scan(&seq, &payload)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, apperrors.Wrap(apperrors.KindInternal, "", "failed to read last event", err)
	}
	return seq, payload, true, nil
}

// FetchRange returns every inbound event for ws with seq in
// [from, to]. No client command calls it; FetchEvent goes through
// FetchSince.
func (f *Facade) FetchRange(ws ids.WorkspaceID, from, to uint64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.tx.Query(
		`SELECT payload FROM events WHERE workspace_id = ? AND direction = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		uint64(ws), directionInbound, from, to,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to read event range", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to scan event row", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// FetchSince returns up to limit inbound events for ws with seq
// strictly greater than sinceID, used by the FetchEvent client command
// (§4.7 "FetchEvent(id, since_id, limit)").
func (f *Facade) FetchSince(ws ids.WorkspaceID, sinceID uint64, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.tx.Query(
		`SELECT seq, payload FROM events WHERE workspace_id = ? AND direction = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		uint64(ws), directionInbound, sinceID, limit,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to read events since cursor", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Payload); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to scan event row", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CheckEventUUID reports whether eventID in ws's outbound log still
// carries uuid, for the FetchEvent/CheckEventUuid client command
// (§4.7): a client holding an optimistic local copy of an event it
// submitted confirms the copy still matches the persisted row without
// refetching the payload.
func (f *Facade) CheckEventUUID(ws ids.WorkspaceID, eventID uint64, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var got sql.NullString
	err := f.tx.QueryRow(
		`SELECT uuid FROM events WHERE workspace_id = ? AND direction = ? AND seq = ?`,
		uint64(ws), directionOutbound, eventID,
	).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "", "failed to read outbound event uuid", err)
	}
	return got.Valid && got.String == id, nil
}

// Event is one inbound event as surfaced to an external client:
// distinct from internal/workspace.Event, which additionally carries
// the namespace/type classification consumed only inside the
// coordination loop.
type Event struct {
	ID      uint64
	Payload []byte
}

// TrimProcessed deletes processed events created at least maxAge ago
// (in whole seconds, so maxAge 0 trims every processed event), the
// retention sweep internal/manager schedules via robfig/cron (§4.9
// domain-stack supplement: the spec names event-log/blob storage but
// not retention; bounding an append-only log's growth is an ambient
// requirement any long-running deployment needs).
func (f *Facade) TrimProcessed(ws ids.WorkspaceID, maxAge time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	_, err := f.tx.Exec(
		`DELETE FROM events WHERE workspace_id = ? AND processed = 1 AND created_at <= ?`,
		uint64(ws), cutoff,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to trim processed events", err)
	}
	return nil
}
