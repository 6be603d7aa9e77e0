// Package store implements the local persistence facade (§4.9): an
// append-only per-workspace event log plus a keyed blob table for
// serialized WM/workspace state, backed by an embedded SQLite database
// the way the teacher's own facade sits in front of Postgres —
// typed methods over `database/sql`, no ORM.
//
// A single long-running transaction spans the interval between two
// serializations (§4.9, §5 "Long-running transaction"): Open begins
// it, Checkpoint commits and immediately re-opens it, so a crash
// between two calls to Checkpoint reverts to the last committed
// snapshot rather than losing only the in-flight writes.
package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/logging"
)

// schemaVersion guards compatibility of the on-disk schema (§6
// "Persisted state... a schema-version row guards compatibility").
// Bumped to 2 when the outbound log grew a uuid column (§4.7
// CheckEventUuid needs a stable identity for locally-originated events
// independent of their sequence number).
const schemaVersion = 2

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS events (
	workspace_id INTEGER NOT NULL,
	seq          INTEGER NOT NULL,
	direction    TEXT NOT NULL CHECK (direction IN ('in', 'out')),
	uuid         TEXT,
	payload      BLOB NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, direction, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_unprocessed
	ON events (workspace_id, direction, processed, seq);

CREATE TABLE IF NOT EXISTS blobs (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Facade is the concrete local persistence facade. It satisfies
// internal/workspace.EventLog directly and internal/manager.Store via
// the additional blob and checkpoint methods.
type Facade struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.Mutex
	tx      *sql.Tx
	nextSeq map[seqKey]uint64
	cache   BlobCache // optional write-through accelerator, nil if unconfigured
}

// seqKey scopes the cached sequence high-water mark: the inbound and
// outbound logs number independently (§6 "two per-workspace tables").
type seqKey struct {
	ws        ids.WorkspaceID
	direction string
}

// Open creates (or reuses) a SQLite database at path, applies the
// schema, checks the schema-version row, and begins the first
// long-running transaction.
func Open(path string) (*Facade, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 + a single long-running write transaction: serialize all access

	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "", "failed to apply schema", err)
	}
	if err := checkSchemaVersion(db); err != nil {
		return nil, err
	}

	f := &Facade{
		db:      db,
		log:     logging.Component("store"),
		nextSeq: map[seqKey]uint64{},
	}
	if err := f.beginTx(); err != nil {
		return nil, err
	}
	return f, nil
}

// WithCache attaches an optional write-through blob cache (§4.9 domain
// stack: redis accelerator, disabled when nil).
func (f *Facade) WithCache(c BlobCache) *Facade {
	f.cache = c
	return f
}

func checkSchemaVersion(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to read schema_version", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "", "failed to seed schema_version", err)
		}
		return nil
	}
	var version int
	if err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to read schema_version", err)
	}
	if version != schemaVersion {
		return apperrors.New(apperrors.KindInternal, apperrors.CodeInvalidConfig, "unsupported store schema version")
	}
	return nil
}

func (f *Facade) beginTx() error {
	tx, err := f.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to begin long-running transaction", err)
	}
	f.tx = tx
	return nil
}

// Checkpoint commits the current long-running transaction and opens
// the next one, marking a new consistent-snapshot boundary (§4.9,
// §5). The manager calls this from its own serialization pass step.
func (f *Facade) Checkpoint() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "", "failed to commit serialization checkpoint", err)
	}
	return f.beginTx()
}

// Close commits the in-flight transaction and closes the database,
// for clean shutdown.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tx != nil {
		_ = f.tx.Commit()
	}
	return f.db.Close()
}

func nowUnix() int64 { return time.Now().Unix() }
