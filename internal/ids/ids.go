// Package ids defines the arena-addressed identifiers used to break
// the cyclic object graph between workspaces, servers, and in-flight
// server queries (design note: "Cyclic object graphs"). Entities refer
// to each other by these small comparable IDs, never by pointer; the
// owning arena (internal/manager, internal/serverconn) resolves an ID
// to its entity and is the only place a pointer/value lives.
package ids

import "fmt"

// WorkspaceID identifies a Workspace within the manager's workspace arena.
type WorkspaceID uint64

func (w WorkspaceID) String() string { return fmt.Sprintf("ws-%d", uint64(w)) }

// ServerID identifies a ServerHandle within the manager's server arena.
// Servers are keyed by (host, port) for lookup purposes but addressed
// internally by this allocated ID once created.
type ServerID uint64

func (s ServerID) String() string { return fmt.Sprintf("srv-%d", uint64(s)) }

// QueryID identifies a ServerQuery within a server's query_map. It is
// the wire-level msg_id correlating a command to its reply.
type QueryID uint64

func (q QueryID) String() string { return fmt.Sprintf("qry-%d", uint64(q)) }

// Allocator hands out monotonically increasing IDs of a given kind.
// Not safe for concurrent use without external locking; all arenas in
// this module are owned by the single coordination thread (§5).
type Allocator struct {
	next uint64
}

// Next returns the next ID value, starting at 1 (0 is reserved as "no ID").
func (a *Allocator) Next() uint64 {
	a.next++
	return a.next
}
