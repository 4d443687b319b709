// Package sync implements conflict detection and resolution between a
// client's locally-applied change and the change actually committed on
// the server for the same document.
package sync

// ChangeKind is the kind of mutation a Change represents.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one side of a conflict: either what the client believes it
// applied locally, or what the server actually committed.
type Change struct {
	ChangeID   string
	DocumentID string
	Table      string
	Kind       ChangeKind
	Fields     map[string]any
	BaseFields map[string]any
	Version    int64
	Timestamp  int64
}

// ConflictKind classifies a (local, server) change pair.
type ConflictKind string

const (
	ConflictNone          ConflictKind = "none"
	ConflictDeleteUpdate  ConflictKind = "delete-update"
	ConflictUpdateDelete  ConflictKind = "update-delete"
	ConflictFieldConflict ConflictKind = "field-conflict"
)

// Conflict records the outcome of Detect: the two changes, how they
// conflict (if at all), and enough context for a resolver to act.
type Conflict struct {
	ConflictID string
	Local      Change
	Server     Change
	Kind       ConflictKind
	FieldDiff  []string // field names present and differing in both Fields maps
	VersionGap int64    // server.Version - local.Version
	Stale      bool     // true when VersionGap > 1: client missed an intervening update
}

// Resolved is the outcome of applying a resolution strategy: the
// fields and version a resolver decided should now be authoritative.
type Resolved struct {
	Fields  map[string]any
	Version int64
	Deleted bool
}
