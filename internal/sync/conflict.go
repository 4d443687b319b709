package sync

import (
	"reflect"

	"github.com/google/uuid"
)

// Detect classifies the relationship between a client's local change
// and the server's committed change for the same document. It never
// fails: every (local, server) pair maps to exactly one ConflictKind,
// with ConflictNone meaning no resolution is required.
func Detect(local, server Change) *Conflict {
	gap := server.Version - local.Version
	c := &Conflict{
		ConflictID: uuid.NewString(),
		Local:      local,
		Server:     server,
		VersionGap: gap,
		Stale:      gap > 1,
	}

	switch {
	case local.Kind == ChangeDelete && server.Kind == ChangeDelete:
		c.Kind = ConflictNone
	case local.Kind == ChangeInsert && server.Kind == ChangeInsert:
		c.Kind = ConflictNone
	case local.Kind == ChangeDelete && server.Kind == ChangeUpdate:
		c.Kind = ConflictDeleteUpdate
	case local.Kind == ChangeUpdate && server.Kind == ChangeDelete:
		c.Kind = ConflictUpdateDelete
	default:
		diff := diffFields(local.Fields, server.Fields)
		if len(diff) == 0 {
			c.Kind = ConflictNone
		} else {
			c.Kind = ConflictFieldConflict
			c.FieldDiff = diff
		}
	}
	return c
}

// diffFields returns the names of fields present in both maps whose
// values differ under deep equality. Fields present in only one side
// are disjoint and do not contribute to a conflict — those are union-
// merged automatically by the caller.
func diffFields(local, server map[string]any) []string {
	var diff []string
	for field, lv := range local {
		sv, ok := server[field]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(lv, sv) {
			diff = append(diff, field)
		}
	}
	return diff
}

// unionFields merges two field sets where no key appears in both
// (or where it does, server wins as the tie-break — callers only
// invoke this once a conflict's FieldDiff is known to be empty, so
// overlapping keys here are always equal-valued).
func unionFields(local, server map[string]any) map[string]any {
	merged := make(map[string]any, len(local)+len(server))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range server {
		merged[k] = v
	}
	return merged
}
