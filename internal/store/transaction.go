package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/observability"
)

// Tx is the handle passed to a transaction(fn) callback. It exposes
// the same document operations as Store, scoped to the enclosing
// Postgres transaction, plus a record of which tables were touched so
// the owning Transaction call can publish invalidation once, on
// commit, never during a rollback.
type Tx struct {
	store   *Store
	pgtx    pgx.Tx
	touched map[string]map[string]struct{} // table -> changed ids
}

func (t *Tx) markTouched(table, id string) {
	if t.touched == nil {
		t.touched = map[string]map[string]struct{}{}
	}
	ids, ok := t.touched[table]
	if !ok {
		ids = map[string]struct{}{}
		t.touched[table] = ids
	}
	ids[id] = struct{}{}
}

// Transaction runs fn inside a single Postgres transaction. Calls do
// not nest: Tx has no Transaction method, and calling Store.Transaction
// from inside fn begins a second, independent transaction that commits
// on its own. An error from fn rolls the transaction back.
// Invalidation is published exactly once per distinct table, only
// after a successful commit.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if s.tracer != nil {
		spanCtx, span := observability.StartTransactionSpan(ctx)
		defer span.End()
		ctx = spanCtx
	}

	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "begin transaction: %s", err)
	}

	tx := &Tx{store: s, pgtx: pgtx}

	if err := fn(tx); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "commit transaction: %s", err)
	}

	if s.onCommit != nil {
		for table, ids := range tx.touched {
			changed := make([]string, 0, len(ids))
			for id := range ids {
				changed = append(changed, id)
			}
			s.onCommit(table, changed)
		}
	}
	return nil
}
