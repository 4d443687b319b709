package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/observability"
)

// instrument wraps a top-level Store operation with a store span and a
// latency/outcome metric, when a tracer/metrics recorder is attached.
func (s *Store) instrument(ctx context.Context, operation, table string, fn func(ctx context.Context) error) error {
	start := time.Now()

	if s.tracer != nil {
		spanCtx, span := observability.StartStoreSpan(ctx, operation, table)
		err := fn(spanCtx)
		observability.EndStoreSpan(span, err)
		if s.metrics != nil {
			s.metrics.RecordStoreQuery(operation, table, time.Since(start), err)
		}
		return err
	}

	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(operation, table, time.Since(start), err)
	}
	return err
}

// execer is the subset of *pgxpool.Pool and pgx.Tx that document
// operations need, so the same implementation runs standalone or
// inside an explicit Transaction callback.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var systemFieldNames = map[string]bool{"_id": true, "creation_time": true}

func stripSystemFields(fields map[string]any) (map[string]any, bool) {
	hasSystem := false
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if systemFieldNames[k] {
			hasSystem = true
			continue
		}
		out[k] = v
	}
	return out, hasSystem
}

// Insert validates and stores a new document, assigning its id and
// creation_time. The caller must never supply _id or creation_time.
func (s *Store) Insert(ctx context.Context, table string, fields map[string]any) (string, error) {
	var id string
	err := s.instrument(ctx, "insert", table, func(ctx context.Context) error {
		return s.Transaction(ctx, func(tx *Tx) error {
			var err error
			id, err = tx.Insert(ctx, table, fields)
			return err
		})
	})
	return id, err
}

// Insert is Store.Insert scoped to an in-flight transaction.
func (t *Tx) Insert(ctx context.Context, table string, fields map[string]any) (string, error) {
	return insertDocument(ctx, t.pgtx, t, table, fields)
}

func insertDocument(ctx context.Context, ex execer, t *Tx, table string, fields map[string]any) (string, error) {
	if isReservedTable(table) {
		return "", apierr.Newf(apierr.CodeReservedTable, "table %q is reserved", table)
	}
	if !validIdentifier(table) {
		return "", apierr.Newf(apierr.CodeInvalidIdentifier, "invalid table name %q", table)
	}

	clean, hadSystem := stripSystemFields(fields)
	if hadSystem {
		return "", apierr.New(apierr.CodeImmutableField, "id and creation_time are assigned by insert, not supplied")
	}

	if err := ValidateValue(clean); err != nil {
		return "", err
	}

	schema := t.store.registry.table(table)
	if err := ValidateDocument(schema, clean); err != nil {
		return "", err
	}

	wire, err := toWire(clean)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", apierr.Newf(apierr.CodeInvalidValue, "marshal document: %s", err)
	}

	id := NewDocumentID(table)
	now := time.Now().UnixMilli()

	if _, err := ex.Exec(ctx,
		quoteInsertSQL(table),
		id, now, string(data)); err != nil {
		return "", mapPgError(err)
	}
	if _, err := ex.Exec(ctx,
		`INSERT INTO _documents (id, "table", creation_time) VALUES ($1, $2, $3)`,
		id, table, now); err != nil {
		return "", mapPgError(err)
	}

	t.markTouched(table, id)
	return id, nil
}

func quoteInsertSQL(table string) string {
	return `INSERT INTO ` + quoteIdentifier(table) + ` (id, creation_time, data) VALUES ($1, $2, $3)`
}

// Get returns the document by id, or nil if it does not exist. A
// missing table is treated the same as a missing document: nil, no
// error.
func (s *Store) Get(ctx context.Context, table, id string) (map[string]any, error) {
	var doc map[string]any
	err := s.instrument(ctx, "get", table, func(ctx context.Context) error {
		var err error
		doc, err = getDocument(ctx, s.pool, table, id)
		return err
	})
	return doc, err
}

// Get is Store.Get scoped to an in-flight transaction.
func (t *Tx) Get(ctx context.Context, table, id string) (map[string]any, error) {
	return getDocument(ctx, t.pgtx, table, id)
}

func getDocument(ctx context.Context, ex execer, table, id string) (map[string]any, error) {
	if !validIdentifier(table) || !ValidID(id) {
		return nil, nil
	}

	var creationTime int64
	var data string
	row := ex.QueryRow(ctx, `SELECT creation_time, data FROM `+quoteIdentifier(table)+` WHERE id = $1`, id)
	if err := row.Scan(&creationTime, &data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, mapPgError(err)
	}

	doc, err := decodeDocument(id, creationTime, data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeDocument(id string, creationTime int64, data string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, apierr.Newf(apierr.CodeInternal, "corrupt document %s: %s", id, err)
	}
	restored, err := fromWire(fields)
	if err != nil {
		return nil, err
	}
	doc := restored.(map[string]any)
	doc["_id"] = id
	doc["creation_time"] = creationTime
	return doc, nil
}

// Patch merges non-system fields into the existing document.
func (s *Store) Patch(ctx context.Context, table, id string, fields map[string]any) error {
	return s.instrument(ctx, "patch", table, func(ctx context.Context) error {
		return s.Transaction(ctx, func(tx *Tx) error {
			return tx.Patch(ctx, table, id, fields)
		})
	})
}

// Patch is Store.Patch scoped to an in-flight transaction.
func (t *Tx) Patch(ctx context.Context, table, id string, fields map[string]any) error {
	return patchDocument(ctx, t.pgtx, t, table, id, fields)
}

func patchDocument(ctx context.Context, ex execer, t *Tx, table, id string, fields map[string]any) error {
	clean, hadSystem := stripSystemFields(fields)
	if hadSystem {
		return apierr.New(apierr.CodeImmutableField, "_id and creation_time cannot be patched")
	}
	if !validIdentifier(table) {
		return apierr.Newf(apierr.CodeInvalidIdentifier, "invalid table name %q", table)
	}

	existing, err := getDocument(ctx, ex, table, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apierr.Newf(apierr.CodeNotFound, "document %s not found in table %q", id, table)
	}
	delete(existing, "_id")
	delete(existing, "creation_time")

	for k, v := range clean {
		existing[k] = v
	}

	if err := ValidateValue(existing); err != nil {
		return err
	}
	schema := t.store.registry.table(table)
	if err := ValidateDocument(schema, existing); err != nil {
		return err
	}

	wire, err := toWire(existing)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return apierr.Newf(apierr.CodeInvalidValue, "marshal document: %s", err)
	}

	if _, err := ex.Exec(ctx, `UPDATE `+quoteIdentifier(table)+` SET data = $1 WHERE id = $2`, string(data), id); err != nil {
		return mapPgError(err)
	}

	t.markTouched(table, id)
	return nil
}

// Replace replaces non-system fields wholesale.
func (s *Store) Replace(ctx context.Context, table, id string, doc map[string]any) error {
	return s.instrument(ctx, "replace", table, func(ctx context.Context) error {
		return s.Transaction(ctx, func(tx *Tx) error {
			return tx.Replace(ctx, table, id, doc)
		})
	})
}

// Replace is Store.Replace scoped to an in-flight transaction.
func (t *Tx) Replace(ctx context.Context, table, id string, doc map[string]any) error {
	return replaceDocument(ctx, t.pgtx, t, table, id, doc)
}

func replaceDocument(ctx context.Context, ex execer, t *Tx, table, id string, doc map[string]any) error {
	clean, _ := stripSystemFields(doc)
	if !validIdentifier(table) {
		return apierr.Newf(apierr.CodeInvalidIdentifier, "invalid table name %q", table)
	}

	existing, err := getDocument(ctx, ex, table, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apierr.Newf(apierr.CodeNotFound, "document %s not found in table %q", id, table)
	}

	if err := ValidateValue(clean); err != nil {
		return err
	}
	schema := t.store.registry.table(table)
	if err := ValidateDocument(schema, clean); err != nil {
		return err
	}

	wire, err := toWire(clean)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return apierr.Newf(apierr.CodeInvalidValue, "marshal document: %s", err)
	}

	if _, err := ex.Exec(ctx, `UPDATE `+quoteIdentifier(table)+` SET data = $1 WHERE id = $2`, string(data), id); err != nil {
		return mapPgError(err)
	}

	t.markTouched(table, id)
	return nil
}

// Delete removes a document. It is idempotent: deleting a missing
// document silently no-ops.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.instrument(ctx, "delete", table, func(ctx context.Context) error {
		return s.Transaction(ctx, func(tx *Tx) error {
			return tx.Delete(ctx, table, id)
		})
	})
}

// Delete is Store.Delete scoped to an in-flight transaction.
func (t *Tx) Delete(ctx context.Context, table, id string) error {
	return deleteDocument(ctx, t.pgtx, t, table, id)
}

func deleteDocument(ctx context.Context, ex execer, t *Tx, table, id string) error {
	if !validIdentifier(table) || !ValidID(id) {
		return nil
	}
	tag, err := ex.Exec(ctx, `DELETE FROM `+quoteIdentifier(table)+` WHERE id = $1`, id)
	if err != nil {
		if isUndefinedTable(err) {
			return nil
		}
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := ex.Exec(ctx, `DELETE FROM _documents WHERE id = $1`, id); err != nil {
		return mapPgError(err)
	}
	t.markTouched(table, id)
	return nil
}

// Query runs a translated query against table and returns matching
// documents, newest-field-order preserved from storage.
func (s *Store) Query(ctx context.Context, q Query) ([]map[string]any, error) {
	var docs []map[string]any
	err := s.instrument(ctx, "query", q.Table, func(ctx context.Context) error {
		var err error
		docs, err = queryDocuments(ctx, s.pool, q)
		return err
	})
	return docs, err
}

// Query is Store.Query scoped to an in-flight transaction, for reads
// that must observe the transaction's own uncommitted writes.
func (t *Tx) Query(ctx context.Context, q Query) ([]map[string]any, error) {
	return queryDocuments(ctx, t.pgtx, q)
}

func queryDocuments(ctx context.Context, ex execer, q Query) ([]map[string]any, error) {
	compiled, err := translateQuery(q)
	if err != nil {
		return nil, err
	}

	sql := `SELECT id, creation_time, data FROM ` + quoteIdentifier(q.Table) +
		` WHERE ` + compiled.where + ` ORDER BY ` + compiled.order
	if compiled.limit != nil {
		sql += ` LIMIT ` + itoa(*compiled.limit)
	}

	rows, err := ex.Query(ctx, sql, compiled.args...)
	if err != nil {
		if isUndefinedTable(err) {
			return []map[string]any{}, nil
		}
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var id string
		var creationTime int64
		var data string
		if err := rows.Scan(&id, &creationTime, &data); err != nil {
			return nil, apierr.Newf(apierr.CodeStorageFailure, "scan query row: %s", err)
		}
		doc, err := decodeDocument(id, creationTime, data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
