package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexusdb/nexus/internal/apierr"
)

// ApplySchema idempotently bumps the schema version: if the proposed
// schema's content hash matches what's already applied, this is a
// no-op returning the existing version and hash.
func (s *Store) ApplySchema(ctx context.Context, schema Schema) (int, string, error) {
	hash := schema.ContentHash()

	_, currentVersion, currentHash := s.registry.current()
	if currentHash == hash {
		return currentVersion, currentHash, nil
	}

	nextVersion := currentVersion + 1
	schema.Version = nextVersion

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, "", apierr.Newf(apierr.CodeStorageFailure, "begin schema transaction: %s", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for table, ts := range schema.Tables {
		if err := ensureTable(ctx, tx, table, ts); err != nil {
			return 0, "", err
		}
	}

	if err := persistSchema(ctx, tx, &schema, hash); err != nil {
		return 0, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", apierr.Newf(apierr.CodeStorageFailure, "commit schema transaction: %s", err)
	}

	s.registry.set(&schema, nextVersion, hash)
	return nextVersion, hash, nil
}

// ApplyMigration asserts plan.FromVersion matches the currently
// applied version (and, if supplied, plan.ExpectedHash matches the
// currently applied hash), then executes every op atomically and
// bumps the version by exactly one.
func (s *Store) ApplyMigration(ctx context.Context, plan MigrationPlan) (int, string, error) {
	currentSchema, currentVersion, currentHash := s.registry.current()
	if plan.FromVersion != currentVersion {
		return 0, "", apierr.Newf(apierr.CodeVersionConflict,
			"migration expects version %d, current version is %d", plan.FromVersion, currentVersion)
	}
	if plan.ExpectedHash != "" && plan.ExpectedHash != currentHash {
		return 0, "", apierr.New(apierr.CodeSchemaHashMismatch, "migration's expected_hash does not match the applied schema")
	}

	next := cloneSchema(currentSchema)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, "", apierr.Newf(apierr.CodeStorageFailure, "begin migration transaction: %s", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, op := range plan.Ops {
		if err := applyOp(ctx, tx, next, op); err != nil {
			return 0, "", err
		}
	}

	nextVersion := currentVersion + 1
	next.Version = nextVersion
	hash := next.ContentHash()

	if err := persistSchema(ctx, tx, next, hash); err != nil {
		return 0, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", apierr.Newf(apierr.CodeStorageFailure, "commit migration transaction: %s", err)
	}

	s.registry.set(next, nextVersion, hash)
	return nextVersion, hash, nil
}

func cloneSchema(s *Schema) *Schema {
	out := &Schema{Tables: make(map[string]*TableSchema, len(s.Tables)), Version: s.Version}
	for name, ts := range s.Tables {
		fields := make(map[string]*FieldDef, len(ts.Fields))
		for fn, fd := range ts.Fields {
			fields[fn] = fd
		}
		indexes := make([]IndexDef, len(ts.Indexes))
		copy(indexes, ts.Indexes)
		out.Tables[name] = &TableSchema{Fields: fields, Indexes: indexes}
	}
	return out
}

func applyOp(ctx context.Context, tx pgx.Tx, schema *Schema, op MigrationOp) error {
	if isReservedTable(op.Table) {
		return apierr.Newf(apierr.CodeReservedTable, "table %q is reserved", op.Table)
	}
	if !validIdentifier(op.Table) {
		return apierr.Newf(apierr.CodeInvalidIdentifier, "invalid table name %q", op.Table)
	}

	switch op.Kind {
	case "createTable":
		if _, exists := schema.Tables[op.Table]; exists {
			return apierr.Newf(apierr.CodeSchemaViolation, "table %q already exists", op.Table)
		}
		ts := &TableSchema{Fields: map[string]*FieldDef{}}
		if err := ensureTable(ctx, tx, op.Table, ts); err != nil {
			return err
		}
		schema.Tables[op.Table] = ts

	case "dropTable":
		if _, exists := schema.Tables[op.Table]; !exists {
			return apierr.Newf(apierr.CodeNotFound, "table %q does not exist", op.Table)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(op.Table))); err != nil {
			return apierr.Newf(apierr.CodeStorageFailure, "drop table %q: %s", op.Table, err)
		}
		delete(schema.Tables, op.Table)

	case "addColumn":
		ts, exists := schema.Tables[op.Table]
		if !exists {
			return apierr.Newf(apierr.CodeNotFound, "table %q does not exist", op.Table)
		}
		if op.Column == "" || op.Def == nil {
			return apierr.New(apierr.CodeSchemaViolation, "addColumn requires column and def")
		}
		if !validIdentifier(op.Column) {
			return apierr.Newf(apierr.CodeInvalidIdentifier, "invalid column name %q", op.Column)
		}
		ts.Fields[op.Column] = op.Def

	case "dropColumn":
		ts, exists := schema.Tables[op.Table]
		if !exists {
			return apierr.Newf(apierr.CodeNotFound, "table %q does not exist", op.Table)
		}
		delete(ts.Fields, op.Column)

	case "createIndex":
		ts, exists := schema.Tables[op.Table]
		if !exists {
			return apierr.Newf(apierr.CodeNotFound, "table %q does not exist", op.Table)
		}
		if op.Index == nil {
			return apierr.New(apierr.CodeSchemaViolation, "createIndex requires index")
		}
		if err := createIndex(ctx, tx, op.Table, *op.Index); err != nil {
			return err
		}
		ts.Indexes = append(ts.Indexes, *op.Index)

	case "dropIndex":
		ts, exists := schema.Tables[op.Table]
		if !exists {
			return apierr.Newf(apierr.CodeNotFound, "table %q does not exist", op.Table)
		}
		if op.Index == nil {
			return apierr.New(apierr.CodeSchemaViolation, "dropIndex requires index")
		}
		// Implementations must not fail if the index does not exist.
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdentifier(op.Index.Name))); err != nil {
			return apierr.Newf(apierr.CodeStorageFailure, "drop index %q: %s", op.Index.Name, err)
		}
		filtered := ts.Indexes[:0]
		for _, idx := range ts.Indexes {
			if idx.Name != op.Index.Name {
				filtered = append(filtered, idx)
			}
		}
		ts.Indexes = filtered

	default:
		return apierr.Newf(apierr.CodeSchemaViolation, "unknown migration op %q", op.Kind)
	}
	return nil
}

func ensureTable(ctx context.Context, tx pgx.Tx, table string, ts *TableSchema) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		creation_time BIGINT NOT NULL,
		data TEXT NOT NULL
	)`, quoteIdentifier(table))
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "create table %q: %s", table, err)
	}
	for _, idx := range ts.Indexes {
		if err := createIndex(ctx, tx, table, idx); err != nil {
			return err
		}
	}
	return nil
}

func createIndex(ctx context.Context, tx pgx.Tx, table string, idx IndexDef) error {
	exprs := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		if isSystemField(f) {
			exprs[i] = quoteIdentifier(systemColumn(f))
		} else {
			exprs[i] = fmt.Sprintf("(data::jsonb->>%s)", quoteLiteral(f))
		}
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, quoteIdentifier(idx.Name), quoteIdentifier(table), joinComma(exprs))
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "create index %q: %s", idx.Name, err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func persistSchema(ctx context.Context, tx pgx.Tx, schema *Schema, hash string) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return apierr.Newf(apierr.CodeInternal, "marshal schema: %s", err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(ctx,
		`INSERT INTO _schema_versions (version, applied_at, schema_hash) VALUES ($1, $2, $3)`,
		schema.Version, now, hash); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "record schema version: %s", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO _metadata (key, value) VALUES ('schema', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		string(raw)); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "persist schema metadata: %s", err)
	}

	names := make([]string, 0, len(schema.Tables))
	for name := range schema.Tables {
		names = append(names, name)
	}
	tableList, err := json.Marshal(names)
	if err != nil {
		return apierr.Newf(apierr.CodeInternal, "marshal table list: %s", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO _metadata (key, value) VALUES ('tables', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		string(tableList)); err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "persist table list: %s", err)
	}

	return nil
}
