package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nexusdb/nexus/internal/apierr"
)

// FieldKind enumerates the closed set of field shapes a schema can
// declare (string, float64, int64, bool, null, bytes, id(table),
// array, object, union, literal). A flat descriptor plus a single
// recursive evaluator replaces a validator inheritance hierarchy.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindFloat64 FieldKind = "float64"
	KindInt64   FieldKind = "int64"
	KindBool    FieldKind = "bool"
	KindNull    FieldKind = "null"
	KindBytes   FieldKind = "bytes"
	KindID      FieldKind = "id"
	KindArray   FieldKind = "array"
	KindObject  FieldKind = "object"
	KindUnion   FieldKind = "union"
	KindLiteral FieldKind = "literal"
)

// FieldDef describes one field's type constraint. Only the members
// relevant to Kind are consulted.
type FieldDef struct {
	Kind     FieldKind           `json:"kind"`
	Optional bool                `json:"optional,omitempty"`
	Nullable bool                `json:"nullable,omitempty"`
	RefTable string              `json:"refTable,omitempty"` // KindID
	Of       *FieldDef           `json:"of,omitempty"`       // KindArray
	Shape    map[string]*FieldDef `json:"shape,omitempty"`   // KindObject
	Variants []*FieldDef         `json:"variants,omitempty"` // KindUnion
	Literal  any                 `json:"literal,omitempty"`  // KindLiteral
}

// IndexDef names a secondary index declared on a table.
type IndexDef struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// TableSchema is one table's field definitions and declared indexes.
type TableSchema struct {
	Fields  map[string]*FieldDef `json:"fields"`
	Indexes []IndexDef           `json:"indexes"`
}

// Schema is the full set of table schemas applied at a given version.
type Schema struct {
	Tables  map[string]*TableSchema `json:"tables"`
	Version int                     `json:"version"`
}

// ContentHash returns a stable hex-encoded SHA-256 over the schema's
// canonical JSON form (map keys sorted), used to detect identical
// apply_schema calls and to guard apply_migration's expected_hash.
func (s *Schema) ContentHash() string {
	canon := canonicalize(s.Tables)
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) any {
	switch x := v.(type) {
	case map[string]*TableSchema:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, []any{k, canonicalize(x[k])})
		}
		return out
	case *TableSchema:
		return map[string]any{
			"fields":  canonicalize(x.Fields),
			"indexes": x.Indexes,
		}
	case map[string]*FieldDef:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, []any{k, x[k]})
		}
		return out
	default:
		return v
	}
}

// ValidateDocument walks doc against schema's fields, recursing into
// nested object/array/union shapes. System fields (id, creation_time)
// are not part of the user schema and must be excluded by callers.
func ValidateDocument(schema *TableSchema, doc map[string]any) error {
	if schema == nil {
		return nil
	}
	for name, def := range schema.Fields {
		v, present := doc[name]
		if !present {
			if !def.Optional {
				return apierr.Newf(apierr.CodeSchemaViolation, "field %q is required", name)
			}
			continue
		}
		if err := validateField(def, v); err != nil {
			return apierr.Newf(apierr.CodeSchemaViolation, "field %q: %s", name, unwrapMsg(err))
		}
	}
	for name := range doc {
		if _, declared := schema.Fields[name]; !declared {
			return apierr.Newf(apierr.CodeSchemaViolation, "field %q is not declared in the table schema", name)
		}
	}
	return nil
}

func unwrapMsg(err error) string {
	if e, ok := err.(*apierr.Error); ok {
		return e.Message
	}
	return err.Error()
}

func validateField(def *FieldDef, v any) error {
	if v == nil {
		if def.Nullable || def.Kind == KindNull {
			return nil
		}
		return apierr.New(apierr.CodeSchemaViolation, "null not permitted")
	}
	switch def.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected string, got %T", v)
		}
	case KindFloat64:
		if _, ok := v.(float64); !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected float64, got %T", v)
		}
	case KindInt64:
		if _, ok := v.(TaggedInt64); !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected int64, got %T", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected bool, got %T", v)
		}
	case KindBytes:
		if _, ok := v.(TaggedBytes); !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected bytes, got %T", v)
		}
	case KindNull:
		return apierr.New(apierr.CodeSchemaViolation, "expected null")
	case KindID:
		s, ok := v.(string)
		if !ok || !ValidID(s) {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected id(%s)", def.RefTable)
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected array, got %T", v)
		}
		for i, e := range arr {
			if err := validateField(def.Of, e); err != nil {
				return apierr.Newf(apierr.CodeSchemaViolation, "element %d: %s", i, unwrapMsg(err))
			}
		}
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected object, got %T", v)
		}
		for k, fd := range def.Shape {
			fv, present := obj[k]
			if !present {
				if !fd.Optional {
					return apierr.Newf(apierr.CodeSchemaViolation, "missing field %q", k)
				}
				continue
			}
			if err := validateField(fd, fv); err != nil {
				return apierr.Newf(apierr.CodeSchemaViolation, "field %q: %s", k, unwrapMsg(err))
			}
		}
		for k := range obj {
			if _, declared := def.Shape[k]; !declared {
				return apierr.Newf(apierr.CodeSchemaViolation, "undeclared nested field %q", k)
			}
		}
	case KindUnion:
		var lastErr error
		for _, variant := range def.Variants {
			if err := validateField(variant, v); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = apierr.New(apierr.CodeSchemaViolation, "union has no variants")
		}
		return lastErr
	case KindLiteral:
		if !literalEqual(def.Literal, v) {
			return apierr.Newf(apierr.CodeSchemaViolation, "expected literal %v", def.Literal)
		}
	default:
		return apierr.Newf(apierr.CodeSchemaViolation, "unknown field kind %q", def.Kind)
	}
	return nil
}

func literalEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// schemaRegistry holds the currently applied schema and version in
// memory, mirroring what's persisted in _schema_versions and
// _metadata so hot-path reads/writes never round-trip to storage just
// to validate a document.
type schemaRegistry struct {
	mu      sync.RWMutex
	schema  *Schema
	version int
	hash    string
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{schema: &Schema{Tables: map[string]*TableSchema{}}}
}

func (r *schemaRegistry) current() (*Schema, int, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema, r.version, r.hash
}

func (r *schemaRegistry) set(s *Schema, version int, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = s
	r.version = version
	r.hash = hash
}

func (r *schemaRegistry) table(name string) *TableSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema.Tables[name]
}

// MigrationOp is one step of an apply_migration plan.
type MigrationOp struct {
	Kind   string    `json:"kind"` // addColumn, dropColumn, createTable, dropTable, createIndex, dropIndex
	Table  string    `json:"table"`
	Column string    `json:"column,omitempty"`
	Def    *FieldDef `json:"def,omitempty"`
	Index  *IndexDef `json:"index,omitempty"`
}

// MigrationPlan is the apply_migration request body.
type MigrationPlan struct {
	FromVersion  int           `json:"from"`
	ToVersion    int           `json:"to"`
	ExpectedHash string        `json:"expectedHash,omitempty"`
	Ops          []MigrationOp `json:"ops"`
	Result       Schema        `json:"result"`
}

func isReservedTable(name string) bool {
	if name == "" {
		return true
	}
	if name[0] == '_' {
		return true
	}
	switch name {
	case "_documents", "_schema_versions", "_metadata":
		return true
	}
	return false
}

var identPattern = func() func(string) bool {
	return func(s string) bool {
		if s == "" {
			return false
		}
		for i, r := range s {
			isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
			isDigit := r >= '0' && r <= '9'
			if i == 0 && !isLetter {
				return false
			}
			if i > 0 && !isLetter && !isDigit {
				return false
			}
		}
		return true
	}
}()

func validIdentifier(name string) bool {
	return identPattern(name)
}

func quoteIdentifier(name string) string {
	return fmt.Sprintf("%q", name)
}

func unmarshalSchema(raw []byte, out *Schema) error {
	if len(raw) == 0 {
		out.Tables = map[string]*TableSchema{}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Newf(apierr.CodeInternal, "corrupt stored schema: %s", err)
	}
	if out.Tables == nil {
		out.Tables = map[string]*TableSchema{}
	}
	return nil
}
