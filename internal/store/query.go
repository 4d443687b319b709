package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/nexusdb/nexus/internal/apierr"
)

// FilterOp is the closed comparison operator set query translation
// accepts. Anything outside this set is an InvalidFilter.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
)

var sqlOp = map[FilterOp]string{
	OpEq: "=", OpNeq: "!=", OpLt: "<", OpLte: "<=", OpGt: ">", OpGte: ">=",
}

// Filter is one leaf comparison: field op value.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// FilterNode is either a leaf Filter or an and/or tree of children.
// Exactly one of Filter or (Conn, Children) is populated.
type FilterNode struct {
	Filter   *Filter
	Conn     string // "and" | "or"
	Children []FilterNode
}

// OrderBy names the sort field and direction. Empty Field defaults to
// creation_time ascending per rule 5.
type OrderBy struct {
	Field string
	Desc  bool
}

// Query is one query(table, ...) call's fully-specified arguments.
type Query struct {
	Table   string
	Filters []Filter
	Tree    *FilterNode
	Order   *OrderBy
	Limit   *int
	Index   string // hint only, never required to exist
}

const systemIDColumn = "id"
const systemCreationTimeColumn = "creation_time"

func isSystemField(field string) bool {
	return field == "_id" || field == "id" || field == "creation_time" || field == "_creationTime"
}

func systemColumn(field string) string {
	switch field {
	case "_id", "id":
		return systemIDColumn
	case "creation_time", "_creationTime":
		return systemCreationTimeColumn
	}
	return ""
}

// compiledQuery is the translated statement fragment: a WHERE clause,
// its positional parameters, an ORDER BY clause, and an optional
// LIMIT — composed into a full SELECT by the caller.
type compiledQuery struct {
	where string
	args  []any
	order string
	limit *int
	index string
}

// translateQuery compiles a filter tree, ordering, and limit into the
// WHERE/ORDER BY/LIMIT clauses of a single parameterized SELECT.
func translateQuery(q Query) (*compiledQuery, error) {
	if !validIdentifier(q.Table) {
		return nil, apierr.Newf(apierr.CodeInvalidIdentifier, "invalid table name %q", q.Table)
	}

	args := make([]any, 0, len(q.Filters)+4)
	clauses := make([]string, 0, len(q.Filters)+1)

	for _, f := range q.Filters {
		clause, err := compileFilter(f, &args)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}

	if q.Tree != nil {
		clause, err := compileNode(*q.Tree, &args)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}

	where := "TRUE"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}

	order := fmt.Sprintf("%s ASC", quoteIdentifier(systemCreationTimeColumn))
	if q.Order != nil {
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		field := q.Order.Field
		if field == "" || isSystemField(field) {
			col := systemCreationTimeColumn
			if field != "" {
				col = systemColumn(field)
			}
			order = fmt.Sprintf("%s %s", quoteIdentifier(col), dir)
		} else {
			if !validIdentifier(field) {
				return nil, apierr.Newf(apierr.CodeInvalidIdentifier, "invalid order field %q", field)
			}
			order = fmt.Sprintf("(data::jsonb->>%s) %s", quoteLiteral(field), dir)
		}
	}

	if q.Limit != nil && *q.Limit < 0 {
		return nil, apierr.New(apierr.CodeInvalidFilter, "limit must be >= 0")
	}

	return &compiledQuery{where: where, args: args, order: order, limit: q.Limit, index: q.Index}, nil
}

func compileNode(n FilterNode, args *[]any) (string, error) {
	if n.Filter != nil {
		return compileFilter(*n.Filter, args)
	}
	conn := strings.ToUpper(n.Conn)
	if conn != "AND" && conn != "OR" {
		return "", apierr.Newf(apierr.CodeInvalidFilter, "unknown logical connective %q", n.Conn)
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		s, err := compileNode(c, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(parts, " "+conn+" ") + ")", nil
}

func compileFilter(f Filter, args *[]any) (string, error) {
	if err := rejectNonFinite(f.Value); err != nil {
		return "", err
	}

	op, ok := sqlOp[f.Op]
	if !ok {
		return "", apierr.Newf(apierr.CodeInvalidFilter, "unsupported operator %q", f.Op)
	}

	var column string
	var isJSON bool
	if isSystemField(f.Field) {
		column = quoteIdentifier(systemColumn(f.Field))
	} else {
		if !validIdentifier(f.Field) {
			return "", apierr.Newf(apierr.CodeInvalidIdentifier, "invalid filter field %q", f.Field)
		}
		column = fmt.Sprintf("(data::jsonb->>%s)", quoteLiteral(f.Field))
		isJSON = true
	}

	if f.Value == nil {
		switch f.Op {
		case OpEq:
			return fmt.Sprintf("%s IS NULL", column), nil
		case OpNeq:
			return fmt.Sprintf("%s IS NOT NULL", column), nil
		default:
			// Other operators against null follow SQL three-valued
			// logic: the comparison is unknown, never true.
			return "FALSE", nil
		}
	}

	lit, err := valueToJSONText(f.Value)
	if err != nil {
		return "", err
	}
	*args = append(*args, lit)
	placeholder := fmt.Sprintf("$%d", len(*args))

	if isJSON {
		if f.Op != OpEq && f.Op != OpNeq {
			// Range operators compare jsonb values, which order
			// numbers numerically rather than as text.
			return fmt.Sprintf("(data::jsonb->%s) %s %s::jsonb", quoteLiteral(f.Field), op, placeholder), nil
		}
		// Equality compares the JSON-path extracted text against the
		// literal's JSON text form, stripped of surrounding quotes for
		// scalars.
		return fmt.Sprintf("%s %s (%s::jsonb #>> '{}')", column, op, placeholder), nil
	}
	return fmt.Sprintf("%s %s %s", column, op, placeholder), nil
}

func rejectNonFinite(v any) error {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return apierr.New(apierr.CodeInvalidFilter, "NaN and +-Inf are not valid filter values")
		}
	case []any:
		for _, e := range x {
			if err := rejectNonFinite(e); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, e := range x {
			if err := rejectNonFinite(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// valueToJSONText serializes a filter literal as JSON text so
// booleans/arrays/objects compare structurally rather than through
// Go's driver-level type coercion.
func valueToJSONText(v any) (string, error) {
	wire, err := toWire(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", apierr.Newf(apierr.CodeInvalidFilter, "unserializable filter value: %s", err)
	}
	return string(b), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
