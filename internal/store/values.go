package store

import (
	"math"
	"strconv"

	"github.com/nexusdb/nexus/internal/apierr"
)

// Document field values are drawn from a closed type set: string,
// float64, int64, bool, nil, bytes, id(table) references, arrays,
// objects, unions and literals. Go's dynamic map[string]any already
// models the recursive object/array/union shape; what needs explicit
// handling is the pair of types JSON cannot carry natively — int64
// and bytes — which round-trip through tagged wrapper objects in the
// serialized column, and the rejection of values JSON would otherwise
// happily accept (NaN, +-Inf, and anything not in the closed set).

const (
	tagKey       = "__type"
	tagBigInt    = "bigint"
	tagByteArray = "arraybuffer"
)

// TaggedInt64 is the in-memory representation of an int64 field. Using
// a distinct Go type (rather than a bare int64) lets validation and
// serialization tell "this field is an int64" apart from "this field
// is a float64 that happens to hold a whole number".
type TaggedInt64 int64

// TaggedBytes is the in-memory representation of an immutable byte
// sequence field.
type TaggedBytes []byte

// ValidateValue walks v recursively and rejects anything outside the
// closed type set: undefined (Go has no such value, so this covers
// NaN, +-Inf, and unsupported Go types like func/chan/complex).
func ValidateValue(v any) error {
	switch x := v.(type) {
	case nil, string, bool, TaggedInt64, TaggedBytes:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return apierr.New(apierr.CodeInvalidValue, "non-finite float values are not permitted")
		}
		return nil
	case int64:
		return apierr.New(apierr.CodeInvalidValue, "use store.TaggedInt64 to store 64-bit integers")
	case int:
		return apierr.New(apierr.CodeInvalidValue, "use store.TaggedInt64 to store integers")
	case []byte:
		return apierr.New(apierr.CodeInvalidValue, "use store.TaggedBytes to store byte sequences")
	case []any:
		for i, e := range x {
			if err := ValidateValue(e); err != nil {
				return apierr.Newf(apierr.CodeInvalidValue, "array element %d: %s", i, err.(*apierr.Error).Message)
			}
		}
		return nil
	case map[string]any:
		for k, e := range x {
			if err := ValidateValue(e); err != nil {
				return apierr.Newf(apierr.CodeInvalidValue, "field %q: %s", k, err.(*apierr.Error).Message)
			}
		}
		return nil
	default:
		return apierr.Newf(apierr.CodeInvalidValue, "unsupported value type %T", v)
	}
}

// MaxInt64 / MinInt64 bound TaggedInt64 at the full two's-complement
// range; values one past either end fail InvalidValue rather than
// silently wrapping.
const (
	MaxInt64 = int64(math.MaxInt64)
	MinInt64 = int64(math.MinInt64)
)

// toWire converts a validated in-memory value into its JSON-safe wire
// form, applying the tagged-wrapper encoding for int64 and bytes.
func toWire(v any) (any, error) {
	switch x := v.(type) {
	case TaggedInt64:
		return map[string]any{tagKey: tagBigInt, "value": strconv.FormatInt(int64(x), 10)}, nil
	case TaggedBytes:
		arr := make([]any, len(x))
		for i, b := range x {
			arr[i] = int(b)
		}
		return map[string]any{tagKey: tagByteArray, "value": arr}, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			w, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			w, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	default:
		return v, nil
	}
}

// fromWire restores tagged wrappers back into TaggedInt64/TaggedBytes
// after a document round-trips through the storage engine's JSON
// column.
func fromWire(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if tag, ok := x[tagKey]; ok {
			switch tag {
			case tagBigInt:
				s, _ := x["value"].(string)
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, apierr.Newf(apierr.CodeInvalidValue, "corrupt bigint wrapper: %s", err)
				}
				return TaggedInt64(n), nil
			case tagByteArray:
				arr, _ := x["value"].([]any)
				b := make([]byte, len(arr))
				for i, e := range arr {
					n, ok := byteValue(e)
					if !ok {
						return nil, apierr.Newf(apierr.CodeInvalidValue, "corrupt arraybuffer wrapper: element %d is not a byte", i)
					}
					b[i] = n
				}
				return TaggedBytes(b), nil
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			w, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			w, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	default:
		return v, nil
	}
}

// byteValue accepts the numeric shapes an arraybuffer element can take
// after round-tripping through JSON: float64 fresh off a json.Unmarshal,
// or int when toWire's own output is consumed in-process.
func byteValue(e any) (byte, bool) {
	var n float64
	switch v := e.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	default:
		return 0, false
	}
	if n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

// ParseTaggedInt64 validates the decimal string form of an int64
// field value and enforces the full two's-complement range boundary
// called out in the testable properties: ±2^63−1 survives, one past
// either end fails InvalidValue.
func ParseTaggedInt64(s string) (TaggedInt64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, apierr.Newf(apierr.CodeInvalidValue, "invalid int64 literal %q: %s", s, err)
	}
	return TaggedInt64(n), nil
}
