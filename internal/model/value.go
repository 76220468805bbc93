package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	}
	return "invalid"
}

// Value is a dynamically shaped tag value: a JSON scalar or a list of
// scalars. The zero Value is null. Values travel between the codec, the
// store (as JSONB) and the API layer without losing their variant.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	list []Value
}

func Null() Value                { return Value{} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Uint(u uint64) Value        { return Value{kind: KindUint, u: u} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func List(items ...Value) Value  { return Value{kind: KindList, list: items} }
func ListOf(items []Value) Value { return Value{kind: KindList, list: items} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Items returns the elements of a list value, or nil for scalars.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Unwrap collapses a single-element list to its element, matching the
// poll loop's presentation rule for read_amount == 1.
func (v Value) Unwrap() Value {
	if v.kind == KindList && len(v.list) == 1 {
		return v.list[0]
	}
	return v
}

// AsBool coerces the value to a boolean. Numeric values map to their
// non-zero test; strings are not coercible.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInt:
		return v.i != 0, true
	case KindUint:
		return v.u != 0, true
	case KindFloat:
		return v.f != 0, true
	}
	return false, false
}

// AsInt64 coerces the value to a signed integer. Floats must be integral;
// fractional values are rejected rather than truncated.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindUint:
		if v.u > math.MaxInt64 {
			return 0, false
		}
		return int64(v.u), true
	case KindFloat:
		if v.f != math.Trunc(v.f) || v.f < math.MinInt64 || v.f >= math.MaxInt64 {
			return 0, false
		}
		return int64(v.f), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsUint64 coerces the value to an unsigned integer.
func (v Value) AsUint64() (uint64, bool) {
	switch v.kind {
	case KindUint:
		return v.u, true
	case KindInt:
		if v.i < 0 {
			return 0, false
		}
		return uint64(v.i), true
	case KindFloat:
		if v.f != math.Trunc(v.f) || v.f < 0 || v.f >= math.MaxUint64 {
			return 0, false
		}
		return uint64(v.f), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsFloat64 coerces the value to a float.
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	case KindUint:
		return float64(v.u), true
	}
	return 0, false
}

// AsString returns the string payload of a string value.
func (v Value) AsString() (string, bool) {
	if v.kind == KindString {
		return v.s, true
	}
	return "", false
}

// numeric reports whether the value belongs to the numeric family used by
// the alarm comparators. Bools are deliberately not numeric here.
func (v Value) numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindUint:
		return float64(v.u), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Equal reports value equality. Numeric values compare across int, uint
// and float variants; other variants only compare within their own kind.
func (v Value) Equal(o Value) bool {
	if a, ok := v.numeric(); ok {
		if b, ok := o.numeric(); ok {
			return a == b
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return o.kind == KindNull
	case KindBool:
		return o.kind == KindBool && v.b == o.b
	case KindString:
		return o.kind == KindString && v.s == o.s
	case KindList:
		if o.kind != KindList || len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Less reports v < o. A comparison across incompatible kinds returns
// ok=false; callers treat that as "not triggered".
func (v Value) Less(o Value) (bool, bool) {
	if a, ok := v.numeric(); ok {
		if b, ok := o.numeric(); ok {
			return a < b, true
		}
		return false, false
	}
	if v.kind == KindString && o.kind == KindString {
		return v.s < o.s, true
	}
	return false, false
}

// Greater reports v > o with the same cross-kind semantics as Less.
func (v Value) Greater(o Value) (bool, bool) {
	if a, ok := v.numeric(); ok {
		if b, ok := o.numeric(); ok {
			return a > b, true
		}
		return false, false
	}
	if v.kind == KindString && o.kind == KindString {
		return v.s > o.s, true
	}
	return false, false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindUint:
		return fmt.Sprintf("%d", v.u)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "invalid"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindUint:
		return json.Marshal(v.u)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return nil, fmt.Errorf("marshal value: invalid kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := parseJSONValue(json.RawMessage(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func parseJSONValue(raw json.RawMessage) (Value, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Null(), nil
	}
	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Null(), err
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Null(), err
		}
		return String(s), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Null(), err
		}
		list := make([]Value, len(items))
		for i, item := range items {
			parsed, err := parseJSONValue(item)
			if err != nil {
				return Null(), err
			}
			list[i] = parsed
		}
		return ListOf(list), nil
	default:
		num := json.Number(trimmed)
		if !strings.ContainsAny(trimmed, ".eE") {
			if i, err := num.Int64(); err == nil {
				return Int(i), nil
			}
			if u, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
				return Uint(u), nil
			}
		}
		f, err := num.Float64()
		if err != nil {
			return Null(), fmt.Errorf("parse value %q: %w", trimmed, err)
		}
		return Float(f), nil
	}
}

// Value implements driver.Valuer so tag values persist as JSONB.
func (v Value) Value() (driver.Value, error) {
	if v.kind == KindNull {
		return nil, nil
	}
	return v.MarshalJSON()
}

// Scan implements sql.Scanner for JSONB columns.
func (v *Value) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v = Null()
		return nil
	case []byte:
		return v.UnmarshalJSON(s)
	case string:
		return v.UnmarshalJSON([]byte(s))
	}
	return fmt.Errorf("scan value: unsupported source %T", src)
}
