package protocol

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged union over the value shapes a payload may carry.
// Integers are always held as int64 and floats as float64, whatever width
// they had on the wire.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	a    []Value
	m    Map
}

// Map is a string-keyed payload map.
type Map map[string]Value

func NilValue() Value              { return Value{kind: KindNil} }
func BoolValue(b bool) Value       { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value       { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value   { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value   { return Value{kind: KindString, s: s} }
func ArrayValue(vs ...Value) Value { return Value{kind: KindArray, a: vs} }
func MapValue(m Map) Value         { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsArray() ([]Value, bool) { return v.a, v.kind == KindArray }

func (v Value) AsMap() (Map, bool) { return v.m, v.kind == KindMap }

// AsInt returns the value as an integer. Floats are truncated.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	}
	return 0, false
}

// AsFloat returns the value as a float; integers are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Equal reports deep equality. An int and a float never compare equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.a) != len(o.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(o.a[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "null"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.a))
		for i, e := range v.a {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		return "{" + v.m.String() + "}"
	}
	return "?"
}

// Equal reports whether both maps hold the same keys with equal values.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Float returns m[key] as a float, or 0 when missing or not numeric.
func (m Map) Float(key string) float64 {
	f, _ := m[key].AsFloat()
	return f
}

// Int returns m[key] as an integer, or 0 when missing or not numeric.
func (m Map) Int(key string) int64 {
	i, _ := m[key].AsInt()
	return i
}

// Str returns m[key] as a string, or "" when missing or not a string.
func (m Map) Str(key string) string {
	s, _ := m[key].AsString()
	return s
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the map as "k=v, k2={a=1}" with sorted keys.
func (m Map) String() string {
	parts := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		parts = append(parts, k+"="+m[k].String())
	}
	return strings.Join(parts, ", ")
}

// FromAny converts a Go value (as produced by a generic decoder, or written
// by hand as map[string]any) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NilValue(), nil
	case Value:
		return t, nil
	case Map:
		return MapValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int8:
		return IntValue(int64(t)), nil
	case int16:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return IntValue(int64(t)), nil
	case uint16:
		return IntValue(int64(t)), nil
	case uint32:
		return IntValue(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return StringValue(string(t)), nil
	case []Value:
		return ArrayValue(t...), nil
	case []any:
		vs := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return ArrayValue(vs...), nil
	case map[string]any:
		m, err := MapFromAny(t)
		if err != nil {
			return Value{}, err
		}
		return MapValue(m), nil
	case map[any]any:
		m := make(Map, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("non-string map key %v (%T)", k, k)
			}
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			m[ks] = v
		}
		return MapValue(m), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MapFromAny converts a map[string]any into a Map.
func MapFromAny(src map[string]any) (Map, error) {
	m := make(Map, len(src))
	for k, e := range src {
		v, err := FromAny(e)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return FloatValue(float64(u))
	}
	return IntValue(int64(u))
}

// ──────────────────────────────────────────────────────────────────────────────
// MessagePack encoding
// ──────────────────────────────────────────────────────────────────────────────

func encodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.kind {
	case KindNil:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.a)); err != nil {
			return err
		}
		for _, e := range v.a {
			if err := encodeValue(enc, e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		return encodeMap(enc, v.m)
	}
	return fmt.Errorf("cannot encode value of kind %s", v.kind)
}

// encodeMap writes keys in sorted order so equal maps encode identically.
func encodeMap(enc *msgpack.Encoder, m Map) error {
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for _, k := range m.Keys() {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := encodeValue(enc, m[k]); err != nil {
			return err
		}
	}
	return nil
}
