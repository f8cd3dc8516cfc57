// Package jsontree models arbitrary JSON request bodies as a tagged
// variant tree. All content inspection (sanitisation, policy text
// extraction, cache fingerprinting) is defined over this tree rather
// than over raw bytes, so every consumer sees the same structure.
package jsontree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is one node of a JSON document. Exactly one field is meaningful
// for a given Kind. Values are treated as immutable once built; traversal
// helpers return new trees instead of mutating in place.
type Value struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	Str    string
	List   []Value
	Map    map[string]Value
}

// Null is the JSON null value.
var Null = Value{Kind: KindNull}

// String creates a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Decode parses raw JSON into a Value tree. Numbers are preserved as
// json.Number so that canonical re-serialisation round-trips exactly.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Null, fmt.Errorf("decode body: %w", err)
	}
	return fromInterface(raw), nil
}

func fromInterface(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Null
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case json.Number:
		return Value{Kind: KindNumber, Number: v}
	case string:
		return Value{Kind: KindString, Str: v}
	case []interface{}:
		list := make([]Value, len(v))
		for i, item := range v {
			list[i] = fromInterface(item)
		}
		return Value{Kind: KindList, List: list}
	case map[string]interface{}:
		m := make(map[string]Value, len(v))
		for k, item := range v {
			m[k] = fromInterface(item)
		}
		return Value{Kind: KindMap, Map: m}
	case float64:
		// Defensive: UseNumber makes this unreachable from Decode, but
		// hand-built trees may carry float64 through Interface round-trips.
		return Value{Kind: KindNumber, Number: json.Number(strconv.FormatFloat(v, 'g', -1, 64))}
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

// Interface converts the tree back to the encoding/json generic form.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindList:
		list := make([]interface{}, len(v.List))
		for i, item := range v.List {
			list[i] = item.Interface()
		}
		return list
	case KindMap:
		m := make(map[string]interface{}, len(v.Map))
		for k, item := range v.Map {
			m[k] = item.Interface()
		}
		return m
	default:
		return nil
	}
}

// Encode serialises the tree using encoding/json map ordering rules.
// HTML-significant characters (<, >, &) are written as-is rather than
// \u-escaped, so string content is forwarded byte-for-byte.
func (v Value) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v.Interface()); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Canonical serialises the tree deterministically: compact output with
// map keys emitted in sorted order at every level. Two trees that are
// structurally equal always canonicalise to the same bytes, which is what
// the cache fingerprint relies on.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.Number.String())
	case KindString:
		b, _ := json.Marshal(v.Str)
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.List {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v.Map[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}

// MapString transforms every string leaf through fn and returns the new
// tree. Branch ordering is preserved; object keys are never passed to fn.
// The receiver is not mutated.
func (v Value) MapString(fn func(string) string) Value {
	switch v.Kind {
	case KindString:
		return String(fn(v.Str))
	case KindList:
		list := make([]Value, len(v.List))
		for i, item := range v.List {
			list[i] = item.MapString(fn)
		}
		return Value{Kind: KindList, List: list}
	case KindMap:
		m := make(map[string]Value, len(v.Map))
		for k, item := range v.Map {
			m[k] = item.MapString(fn)
		}
		return Value{Kind: KindMap, Map: m}
	default:
		return v
	}
}

// WalkStrings visits every string leaf in depth-first order. Object keys
// are not visited. Returning false from visit stops the walk early.
func (v Value) WalkStrings(visit func(string) bool) bool {
	switch v.Kind {
	case KindString:
		return visit(v.Str)
	case KindList:
		for _, item := range v.List {
			if !item.WalkStrings(visit) {
				return false
			}
		}
	case KindMap:
		for _, item := range v.Map {
			if !item.WalkStrings(visit) {
				return false
			}
		}
	}
	return true
}

// Get returns the child Value under key for map nodes. The second result
// reports whether the key was present.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindMap {
		return Null, false
	}
	child, ok := v.Map[key]
	return child, ok
}
