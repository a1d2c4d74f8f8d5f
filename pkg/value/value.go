// Package value is a small tree-structured value model (scalars, lists and
// string-keyed dictionaries). Cache snapshots are built from it so the
// persisted layout does not depend on a particular encoding.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value holds exactly one of the kinds above. The zero Value is null.
// Integers are 32-bit; wider numbers must be carried as strings.
type Value struct {
	kind Kind
	b    bool
	i    int32
	s    string
	l    List
	d    Dict
}

type List []Value

type Dict map[string]Value

func Null() Value { return Value{} }
func NewBool(b bool) Value { return Value{kind: KindBool, b: b} }
func NewInt(i int) Value { return Value{kind: KindInt, i: clampInt32(i)} }
func NewString(s string) Value { return Value{kind: KindString, s: s} }
func NewList(l List) Value { return Value{kind: KindList, l: l} }
func NewDict(d Dict) Value { return Value{kind: KindDict, d: d} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) String() string { return fmt.Sprintf("%s(%v)", v.kind, v.toInterface()) }

func clampInt32(i int) int32 {
	switch {
	case i > math.MaxInt32:
		return math.MaxInt32
	case i < math.MinInt32:
		return math.MinInt32
	default:
		return int32(i)
	}
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int(v.i), true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsList() (List, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.l, true
}

func (v Value) AsDict() (Dict, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.d, true
}

func (d Dict) FindString(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (d Dict) FindInt(key string) (int, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (d Dict) FindBool(key string) (bool, bool) {
	v, ok := d[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func (d Dict) FindList(key string) (List, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	return v.AsList()
}

func (d Dict) FindDict(key string) (Dict, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	return v.AsDict()
}

func (d Dict) SetString(key, s string) { d[key] = NewString(s) }
func (d Dict) SetInt(key string, i int) { d[key] = NewInt(i) }
func (d Dict) SetList(key string, l List) { d[key] = NewList(l) }

func (l *List) Append(v Value) { *l = append(*l, v) }

// Equal reports whether v and o hold the same tree.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindString:
		return v.s == o.s
	case KindList:
		return v.l.Equal(o.l)
	case KindDict:
		return v.d.Equal(o.d)
	}
	return false
}

func (l List) Equal(o List) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !l[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (d Dict) Equal(o Dict) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (v Value) toInterface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.l))
		for i, e := range v.l {
			out[i] = e.toInterface()
		}
		return out
	case KindDict:
		out := make(map[string]interface{}, len(v.d))
		for k, e := range v.d {
			out[k] = e.toInterface()
		}
		return out
	default:
		return nil
	}
}

var errIntRange = errors.New("integer out of 32-bit range")

func fromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer %q: %w", t, err)
		}
		if i > math.MaxInt32 || i < math.MinInt32 {
			return Value{}, fmt.Errorf("%d: %w", i, errIntRange)
		}
		return NewInt(int(i)), nil
	case string:
		return NewString(t), nil
	case []interface{}:
		l := make(List, 0, len(t))
		for _, e := range t {
			v, err := fromInterface(e)
			if err != nil {
				return Value{}, err
			}
			l = append(l, v)
		}
		return NewList(l), nil
	case map[string]interface{}:
		d := make(Dict, len(t))
		for k, e := range t {
			v, err := fromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			d[k] = v
		}
		return NewDict(d), nil
	default:
		return Value{}, fmt.Errorf("unsupported type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toInterface())
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var x interface{}
	if err := dec.Decode(&x); err != nil {
		return err
	}
	nv, err := fromInterface(x)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

// ToInterface converts v into plain Go maps, slices and scalars, suitable for
// generic encoders.
func (v Value) ToInterface() interface{} { return v.toInterface() }

// ParseList decodes a JSON array.
func ParseList(b []byte) (List, error) {
	var v Value
	if err := v.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	l, ok := v.AsList()
	if !ok {
		return nil, fmt.Errorf("expect a list, got %s", v.kind)
	}
	return l, nil
}
