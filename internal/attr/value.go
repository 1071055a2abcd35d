package attr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which member of a Value is populated.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "none"
	}
}

// Value is an attribute value: a string, a number, a boolean or an ordered
// list of strings. The zero Value is empty (KindNone).
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsZero() bool { return v.kind == KindNone }
func (v Value) Str() string  { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Bool() bool   { return v.b }

// Items returns a copy of the list members.
func (v Value) Items() []string {
	if v.list == nil {
		return nil
	}
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp
}

// Equal reports whether two values have the same kind and content.
// Lists compare element-wise in order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Normalize trims strings and drops blank list members. A string that trims
// to empty, or a list left with no members, normalizes to the zero Value.
func (v Value) Normalize() Value {
	switch v.kind {
	case KindString:
		s := strings.TrimSpace(v.str)
		if s == "" {
			return Value{}
		}
		return String(s)
	case KindList:
		out := make([]string, 0, len(v.list))
		for _, item := range v.list {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		if len(out) == 0 {
			return Value{}
		}
		return Value{kind: KindList, list: out}
	default:
		return v
	}
}

// Union appends the members of o that v does not already contain. Both
// values must be lists; otherwise o is returned unchanged.
func (v Value) Union(o Value) Value {
	if v.kind != KindList || o.kind != KindList {
		return o
	}
	seen := make(map[string]bool, len(v.list)+len(o.list))
	out := make([]string, 0, len(v.list)+len(o.list))
	for _, item := range v.list {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	for _, item := range o.list {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return Value{kind: KindList, list: out}
}

// String renders the value for prompts and confirm questions.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		if v.b {
			return "是"
		}
		return "否"
	case KindList:
		return strings.Join(v.list, "、")
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON or YAML scalar/array into a Value. Arrays
// must hold only scalars; non-string members are formatted as text.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case []string:
		return List(t...), nil
	case []any:
		items := make([]string, 0, len(t))
		for i, item := range t {
			switch it := item.(type) {
			case string:
				items = append(items, it)
			case float64, int, int64, bool:
				items = append(items, fmt.Sprint(it))
			default:
				return Value{}, fmt.Errorf("list member %d has unsupported type %T", i, item)
			}
		}
		return Value{kind: KindList, list: items}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}
