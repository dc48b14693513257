package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a single telemetry reading. The zero Value is invalid and is
// never stored in a Cache.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
}

func Number(v float64) Value { return Value{kind: KindNumber, num: v} }
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }
func String(v string) Value { return Value{kind: KindString, str: v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }
func (v Value) Num() float64 { return v.num }
func (v Value) Boolean() bool { return v.b }
func (v Value) Text() string { return v.str }

// Float returns v as a number. Booleans count as 1 or 0; strings are
// parsed when they hold a number.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Truthy reports whether v reads as an enabled flag. EcoFlow reports most
// switches as 0/1 numbers.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		b, err := strconv.ParseBool(v.str)
		return err == nil && b
	}
	return false
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.str == o.str
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.str
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.str)
	}
	return []byte("null"), nil
}

// FromAny converts a decoded JSON scalar into a Value. Arrays and objects
// are kept as their compact JSON text; nil yields an invalid Value.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Value{}
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return Value{}
		}
		return String(string(b))
	}
}
