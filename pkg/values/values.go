// Package values models the component-model value universe crossing
// the host boundary: primitives, strings, lists, records, tuples,
// variants, options, results, enums, flags, and unit. Values parse
// from the colon-delimited CLI grammar and lower to / raise from the
// embedded engine's core stack words.
package values

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Kind discriminates Value.
type Kind string

const (
	KindBool    Kind = "bool"
	KindU8      Kind = "u8"
	KindU16     Kind = "u16"
	KindU32     Kind = "u32"
	KindU64     Kind = "u64"
	KindS8      Kind = "s8"
	KindS16     Kind = "s16"
	KindS32     Kind = "s32"
	KindS64     Kind = "s64"
	KindF32     Kind = "f32"
	KindF64     Kind = "f64"
	KindChar    Kind = "char"
	KindString  Kind = "string"
	KindList    Kind = "list"
	KindRecord  Kind = "record"
	KindTuple   Kind = "tuple"
	KindVariant Kind = "variant"
	KindOption  Kind = "option"
	KindResult  Kind = "result"
	KindEnum    Kind = "enum"
	KindFlags   Kind = "flags"
	KindUnit    Kind = "unit"
)

// Value is one component-model value. The populated fields depend on
// Kind: Bool for bool; Int for the signed integers and char; Uint for
// the unsigned integers; Float for f32/f64; Str for string, enum tags
// and variant tags; Items for list and tuple; Fields for record; Elem
// for option and variant payloads; Ok/Err for result; Names for flags.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64
	Str    string
	Items  []Value
	Fields []FieldValue
	Elem   *Value
	Ok     *Value
	Err    *Value
	Names  []string
}

// FieldValue is a named record field value.
type FieldValue struct {
	Name  string
	Value Value
}

func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func U8(v uint8) Value       { return Value{Kind: KindU8, Uint: uint64(v)} }
func U16(v uint16) Value     { return Value{Kind: KindU16, Uint: uint64(v)} }
func U32(v uint32) Value     { return Value{Kind: KindU32, Uint: uint64(v)} }
func U64(v uint64) Value     { return Value{Kind: KindU64, Uint: v} }
func S8(v int8) Value        { return Value{Kind: KindS8, Int: int64(v)} }
func S16(v int16) Value      { return Value{Kind: KindS16, Int: int64(v)} }
func S32(v int32) Value      { return Value{Kind: KindS32, Int: int64(v)} }
func S64(v int64) Value      { return Value{Kind: KindS64, Int: v} }
func F32(v float32) Value    { return Value{Kind: KindF32, Float: float64(v)} }
func F64(v float64) Value    { return Value{Kind: KindF64, Float: v} }
func Char(c rune) Value      { return Value{Kind: KindChar, Int: int64(c)} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func List(vs ...Value) Value { return Value{Kind: KindList, Items: vs} }
func Tuple(vs ...Value) Value {
	return Value{Kind: KindTuple, Items: vs}
}
func Record(fields ...FieldValue) Value { return Value{Kind: KindRecord, Fields: fields} }
func Enum(tag string) Value             { return Value{Kind: KindEnum, Str: tag} }
func Flags(names ...string) Value       { return Value{Kind: KindFlags, Names: names} }
func Unit() Value                       { return Value{Kind: KindUnit} }

// Variant constructs a variant value; payload may be nil.
func Variant(tag string, payload *Value) Value {
	return Value{Kind: KindVariant, Str: tag, Elem: payload}
}

// Some constructs a present option.
func Some(v Value) Value { return Value{Kind: KindOption, Elem: &v} }

// None constructs an absent option.
func None() Value { return Value{Kind: KindOption} }

// OkResult constructs an ok result; payload may be nil.
func OkResult(v *Value) Value { return Value{Kind: KindResult, Ok: v} }

// ErrResult constructs an err result; payload may be nil.
func ErrResult(v *Value) Value { return Value{Kind: KindResult, Err: v} }

// AsI32 extracts a 32-bit signed view of any integer value.
func (v Value) AsI32() (int32, bool) {
	switch v.Kind {
	case KindS8, KindS16, KindS32:
		return int32(v.Int), true
	case KindU8, KindU16, KindU32:
		return int32(v.Uint), true
	default:
		return 0, false
	}
}

// AsString extracts the string of string and enum values.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case KindString, KindEnum:
		return v.Str, true
	default:
		return "", false
	}
}

// IsUnit reports whether v is the unit value.
func (v Value) IsUnit() bool { return v.Kind == KindUnit }

// String renders the value in the CLI grammar where possible.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("bool:%t", v.Bool)
	case KindU8, KindU16, KindU32, KindU64:
		return fmt.Sprintf("%s:%d", v.Kind, v.Uint)
	case KindS8, KindS16, KindS32, KindS64:
		return fmt.Sprintf("%s:%d", v.Kind, v.Int)
	case KindF32, KindF64:
		return fmt.Sprintf("%s:%g", v.Kind, v.Float)
	case KindChar:
		return fmt.Sprintf("char:%c", rune(v.Int))
	case KindString:
		return "string:" + v.Str
	case KindEnum:
		return "enum:" + v.Str
	case KindFlags:
		return "flags:" + strings.Join(v.Names, "|")
	case KindUnit:
		return "unit"
	default:
		return string(v.Kind)
	}
}

// Parse converts a CLI argument to a Value using the type:value
// grammar. "unit" and "()" yield unit; an unadorned token is a string.
func Parse(raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "unit" || raw == "()" {
		return Unit(), nil
	}

	ty, val, ok := strings.Cut(raw, ":")
	if !ok {
		return String(raw), nil
	}

	switch ty {
	case "bool":
		return Bool(val == "true"), nil
	case "u8":
		n, err := strconv.ParseUint(val, 10, 8)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return U8(uint8(n)), nil
	case "u16":
		n, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return U16(uint16(n)), nil
	case "u32":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return U32(uint32(n)), nil
	case "u64":
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return U64(n), nil
	case "s8":
		n, err := strconv.ParseInt(val, 10, 8)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return S8(int8(n)), nil
	case "s16":
		n, err := strconv.ParseInt(val, 10, 16)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return S16(int16(n)), nil
	case "s32":
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return S32(int32(n)), nil
	case "s64":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return S64(n), nil
	case "f32":
		f, err := strconv.ParseFloat(val, 32)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return F32(float32(f)), nil
	case "f64":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return Value{}, parseErr(raw, err)
		}
		return F64(f), nil
	case "char":
		runes := []rune(val)
		if len(runes) == 0 {
			return Value{}, errdefs.New(errdefs.KindOther, "", "char value is empty")
		}
		return Char(runes[0]), nil
	case "string":
		return String(val), nil
	case "enum":
		return Enum(val), nil
	case "flags":
		var names []string
		for _, part := range strings.FieldsFunc(val, func(c rune) bool { return c == '|' || c == ',' }) {
			part = strings.TrimSpace(part)
			if part != "" {
				names = append(names, part)
			}
		}
		return Flags(names...), nil
	default:
		return Value{}, errdefs.New(errdefs.KindOther, "", "unknown value type %q", ty)
	}
}

// ParseAll parses each raw argument in order.
func ParseAll(raw []string) ([]Value, error) {
	out := make([]Value, 0, len(raw))
	for _, r := range raw {
		v, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseErr(raw string, err error) error {
	return errdefs.Wrap(errdefs.KindOther, "", err, "invalid value %q", raw)
}
