package values

import (
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/wit"
)

// IsScalar reports whether v travels as a single core stack word.
// Everything else crosses the boundary through linear memory.
func (v Value) IsScalar() bool {
	switch v.Kind {
	case KindBool, KindU8, KindU16, KindU32, KindU64,
		KindS8, KindS16, KindS32, KindS64, KindF32, KindF64, KindChar:
		return true
	default:
		return false
	}
}

// LowerWord encodes a scalar value as a core stack word.
func (v Value) LowerWord() (uint64, error) {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case KindU8, KindU16, KindU32:
		return api.EncodeU32(uint32(v.Uint)), nil
	case KindU64:
		return v.Uint, nil
	case KindS8, KindS16, KindS32:
		return api.EncodeI32(int32(v.Int)), nil
	case KindS64:
		return api.EncodeI64(v.Int), nil
	case KindF32:
		return api.EncodeF32(float32(v.Float)), nil
	case KindF64:
		return api.EncodeF64(v.Float), nil
	case KindChar:
		return api.EncodeU32(uint32(v.Int)), nil
	default:
		return 0, errdefs.New(errdefs.KindWitBindingFailed, "", "%s is not a scalar value", v.Kind)
	}
}

// RaiseWord decodes a core stack word into the value the given
// interface type describes.
func RaiseWord(word uint64, t wit.Type) (Value, error) {
	switch t.Kind {
	case wit.KindBool:
		return Bool(word != 0), nil
	case wit.KindU8:
		return U8(uint8(api.DecodeU32(word))), nil
	case wit.KindU16:
		return U16(uint16(api.DecodeU32(word))), nil
	case wit.KindU32:
		return U32(api.DecodeU32(word)), nil
	case wit.KindU64:
		return U64(word), nil
	case wit.KindS8:
		return S8(int8(api.DecodeI32(word))), nil
	case wit.KindS16:
		return S16(int16(api.DecodeI32(word))), nil
	case wit.KindS32:
		return S32(api.DecodeI32(word)), nil
	case wit.KindS64:
		return S64(int64(word)), nil
	case wit.KindF32:
		return F32(api.DecodeF32(word)), nil
	case wit.KindF64:
		return F64(api.DecodeF64(word)), nil
	case wit.KindChar:
		return Char(rune(api.DecodeU32(word))), nil
	default:
		return Value{}, errdefs.New(errdefs.KindWitBindingFailed, "", "type %s is not scalar", t.Kind)
	}
}

// ScalarType reports whether an interface type lowers to a single
// stack word.
func ScalarType(t wit.Type) bool {
	switch t.Kind {
	case wit.KindBool, wit.KindU8, wit.KindU16, wit.KindU32, wit.KindU64,
		wit.KindS8, wit.KindS16, wit.KindS32, wit.KindS64,
		wit.KindF32, wit.KindF64, wit.KindChar:
		return true
	default:
		return false
	}
}

// Conforms reports whether v inhabits the interface type t. Numeric
// values additionally have their ranges checked so a lowered word
// cannot silently truncate.
func (v Value) Conforms(t wit.Type) bool {
	switch t.Kind {
	case wit.KindBool:
		return v.Kind == KindBool
	case wit.KindU8:
		return v.Kind == KindU8 && v.Uint <= math.MaxUint8
	case wit.KindU16:
		return v.Kind == KindU16 && v.Uint <= math.MaxUint16
	case wit.KindU32:
		return v.Kind == KindU32 && v.Uint <= math.MaxUint32
	case wit.KindU64:
		return v.Kind == KindU64
	case wit.KindS8:
		return v.Kind == KindS8 && v.Int >= math.MinInt8 && v.Int <= math.MaxInt8
	case wit.KindS16:
		return v.Kind == KindS16 && v.Int >= math.MinInt16 && v.Int <= math.MaxInt16
	case wit.KindS32:
		return v.Kind == KindS32 && v.Int >= math.MinInt32 && v.Int <= math.MaxInt32
	case wit.KindS64:
		return v.Kind == KindS64
	case wit.KindF32:
		return v.Kind == KindF32
	case wit.KindF64:
		return v.Kind == KindF64
	case wit.KindChar:
		return v.Kind == KindChar
	case wit.KindString:
		return v.Kind == KindString
	case wit.KindList:
		if v.Kind != KindList {
			return false
		}
		for _, item := range v.Items {
			if !item.Conforms(*t.Elem) {
				return false
			}
		}
		return true
	case wit.KindOption:
		if v.Kind != KindOption {
			return false
		}
		return v.Elem == nil || v.Elem.Conforms(*t.Elem)
	case wit.KindResult:
		if v.Kind != KindResult {
			return false
		}
		if v.Ok != nil {
			return t.Ok != nil && v.Ok.Conforms(*t.Ok)
		}
		if v.Err != nil {
			return t.Err != nil && v.Err.Conforms(*t.Err)
		}
		return true
	case wit.KindTuple:
		if v.Kind != KindTuple || len(v.Items) != len(t.Tuple) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Conforms(t.Tuple[i]) {
				return false
			}
		}
		return true
	case wit.KindRecord:
		if v.Kind != KindRecord || len(v.Fields) != len(t.Fields) {
			return false
		}
		for i := range v.Fields {
			if v.Fields[i].Name != t.Fields[i].Name || !v.Fields[i].Value.Conforms(t.Fields[i].Type) {
				return false
			}
		}
		return true
	case wit.KindVariant:
		if v.Kind != KindVariant {
			return false
		}
		for _, c := range t.Cases {
			if c.Name == v.Str {
				if c.Payload == nil {
					return v.Elem == nil
				}
				return v.Elem != nil && v.Elem.Conforms(*c.Payload)
			}
		}
		return false
	case wit.KindEnum:
		if v.Kind != KindEnum {
			return false
		}
		for _, name := range t.Names {
			if name == v.Str {
				return true
			}
		}
		return false
	case wit.KindFlags:
		if v.Kind != KindFlags {
			return false
		}
		for _, set := range v.Names {
			found := false
			for _, name := range t.Names {
				if name == set {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return false
	}
}
