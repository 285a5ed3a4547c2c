package values

import (
	"encoding/json"

	"github.com/corralhq/corral/pkg/errdefs"
)

// wireValue is the tagged JSON shape compound values take when they
// cross the guest boundary through linear memory.
type wireValue struct {
	Kind   Kind        `json:"kind"`
	Bool   *bool       `json:"bool,omitempty"`
	Int    *int64      `json:"int,omitempty"`
	Uint   *uint64     `json:"uint,omitempty"`
	Float  *float64    `json:"float,omitempty"`
	Str    *string     `json:"str,omitempty"`
	Items  []wireValue `json:"items,omitempty"`
	Fields []wireField `json:"fields,omitempty"`
	Elem   *wireValue  `json:"elem,omitempty"`
	Ok     *wireValue  `json:"ok,omitempty"`
	Err    *wireValue  `json:"err,omitempty"`
	Names  []string    `json:"names,omitempty"`
}

type wireField struct {
	Name  string    `json:"name"`
	Value wireValue `json:"value"`
}

func toWire(v Value) wireValue {
	w := wireValue{Kind: v.Kind, Names: v.Names}
	switch v.Kind {
	case KindBool:
		w.Bool = &v.Bool
	case KindS8, KindS16, KindS32, KindS64, KindChar:
		w.Int = &v.Int
	case KindU8, KindU16, KindU32, KindU64:
		w.Uint = &v.Uint
	case KindF32, KindF64:
		w.Float = &v.Float
	case KindString, KindEnum:
		w.Str = &v.Str
	case KindVariant:
		w.Str = &v.Str
		if v.Elem != nil {
			elem := toWire(*v.Elem)
			w.Elem = &elem
		}
	case KindOption:
		if v.Elem != nil {
			elem := toWire(*v.Elem)
			w.Elem = &elem
		}
	case KindResult:
		if v.Ok != nil {
			ok := toWire(*v.Ok)
			w.Ok = &ok
		}
		if v.Err != nil {
			errW := toWire(*v.Err)
			w.Err = &errW
		}
	case KindList, KindTuple:
		w.Items = make([]wireValue, len(v.Items))
		for i, item := range v.Items {
			w.Items[i] = toWire(item)
		}
	case KindRecord:
		w.Fields = make([]wireField, len(v.Fields))
		for i, f := range v.Fields {
			w.Fields[i] = wireField{Name: f.Name, Value: toWire(f.Value)}
		}
	}
	return w
}

func fromWire(w wireValue) (Value, error) {
	v := Value{Kind: w.Kind, Names: w.Names}
	switch w.Kind {
	case KindBool:
		if w.Bool != nil {
			v.Bool = *w.Bool
		}
	case KindS8, KindS16, KindS32, KindS64, KindChar:
		if w.Int != nil {
			v.Int = *w.Int
		}
	case KindU8, KindU16, KindU32, KindU64:
		if w.Uint != nil {
			v.Uint = *w.Uint
		}
	case KindF32, KindF64:
		if w.Float != nil {
			v.Float = *w.Float
		}
	case KindString, KindEnum:
		if w.Str != nil {
			v.Str = *w.Str
		}
	case KindVariant:
		if w.Str != nil {
			v.Str = *w.Str
		}
		if w.Elem != nil {
			elem, err := fromWire(*w.Elem)
			if err != nil {
				return Value{}, err
			}
			v.Elem = &elem
		}
	case KindOption:
		if w.Elem != nil {
			elem, err := fromWire(*w.Elem)
			if err != nil {
				return Value{}, err
			}
			v.Elem = &elem
		}
	case KindResult:
		if w.Ok != nil {
			ok, err := fromWire(*w.Ok)
			if err != nil {
				return Value{}, err
			}
			v.Ok = &ok
		}
		if w.Err != nil {
			errV, err := fromWire(*w.Err)
			if err != nil {
				return Value{}, err
			}
			v.Err = &errV
		}
	case KindList, KindTuple:
		v.Items = make([]Value, len(w.Items))
		for i, item := range w.Items {
			decoded, err := fromWire(item)
			if err != nil {
				return Value{}, err
			}
			v.Items[i] = decoded
		}
	case KindRecord:
		v.Fields = make([]FieldValue, len(w.Fields))
		for i, f := range w.Fields {
			decoded, err := fromWire(f.Value)
			if err != nil {
				return Value{}, err
			}
			v.Fields[i] = FieldValue{Name: f.Name, Value: decoded}
		}
	case KindFlags, KindUnit:
	default:
		return Value{}, errdefs.New(errdefs.KindSerialization, "", "unknown value kind %q", w.Kind)
	}
	return v, nil
}

// Encode serializes a value to the wire JSON used for memory transfer.
func Encode(v Value) ([]byte, error) {
	data, err := json.Marshal(toWire(v))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "encode %s value", v.Kind)
	}
	return data, nil
}

// EncodeAll serializes an argument list.
func EncodeAll(vs []Value) ([]byte, error) {
	wires := make([]wireValue, len(vs))
	for i, v := range vs {
		wires[i] = toWire(v)
	}
	data, err := json.Marshal(wires)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "encode argument list")
	}
	return data, nil
}

// Decode deserializes a single wire value.
func Decode(data []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return Value{}, errdefs.Wrap(errdefs.KindSerialization, "", err, "decode value")
	}
	return fromWire(w)
}

// DecodeAll deserializes a wire value list.
func DecodeAll(data []byte) ([]Value, error) {
	var wires []wireValue
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSerialization, "", err, "decode value list")
	}
	out := make([]Value, len(wires))
	for i, w := range wires {
		v, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
