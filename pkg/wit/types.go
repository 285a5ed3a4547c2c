package wit

// TypeKind discriminates Type.
type TypeKind string

const (
	KindBool    TypeKind = "bool"
	KindU8      TypeKind = "u8"
	KindU16     TypeKind = "u16"
	KindU32     TypeKind = "u32"
	KindU64     TypeKind = "u64"
	KindS8      TypeKind = "s8"
	KindS16     TypeKind = "s16"
	KindS32     TypeKind = "s32"
	KindS64     TypeKind = "s64"
	KindF32     TypeKind = "f32"
	KindF64     TypeKind = "f64"
	KindChar    TypeKind = "char"
	KindString  TypeKind = "string"
	KindList    TypeKind = "list"
	KindOption  TypeKind = "option"
	KindResult  TypeKind = "result"
	KindTuple   TypeKind = "tuple"
	KindRecord  TypeKind = "record"
	KindVariant TypeKind = "variant"
	KindEnum    TypeKind = "enum"
	KindFlags   TypeKind = "flags"
)

// Type describes a component-model type. Exactly the fields relevant
// to Kind are populated: Elem for list/option, Ok/Err for result,
// Tuple for tuple, Fields for record, Cases for variant, Names for
// enum and flags.
type Type struct {
	Kind   TypeKind
	Elem   *Type
	Ok     *Type
	Err    *Type
	Tuple  []Type
	Fields []Field
	Cases  []Case
	Names  []string
}

// Field is a named record field.
type Field struct {
	Name string
	Type Type
}

// Case is a variant case with an optional payload.
type Case struct {
	Name    string
	Payload *Type
}

// Primitive constructs a primitive type.
func Primitive(kind TypeKind) Type { return Type{Kind: kind} }

// List constructs a list type.
func List(elem Type) Type { return Type{Kind: KindList, Elem: &elem} }

// Option constructs an option type.
func Option(elem Type) Type { return Type{Kind: KindOption, Elem: &elem} }

// ResultType constructs a result type; ok and err may be nil.
func ResultType(ok, err *Type) Type { return Type{Kind: KindResult, Ok: ok, Err: err} }

// Tuple constructs a tuple type.
func Tuple(elems ...Type) Type { return Type{Kind: KindTuple, Tuple: elems} }

// Record constructs a record type.
func Record(fields ...Field) Type { return Type{Kind: KindRecord, Fields: fields} }

// Variant constructs a variant type.
func Variant(cases ...Case) Type { return Type{Kind: KindVariant, Cases: cases} }

// Enum constructs an enum type.
func Enum(names ...string) Type { return Type{Kind: KindEnum, Names: names} }

// Flags constructs a flags type.
func Flags(names ...string) Type { return Type{Kind: KindFlags, Names: names} }

// Equal reports structural equality: primitives match by kind,
// compound types match recursively with identical labels in identical
// order.
func (t Type) Equal(other Type) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindList, KindOption:
		return t.Elem.Equal(*other.Elem)
	case KindResult:
		return optionalEqual(t.Ok, other.Ok) && optionalEqual(t.Err, other.Err)
	case KindTuple:
		if len(t.Tuple) != len(other.Tuple) {
			return false
		}
		for i := range t.Tuple {
			if !t.Tuple[i].Equal(other.Tuple[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(t.Fields) != len(other.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != other.Fields[i].Name || !t.Fields[i].Type.Equal(other.Fields[i].Type) {
				return false
			}
		}
		return true
	case KindVariant:
		if len(t.Cases) != len(other.Cases) {
			return false
		}
		for i := range t.Cases {
			if t.Cases[i].Name != other.Cases[i].Name || !optionalEqual(t.Cases[i].Payload, other.Cases[i].Payload) {
				return false
			}
		}
		return true
	case KindEnum, KindFlags:
		if len(t.Names) != len(other.Names) {
			return false
		}
		for i := range t.Names {
			if t.Names[i] != other.Names[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func optionalEqual(a, b *Type) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Equal(*b)
}

// ResultShape discriminates a function's result declaration.
type ResultShape string

const (
	ResultsNone  ResultShape = "none"
	ResultsAnon  ResultShape = "anon"
	ResultsNamed ResultShape = "named"
)

// Results describes what a function returns.
type Results struct {
	Shape ResultShape
	Anon  *Type
	Named []Param
}

// NoResults returns the empty result declaration.
func NoResults() Results { return Results{Shape: ResultsNone} }

// AnonResult returns a single anonymous result declaration.
func AnonResult(t Type) Results { return Results{Shape: ResultsAnon, Anon: &t} }

// NamedResults returns a named multi-result declaration.
func NamedResults(params ...Param) Results { return Results{Shape: ResultsNamed, Named: params} }

// Equal reports result-shape compatibility: None~None, Anon~Anon with
// equal types, Named~Named with positionally equal names and types.
func (r Results) Equal(other Results) bool {
	if r.Shape != other.Shape {
		return false
	}
	switch r.Shape {
	case ResultsAnon:
		return r.Anon.Equal(*other.Anon)
	case ResultsNamed:
		if len(r.Named) != len(other.Named) {
			return false
		}
		for i := range r.Named {
			if r.Named[i].Name != other.Named[i].Name || !r.Named[i].Type.Equal(other.Named[i].Type) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Param is a named, typed function parameter.
type Param struct {
	Name string
	Type Type
}

// Function is a typed interface function.
type Function struct {
	Name    string
	Params  []Param
	Results Results
}

// Interface is a named group of typed functions.
type Interface struct {
	Name      string
	Functions map[string]Function
	Types     map[string]Type
}

// InterfaceRef names an interface either locally within the declaring
// package or externally by package id.
type InterfaceRef struct {
	Local     string
	Package   string
	Interface string
}

// IsLocal reports whether the reference targets the declaring package.
func (r InterfaceRef) IsLocal() bool { return r.Local != "" }

// WorldItem is one import or export declaration in a world.
type WorldItem struct {
	Name      string
	Interface InterfaceRef
}

// World lists a component's imports and exports.
type World struct {
	Name    string
	Imports []WorldItem
	Exports []WorldItem
}

// Package is a parsed WIT package: interfaces and worlds by name.
type Package struct {
	ID         string
	Interfaces map[string]*Interface
	Worlds     map[string]*World
}

// NewPackage returns an empty package with the given id.
func NewPackage(id string) *Package {
	return &Package{
		ID:         id,
		Interfaces: make(map[string]*Interface),
		Worlds:     make(map[string]*World),
	}
}

// ExportedFunctions returns the names of every function exported by
// any interface in the package, in unspecified order.
func (p *Package) ExportedFunctions() []string {
	var out []string
	for _, iface := range p.Interfaces {
		for name := range iface.Functions {
			out = append(out, name)
		}
	}
	return out
}
