package wit

import (
	"os"
	"strings"
	"unicode"

	"github.com/corralhq/corral/pkg/errdefs"
)

// ParseFile parses a sidecar WIT source file.
func ParseFile(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read %s", path)
	}
	return Parse(string(data))
}

// Parse parses WIT source text into a Package. The dialect covers
// package declarations, interfaces with type and function
// declarations, and worlds with import/export items.
func Parse(source string) (*Package, error) {
	p := &parser{tokens: tokenize(source)}
	return p.parsePackage()
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return errdefs.New(errdefs.KindWitBindingFailed, "", "expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) parsePackage() (*Package, error) {
	if err := p.expect("package"); err != nil {
		return nil, err
	}
	id := p.next()
	if id == "" {
		return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "missing package id")
	}
	if p.peek() == ";" {
		p.next()
	}

	pkg := NewPackage(id)

	for p.peek() != "" {
		switch tok := p.next(); tok {
		case "interface":
			iface, err := p.parseInterface()
			if err != nil {
				return nil, err
			}
			pkg.Interfaces[iface.Name] = iface
		case "world":
			world, err := p.parseWorld(pkg)
			if err != nil {
				return nil, err
			}
			pkg.Worlds[world.Name] = world
		default:
			return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "unexpected token %q at top level", tok)
		}
	}

	return pkg, nil
}

func (p *parser) parseInterface() (*Interface, error) {
	name := p.next()
	if name == "" || name == "{" {
		return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "missing interface name")
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	iface := &Interface{
		Name:      name,
		Functions: make(map[string]Function),
		Types:     make(map[string]Type),
	}

	for {
		tok := p.next()
		switch tok {
		case "}":
			return iface, nil
		case "":
			return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "unterminated interface %q", name)
		case "record":
			tname, t, err := p.parseRecordDecl(iface)
			if err != nil {
				return nil, err
			}
			iface.Types[tname] = t
		case "variant":
			tname, t, err := p.parseVariantDecl(iface)
			if err != nil {
				return nil, err
			}
			iface.Types[tname] = t
		case "enum":
			tname, t, err := p.parseNameListDecl(KindEnum)
			if err != nil {
				return nil, err
			}
			iface.Types[tname] = t
		case "flags":
			tname, t, err := p.parseNameListDecl(KindFlags)
			if err != nil {
				return nil, err
			}
			iface.Types[tname] = t
		default:
			// function declaration: name : func ( params ) [-> results] ;
			fn, err := p.parseFunction(tok, iface)
			if err != nil {
				return nil, err
			}
			iface.Functions[fn.Name] = fn
		}
	}
}

func (p *parser) parseFunction(name string, iface *Interface) (Function, error) {
	if err := p.expect(":"); err != nil {
		return Function{}, err
	}
	if err := p.expect("func"); err != nil {
		return Function{}, err
	}
	if err := p.expect("("); err != nil {
		return Function{}, err
	}

	fn := Function{Name: name, Results: NoResults()}

	for p.peek() != ")" {
		pname := p.next()
		if err := p.expect(":"); err != nil {
			return Function{}, err
		}
		ptype, err := p.parseType(iface)
		if err != nil {
			return Function{}, err
		}
		fn.Params = append(fn.Params, Param{Name: pname, Type: ptype})
		if p.peek() == "," {
			p.next()
		}
	}
	p.next() // ")"

	if p.peek() == "->" {
		p.next()
		results, err := p.parseResults(iface)
		if err != nil {
			return Function{}, err
		}
		fn.Results = results
	}
	if p.peek() == ";" {
		p.next()
	}

	return fn, nil
}

func (p *parser) parseResults(iface *Interface) (Results, error) {
	if p.peek() != "(" {
		t, err := p.parseType(iface)
		if err != nil {
			return Results{}, err
		}
		return AnonResult(t), nil
	}

	// named results: (name: type, ...)
	p.next()
	var named []Param
	for p.peek() != ")" {
		name := p.next()
		if err := p.expect(":"); err != nil {
			return Results{}, err
		}
		t, err := p.parseType(iface)
		if err != nil {
			return Results{}, err
		}
		named = append(named, Param{Name: name, Type: t})
		if p.peek() == "," {
			p.next()
		}
	}
	p.next() // ")"
	return NamedResults(named...), nil
}

func (p *parser) parseRecordDecl(iface *Interface) (string, Type, error) {
	name := p.next()
	if err := p.expect("{"); err != nil {
		return "", Type{}, err
	}
	var fields []Field
	for p.peek() != "}" {
		fname := p.next()
		if err := p.expect(":"); err != nil {
			return "", Type{}, err
		}
		ftype, err := p.parseType(iface)
		if err != nil {
			return "", Type{}, err
		}
		fields = append(fields, Field{Name: fname, Type: ftype})
		if p.peek() == "," {
			p.next()
		}
	}
	p.next() // "}"
	return name, Record(fields...), nil
}

func (p *parser) parseVariantDecl(iface *Interface) (string, Type, error) {
	name := p.next()
	if err := p.expect("{"); err != nil {
		return "", Type{}, err
	}
	var cases []Case
	for p.peek() != "}" {
		cname := p.next()
		var payload *Type
		if p.peek() == "(" {
			p.next()
			t, err := p.parseType(iface)
			if err != nil {
				return "", Type{}, err
			}
			if err := p.expect(")"); err != nil {
				return "", Type{}, err
			}
			payload = &t
		}
		cases = append(cases, Case{Name: cname, Payload: payload})
		if p.peek() == "," {
			p.next()
		}
	}
	p.next() // "}"
	return name, Variant(cases...), nil
}

func (p *parser) parseNameListDecl(kind TypeKind) (string, Type, error) {
	name := p.next()
	if err := p.expect("{"); err != nil {
		return "", Type{}, err
	}
	var names []string
	for p.peek() != "}" {
		names = append(names, p.next())
		if p.peek() == "," {
			p.next()
		}
	}
	p.next() // "}"
	return name, Type{Kind: kind, Names: names}, nil
}

func (p *parser) parseType(iface *Interface) (Type, error) {
	tok := p.next()
	switch tok {
	case "bool", "u8", "u16", "u32", "u64", "s8", "s16", "s32", "s64",
		"f32", "f64", "char", "string":
		return Primitive(TypeKind(tok)), nil
	case "list", "option":
		if err := p.expect("<"); err != nil {
			return Type{}, err
		}
		elem, err := p.parseType(iface)
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(">"); err != nil {
			return Type{}, err
		}
		if tok == "list" {
			return List(elem), nil
		}
		return Option(elem), nil
	case "result":
		var ok, errT *Type
		if p.peek() == "<" {
			p.next()
			if p.peek() != "_" {
				t, err := p.parseType(iface)
				if err != nil {
					return Type{}, err
				}
				ok = &t
			} else {
				p.next()
			}
			if p.peek() == "," {
				p.next()
				t, err := p.parseType(iface)
				if err != nil {
					return Type{}, err
				}
				errT = &t
			}
			if err := p.expect(">"); err != nil {
				return Type{}, err
			}
		}
		return ResultType(ok, errT), nil
	case "tuple":
		if err := p.expect("<"); err != nil {
			return Type{}, err
		}
		var elems []Type
		for p.peek() != ">" {
			t, err := p.parseType(iface)
			if err != nil {
				return Type{}, err
			}
			elems = append(elems, t)
			if p.peek() == "," {
				p.next()
			}
		}
		p.next() // ">"
		return Tuple(elems...), nil
	default:
		// reference to a type declared earlier in this interface
		if iface != nil {
			if t, ok := iface.Types[tok]; ok {
				return t, nil
			}
		}
		return Type{}, errdefs.New(errdefs.KindWitBindingFailed, "", "unknown type %q", tok)
	}
}

func (p *parser) parseWorld(pkg *Package) (*World, error) {
	name := p.next()
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	world := &World{Name: name}

	for {
		tok := p.next()
		switch tok {
		case "}":
			return world, nil
		case "":
			return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "unterminated world %q", name)
		case "import", "export":
			item, err := p.parseWorldItem()
			if err != nil {
				return nil, err
			}
			if tok == "import" {
				world.Imports = append(world.Imports, item)
			} else {
				world.Exports = append(world.Exports, item)
			}
		default:
			return nil, errdefs.New(errdefs.KindWitBindingFailed, "", "unexpected token %q in world %q", tok, name)
		}
	}
}

func (p *parser) parseWorldItem() (WorldItem, error) {
	ref := p.next()
	if ref == "" {
		return WorldItem{}, errdefs.New(errdefs.KindWitBindingFailed, "", "missing world item name")
	}
	if p.peek() == ";" {
		p.next()
	}

	// external references use "pkg-id/interface"; everything else is a
	// local interface name
	if pkgID, iface, ok := strings.Cut(ref, "/"); ok {
		return WorldItem{
			Name:      iface,
			Interface: InterfaceRef{Package: pkgID, Interface: iface},
		}, nil
	}
	return WorldItem{Name: ref, Interface: InterfaceRef{Local: ref}}, nil
}

// tokenize splits WIT source into tokens, stripping // and /* */
// comments. Identifiers keep ':', '.', '@', '/' and '-' so package ids
// and kebab-case names stay single tokens; ':' standing alone remains
// a separator.
func tokenize(source string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	runes := []rune(source)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if c == '/' && i+1 < len(runes) && runes[i+1] == '/' {
			flush()
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			flush()
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			continue
		}

		switch {
		case unicode.IsSpace(c):
			flush()
		case c == '{' || c == '}' || c == '(' || c == ')' || c == '<' || c == '>' || c == ',' || c == ';':
			flush()
			tokens = append(tokens, string(c))
		case c == '-' && i+1 < len(runes) && runes[i+1] == '>':
			flush()
			tokens = append(tokens, "->")
			i++
		case c == ':':
			// part of a package id (ns:name) only when flanked by
			// identifier characters with no space
			if current.Len() > 0 && i+1 < len(runes) && isIdentRune(runes[i+1]) && looksLikePackageID(current.String()) {
				current.WriteRune(c)
			} else {
				flush()
				tokens = append(tokens, ":")
			}
		default:
			current.WriteRune(c)
		}
	}
	flush()

	return tokens
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.' || c == '/' || c == '@'
}

// looksLikePackageID reports whether the pending token could be the
// namespace half of a package id: any token not already containing a
// ':'. A function declaration stays separate only because canonical
// WIT puts whitespace after its colon ("add: func"); written without
// that space ("add:func"), the colon joins the name into one token.
func looksLikePackageID(pending string) bool {
	return !strings.Contains(pending, ":")
}
