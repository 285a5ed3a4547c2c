package wit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/errdefs"
)

const mathSource = `package corral:math;

interface math {
  add: func(a: s32, b: s32) -> s32;
  divide: func(a: f64, b: f64) -> result<f64, string>;
}

world calculator {
  export math;
}
`

func TestParsePackage(t *testing.T) {
	pkg, err := Parse(mathSource)
	require.NoError(t, err)

	assert.Equal(t, "corral:math", pkg.ID)
	require.Contains(t, pkg.Interfaces, "math")

	math := pkg.Interfaces["math"]
	require.Contains(t, math.Functions, "add")

	add := math.Functions["add"]
	require.Len(t, add.Params, 2)
	assert.Equal(t, "a", add.Params[0].Name)
	assert.Equal(t, KindS32, add.Params[0].Type.Kind)
	assert.Equal(t, ResultsAnon, add.Results.Shape)
	assert.Equal(t, KindS32, add.Results.Anon.Kind)

	div := math.Functions["divide"]
	assert.Equal(t, KindResult, div.Results.Anon.Kind)
	assert.Equal(t, KindF64, div.Results.Anon.Ok.Kind)
	assert.Equal(t, KindString, div.Results.Anon.Err.Kind)

	world := pkg.Worlds["calculator"]
	require.NotNil(t, world)
	require.Len(t, world.Exports, 1)
	assert.Equal(t, "math", world.Exports[0].Name)
	assert.True(t, world.Exports[0].Interface.IsLocal())
}

func TestParseWorldImports(t *testing.T) {
	pkg, err := Parse(`package corral:app;

interface client {
  run: func() -> s32;
}

world app {
  import corral:math/math;
  import client;
  export client;
}
`)
	require.NoError(t, err)

	world := pkg.Worlds["app"]
	require.Len(t, world.Imports, 2)

	ext := world.Imports[0]
	assert.False(t, ext.Interface.IsLocal())
	assert.Equal(t, "corral:math", ext.Interface.Package)
	assert.Equal(t, "math", ext.Interface.Interface)

	local := world.Imports[1]
	assert.True(t, local.Interface.IsLocal())
	assert.Equal(t, "client", local.Interface.Local)
}

func TestParseTypeDeclarations(t *testing.T) {
	pkg, err := Parse(`package corral:shapes;

interface shapes {
  record point { x: s32, y: s32 }
  variant shape { circle(f64), rect(point), empty }
  enum status { ready, busy }
  flags perms { read, write }
  locate: func(p: point) -> option<shape>;
  modes: func() -> list<status>;
}
`)
	require.NoError(t, err)

	shapes := pkg.Interfaces["shapes"]
	point := shapes.Types["point"]
	assert.Equal(t, KindRecord, point.Kind)
	require.Len(t, point.Fields, 2)

	shape := shapes.Types["shape"]
	require.Len(t, shape.Cases, 3)
	assert.Equal(t, "rect", shape.Cases[1].Name)
	assert.True(t, shape.Cases[1].Payload.Equal(point))
	assert.Nil(t, shape.Cases[2].Payload)

	assert.Equal(t, []string{"ready", "busy"}, shapes.Types["status"].Names)
	assert.Equal(t, []string{"read", "write"}, shapes.Types["perms"].Names)

	locate := shapes.Functions["locate"]
	assert.True(t, locate.Params[0].Type.Equal(point))
	assert.Equal(t, KindOption, locate.Results.Anon.Kind)
}

func TestParseComments(t *testing.T) {
	pkg, err := Parse(`// leading comment
package corral:doc;
/* block
   comment */
interface api {
  ping: func(); // trailing
}
`)
	require.NoError(t, err)
	assert.Contains(t, pkg.Interfaces["api"].Functions, "ping")
}

func TestTypeEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b Type
		want bool
	}{
		{"same primitive", Primitive(KindS32), Primitive(KindS32), true},
		{"different primitive", Primitive(KindS32), Primitive(KindU32), false},
		{"same list", List(Primitive(KindString)), List(Primitive(KindString)), true},
		{"different list elem", List(Primitive(KindString)), List(Primitive(KindChar)), false},
		{
			"same record",
			Record(Field{"x", Primitive(KindS32)}, Field{"y", Primitive(KindS32)}),
			Record(Field{"x", Primitive(KindS32)}, Field{"y", Primitive(KindS32)}),
			true,
		},
		{
			"record field order matters",
			Record(Field{"x", Primitive(KindS32)}, Field{"y", Primitive(KindS32)}),
			Record(Field{"y", Primitive(KindS32)}, Field{"x", Primitive(KindS32)}),
			false,
		},
		{"same enum", Enum("a", "b"), Enum("a", "b"), true},
		{"enum order matters", Enum("a", "b"), Enum("b", "a"), false},
		{"result ok only vs both", ResultType(ptr(Primitive(KindS32)), nil), ResultType(ptr(Primitive(KindS32)), ptr(Primitive(KindString))), false},
		{
			"nested tuple",
			Tuple(Primitive(KindS32), List(Primitive(KindU8))),
			Tuple(Primitive(KindS32), List(Primitive(KindU8))),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestResultsEquality(t *testing.T) {
	assert.True(t, NoResults().Equal(NoResults()))
	assert.True(t, AnonResult(Primitive(KindS32)).Equal(AnonResult(Primitive(KindS32))))
	assert.False(t, AnonResult(Primitive(KindS32)).Equal(NoResults()))

	named := NamedResults(Param{"ok", Primitive(KindBool)}, Param{"code", Primitive(KindS32)})
	assert.True(t, named.Equal(NamedResults(Param{"ok", Primitive(KindBool)}, Param{"code", Primitive(KindS32)})))
	assert.False(t, named.Equal(NamedResults(Param{"code", Primitive(KindS32)}, Param{"ok", Primitive(KindBool)})))
}

func TestIsComponentBinary(t *testing.T) {
	assert.True(t, IsComponentBinary(Magic))
	assert.False(t, IsComponentBinary([]byte{0x01, 0x02}))
	assert.False(t, IsComponentBinary(nil))
}

func TestCustomSectionRoundTrip(t *testing.T) {
	component := AppendCustomSection(Magic, mathSource)

	pkg, err := ExtractFromBinary(component)
	require.NoError(t, err)
	assert.Equal(t, "corral:math", pkg.ID)
	assert.Contains(t, pkg.Interfaces, "math")
}

func TestExtractMissingSection(t *testing.T) {
	_, err := ExtractFromBinary(Magic)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindWitInterfaceNotFound, errdefs.KindOf(err))

	_, err = ExtractFromBinary([]byte{0xde, 0xad})
	assert.Equal(t, errdefs.KindInvalidComponent, errdefs.KindOf(err))
}

func ptr(t Type) *Type { return &t }
