package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/wit"
)

func TestParseGrammar(t *testing.T) {
	tests := []struct {
		raw  string
		want Value
	}{
		{"bool:true", Bool(true)},
		{"bool:false", Bool(false)},
		{"u8:255", U8(255)},
		{"u16:1000", U16(1000)},
		{"u32:70000", U32(70000)},
		{"u64:18446744073709551615", U64(18446744073709551615)},
		{"s8:-12", S8(-12)},
		{"s32:42", S32(42)},
		{"s64:-9000000000", S64(-9000000000)},
		{"f32:1.5", F32(1.5)},
		{"f64:-2.25", F64(-2.25)},
		{"char:x", Char('x')},
		{"string:hi", String("hi")},
		{"enum:ready", Enum("ready")},
		{"flags:a|b", Flags("a", "b")},
		{"flags:a, b", Flags("a", "b")},
		{"unit", Unit()},
		{"()", Unit()},
		{"plain text", String("plain text")},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"u8:300", "s32:notanumber", "f64:xyz", "char:", "mystery:1"} {
		_, err := Parse(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestParseAll(t *testing.T) {
	vs, err := ParseAll([]string{"s32:2", "s32:3"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	n, ok := vs[0].AsI32()
	assert.True(t, ok)
	assert.Equal(t, int32(2), n)
}

func TestScalarWordRoundTrip(t *testing.T) {
	tests := []struct {
		value Value
		typ   wit.Type
	}{
		{Bool(true), wit.Primitive(wit.KindBool)},
		{U8(200), wit.Primitive(wit.KindU8)},
		{U32(4_000_000_000), wit.Primitive(wit.KindU32)},
		{U64(1 << 63), wit.Primitive(wit.KindU64)},
		{S16(-300), wit.Primitive(wit.KindS16)},
		{S32(-42), wit.Primitive(wit.KindS32)},
		{S64(-1), wit.Primitive(wit.KindS64)},
		{F32(3.5), wit.Primitive(wit.KindF32)},
		{F64(-0.125), wit.Primitive(wit.KindF64)},
		{Char('λ'), wit.Primitive(wit.KindChar)},
	}

	for _, tt := range tests {
		t.Run(string(tt.value.Kind), func(t *testing.T) {
			require.True(t, tt.value.IsScalar())
			word, err := tt.value.LowerWord()
			require.NoError(t, err)

			back, err := RaiseWord(word, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.value, back)
		})
	}
}

func TestLowerNonScalarFails(t *testing.T) {
	_, err := String("hi").LowerWord()
	assert.Error(t, err)
	assert.False(t, String("hi").IsScalar())
}

func TestWireRoundTripCompound(t *testing.T) {
	payload := S32(7)
	v := Record(
		FieldValue{"name", String("corral")},
		FieldValue{"tags", List(String("a"), String("b"))},
		FieldValue{"shape", Variant("circle", &payload)},
		FieldValue{"maybe", Some(F64(2.5))},
		FieldValue{"nothing", None()},
		FieldValue{"outcome", OkResult(&payload)},
		FieldValue{"mode", Enum("fast")},
		FieldValue{"perms", Flags("read", "write")},
		FieldValue{"pair", Tuple(S32(1), String("two"))},
		FieldValue{"unit", Unit()},
	)

	data, err := Encode(v)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestWireRoundTripList(t *testing.T) {
	vs := []Value{S32(1), String("x"), ErrResult(nil)}

	data, err := EncodeAll(vs)
	require.NoError(t, err)

	back, err := DecodeAll(data)
	require.NoError(t, err)
	assert.Equal(t, vs, back)
}

func TestConforms(t *testing.T) {
	point := wit.Record(
		wit.Field{Name: "x", Type: wit.Primitive(wit.KindS32)},
		wit.Field{Name: "y", Type: wit.Primitive(wit.KindS32)},
	)

	good := Record(FieldValue{"x", S32(1)}, FieldValue{"y", S32(2)})
	assert.True(t, good.Conforms(point))

	wrongOrder := Record(FieldValue{"y", S32(2)}, FieldValue{"x", S32(1)})
	assert.False(t, wrongOrder.Conforms(point))

	assert.True(t, S32(5).Conforms(wit.Primitive(wit.KindS32)))
	assert.False(t, S32(5).Conforms(wit.Primitive(wit.KindS64)))

	assert.True(t, Enum("ready").Conforms(wit.Enum("ready", "busy")))
	assert.False(t, Enum("gone").Conforms(wit.Enum("ready", "busy")))

	assert.True(t, Flags("read").Conforms(wit.Flags("read", "write")))
	assert.False(t, Flags("exec").Conforms(wit.Flags("read", "write")))

	assert.True(t, List(S32(1), S32(2)).Conforms(wit.List(wit.Primitive(wit.KindS32))))
	assert.False(t, List(S32(1), String("x")).Conforms(wit.List(wit.Primitive(wit.KindS32))))
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "s32:42", S32(42).String())
	assert.Equal(t, "string:hi", String("hi").String())
	assert.Equal(t, "flags:a|b", Flags("a", "b").String())
	assert.Equal(t, "unit", Unit().String())
}
