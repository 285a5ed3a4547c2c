package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/errdefs"
)

func TestAllowsHierarchy(t *testing.T) {
	tests := []struct {
		name    string
		granted Capability
		asked   Capability
		want    bool
	}{
		{"exact file read", FileRead("/data/file.txt"), FileRead("/data/file.txt"), true},
		{"dir read covers child file", DirRead("/data"), FileRead("/data/file.txt"), true},
		{"dir read covers nested child", DirRead("/data"), FileRead("/data/sub/deep.txt"), true},
		{"dir read does not cover sibling", DirRead("/data"), FileRead("/etc/passwd"), false},
		{"dir read does not cover prefix lookalike", DirRead("/data"), FileRead("/database/x"), false},
		{"file write covers child", FileWrite("/out"), FileWrite("/out/log.txt"), true},
		{"file write does not cover read", FileWrite("/out"), FileRead("/out/log.txt"), false},
		{"unrestricted covers anything", Unrestricted(), NetConnect("example.com", 443), true},
		{"env all covers single", EnvReadAll(), EnvRead("HOME"), true},
		{"single env does not cover all", EnvRead("HOME"), EnvReadAll(), false},
		{"call any covers same component", ComponentCallAny("calc"), ComponentCall("calc", "add"), true},
		{"call any does not cover other component", ComponentCallAny("calc"), ComponentCall("store", "get"), false},
		{"specific call does not cover any", ComponentCall("calc", "add"), ComponentCallAny("calc"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.granted.Allows(tt.asked))
		})
	}
}

func TestSetCheck(t *testing.T) {
	s := NewSet()
	s.Grant(DirRead("/data"))

	assert.True(t, s.Has(FileRead("/data/a.txt")))
	assert.NoError(t, s.Check(FileRead("/data/a.txt")))

	err := s.Check(NetConnect("localhost", 80))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindCapabilityDenied, errdefs.KindOf(err))
}

func TestSetMergeIntersect(t *testing.T) {
	a := NewSet()
	a.Grant(Stdout())
	a.Grant(Clock())

	b := NewSet()
	b.Grant(Clock())
	b.Grant(Random())

	merged := a.Clone()
	merged.Merge(b)
	assert.Equal(t, 3, merged.Len())

	inter := a.Intersect(b)
	assert.True(t, inter.Has(Clock()))
	assert.False(t, inter.Has(Stdout()))
	assert.False(t, inter.Has(Random()))
}

func TestSetRevoke(t *testing.T) {
	s := CLIDefault()
	assert.True(t, s.Has(Args()))

	s.Revoke(Args())
	assert.False(t, s.Has(Args()))
}

func TestDefaultSets(t *testing.T) {
	det := Deterministic()
	assert.True(t, det.Has(Stdout()))
	assert.True(t, det.Has(Stderr()))
	assert.False(t, det.Has(Clock()))

	cli := CLIDefault()
	assert.True(t, cli.Has(Stdin()))
	assert.True(t, cli.Has(Args()))
	assert.False(t, cli.Has(NetConnect("localhost", 80)))

	dev := DevDefault()
	assert.True(t, dev.Has(Clock()))
	assert.True(t, dev.Has(Cwd()))
}

func TestParse(t *testing.T) {
	tests := []struct {
		spec string
		want Capability
	}{
		{"clock", Clock()},
		{"random", Random()},
		{"stdin", Stdin()},
		{"stdout", Stdout()},
		{"stderr", Stderr()},
		{"all", Unrestricted()},
		{"env:*", EnvReadAll()},
		{"env:HOME", EnvRead("HOME")},
		{"fs:read:/data", FileRead("/data")},
		{"fs:write:/tmp/out", FileWrite("/tmp/out")},
		{"net:listen:8080", NetListen(8080)},
		{"net:connect:example.com:443", NetConnect("example.com", 443)},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, spec := range []string{"", "bogus", "env:", "fs:read:", "net:connect:host", "net:listen:notaport", "net:connect:example.com:99999"} {
		_, err := Parse(spec)
		assert.Error(t, err, "spec %q", spec)
	}
}

func TestHostMatching(t *testing.T) {
	assert.True(t, hostMatches("*", "example.com"))
	assert.True(t, hostMatches("*.example.com", "api.example.com"))
	assert.False(t, hostMatches("*.example.com", "example.com"))
	assert.True(t, hostMatches("example.com", "example.com"))
	assert.False(t, hostMatches("example.com", "other.com"))
}

func TestPolicyHostRules(t *testing.T) {
	p := ProductionPolicy()
	p.AllowedHosts = []string{"*.trusted.io"}
	p.BlockedHosts = []string{"evil.trusted.io"}

	assert.True(t, p.IsHostAllowed("api.trusted.io"))
	assert.False(t, p.IsHostAllowed("evil.trusted.io"), "blocked overrides allowed")
	assert.False(t, p.IsHostAllowed("unknown.com"))
}

func TestPolicyEmptyAllowList(t *testing.T) {
	prod := ProductionPolicy()
	assert.False(t, prod.IsHostAllowed("example.com"))

	dev := DevelopmentPolicy()
	dev.AllowedHosts = nil
	assert.True(t, dev.IsHostAllowed("example.com"))

	dev.BlockedHosts = []string{"example.com"}
	assert.False(t, dev.IsHostAllowed("example.com"))
}

func TestPolicyValidate(t *testing.T) {
	p := ProductionPolicy()

	err := p.Validate(UnrestrictedSet())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidCapability, errdefs.KindOf(err))

	s := NewSet()
	s.Grant(NetConnect("blocked.example.com", 443))
	assert.Error(t, p.Validate(s))

	p.AllowedHosts = []string{"blocked.example.com"}
	assert.NoError(t, p.Validate(s))

	dev := DevelopmentPolicy()
	assert.NoError(t, dev.Validate(UnrestrictedSet()))
}
