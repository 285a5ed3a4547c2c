package registry

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLockfile() *Lockfile {
	l := NewLockfile()
	l.Add(LockedComponent{Name: "b", Version: "1.2.3", SHA256: "hash-b"})
	l.Add(LockedComponent{Name: "a", Version: "0.1.0", SHA256: "hash-a", Dependencies: []string{"b"}})
	return l
}

func TestLockfileCanonicalSerialization(t *testing.T) {
	serialized := string(sampleLockfile().Serialize())

	expected := "version = 1\n" +
		"\n[[components]]\n" +
		"name = \"a\"\n" +
		"version = \"0.1.0\"\n" +
		"sha256 = \"hash-a\"\n" +
		"dependencies = [\"b\"]\n" +
		"\n[[components]]\n" +
		"name = \"b\"\n" +
		"version = \"1.2.3\"\n" +
		"sha256 = \"hash-b\"\n" +
		"dependencies = []\n" +
		"\nintegrity = \"" + sampleLockfile().Integrity() + "\"\n"

	assert.Equal(t, expected, serialized)
	assert.Equal(t, byte('\n'), serialized[len(serialized)-1], "trailing newline")
}

func TestLockfileInsertionOrderIrrelevant(t *testing.T) {
	forward := NewLockfile()
	forward.Add(LockedComponent{Name: "a", Version: "0.1.0", SHA256: "hash-a", Dependencies: []string{"b"}})
	forward.Add(LockedComponent{Name: "b", Version: "1.2.3", SHA256: "hash-b"})

	backward := NewLockfile()
	backward.Add(LockedComponent{Name: "b", Version: "1.2.3", SHA256: "hash-b"})
	backward.Add(LockedComponent{Name: "a", Version: "0.1.0", SHA256: "hash-a", Dependencies: []string{"b"}})

	assert.Equal(t, forward.Serialize(), backward.Serialize())
}

func TestLockfileRoundTripStable(t *testing.T) {
	first := sampleLockfile().Serialize()

	parsed, err := ParseLockfile(first)
	require.NoError(t, err)
	second := parsed.Serialize()

	assert.Equal(t, first, second)
	assert.True(t, parsed.Verify())
}

func TestLockfileVerifyDetectsEdit(t *testing.T) {
	data := sampleLockfile().Serialize()

	tampered := []byte(strings.Replace(string(data), "hash-a", "hash-X", 1))

	parsed, err := ParseLockfile(tampered)
	require.NoError(t, err)
	assert.False(t, parsed.Verify())
}

func TestLockfileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockfileName)
	require.NoError(t, sampleLockfile().Save(path))

	loaded, err := VerifyLockfileFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())

	entry, ok := loaded.Get("a")
	require.True(t, ok)
	assert.Equal(t, "0.1.0", entry.Version)
	assert.Equal(t, []string{"b"}, entry.Dependencies)
}

func TestLockfileAddReplacesByName(t *testing.T) {
	l := NewLockfile()
	l.Add(LockedComponent{Name: "a", Version: "1.0.0", SHA256: "one"})
	l.Add(LockedComponent{Name: "a", Version: "2.0.0", SHA256: "two"})

	assert.Equal(t, 1, l.Len())
	entry, _ := l.Get("a")
	assert.Equal(t, "2.0.0", entry.Version)

	l.Remove("a")
	assert.Equal(t, 0, l.Len())
}

func TestLockfileParseRejectsGarbage(t *testing.T) {
	_, err := ParseLockfile([]byte("not a lockfile\n"))
	assert.Error(t, err)
}
