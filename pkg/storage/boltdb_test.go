package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestComponentRoundTrip(t *testing.T) {
	store := openStore(t)

	record := &ComponentRecord{
		ID:           "calc",
		Source:       "acme:calc",
		Version:      "1.0.0",
		SHA256:       "abc123",
		Dependencies: []string{"math"},
		Capabilities: []string{"stdout", "stderr"},
		RestartCount: 2,
		LastStatus:   "running",
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveComponent(record))

	got, err := store.GetComponent("calc")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	all, err := store.ListComponents()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteComponent("calc"))
	_, err = store.GetComponent("calc")
	assert.Error(t, err)
}

func TestComponentUpsert(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.SaveComponent(&ComponentRecord{ID: "calc", RestartCount: 0}))
	require.NoError(t, store.SaveComponent(&ComponentRecord{ID: "calc", RestartCount: 3}))

	got, err := store.GetComponent("calc")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.RestartCount)
}

func TestInstallRoundTrip(t *testing.T) {
	store := openStore(t)

	record := &InstallRecord{
		Name:        "acme:calc",
		Version:     "1.0.0",
		SHA256:      "deadbeef",
		Path:        "/tmp/acme__calc@1.0.0.wasm",
		InstalledAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveInstall(record))

	got, err := store.GetInstall("acme:calc", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	all, err := store.ListInstalls()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteInstall("acme:calc", "1.0.0"))
	_, err = store.GetInstall("acme:calc", "1.0.0")
	assert.Error(t, err)
}
