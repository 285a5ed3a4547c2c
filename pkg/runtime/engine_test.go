package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/values"
	"github.com/corralhq/corral/pkg/wit"
)

// addModule exports add(i32, i32) -> i32.
var addModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// userModule imports math.add and exports use-add(i32, i32) -> i32.
var userModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x02, 0x0c, 0x01, 0x04, 0x6d, 0x61, 0x74, 0x68, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0b, 0x01, 0x07, 0x75, 0x73, 0x65, 0x2d, 0x61, 0x64, 0x64, 0x00, 0x01,
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b,
}

// spinModule exports spin() looping forever.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 0x73, 0x70, 0x69, 0x6e, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

const mathWIT = `package corral:math;

interface math {
  add: func(a: s32, b: s32) -> s32;
}

world provider {
  export math;
}
`

const userWIT = `package corral:app;

interface app {
  use-add: func(x: s32, y: s32) -> s32;
}

world user {
  import corral:math/math;
  export app;
}
`

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Security = capability.DevelopmentPolicy()
	cfg.EpochInterruption = false
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestLoadMinimalComponent(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)

	info, ok := e.ComponentInfo(id)
	require.True(t, ok)
	assert.Equal(t, "93a44bbb96c751218e4c00d479e4c14358122a389acca16205b1e4d0dc5f9476", info.Hash)
	assert.Equal(t, 8, info.SizeBytes)
	assert.True(t, e.IsLoaded(id))
}

func TestLoadRejectsNonComponent(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.LoadComponentBytes("bogus", []byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidComponent, errdefs.KindOf(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", append([]byte(nil), wit.Magic...))
	require.NoError(t, err)
	require.NoError(t, e.VerifyComponent(id))

	e.mu.Lock()
	e.components[id].Bytes[7] ^= 0xff
	e.mu.Unlock()

	err = e.VerifyComponent(id)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindHashMismatch, errdefs.KindOf(err))
}

func TestScalarCall(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)

	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	result, err := e.Call(handle, "add", []values.Value{values.S32(2), values.S32(3)})
	require.NoError(t, err)
	require.NotNil(t, result.ReturnValue)
	assert.Equal(t, values.S32(5), *result.ReturnValue)
	assert.Equal(t, int32(0), result.ExitCode)
	assert.Empty(t, result.Stdout)

	inst, err := e.GetInstance(handle)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, inst.State())
}

func TestCallUnknownFunction(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	_, err = e.Call(handle, "subtract", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExecutionFailed, errdefs.KindOf(err))
}

func TestInterComponentLinkage(t *testing.T) {
	e := newTestEngine(t, nil)

	providerID, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	userID, err := e.LoadComponentBytes("user", wit.AppendCustomSection(userModule, userWIT))
	require.NoError(t, err)

	_, err = e.Instantiate(providerID, capability.Deterministic())
	require.NoError(t, err)

	userCaps := capability.Deterministic()
	userCaps.Grant(capability.ComponentCallAny(providerID))
	userHandle, err := e.Instantiate(userID, userCaps)
	require.NoError(t, err)

	result, err := e.Call(userHandle, "use-add", []values.Value{values.S32(2), values.S32(3)})
	require.NoError(t, err)
	require.NotNil(t, result.ReturnValue)
	assert.Equal(t, values.S32(5), *result.ReturnValue)
}

func TestInterComponentCallDeniedWithoutCapability(t *testing.T) {
	e := newTestEngine(t, nil)

	providerID, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	userID, err := e.LoadComponentBytes("user", wit.AppendCustomSection(userModule, userWIT))
	require.NoError(t, err)

	_, err = e.Instantiate(providerID, capability.Deterministic())
	require.NoError(t, err)

	userHandle, err := e.Instantiate(userID, capability.Deterministic())
	require.NoError(t, err)

	_, err = e.Call(userHandle, "use-add", []values.Value{values.S32(2), values.S32(3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestUnsatisfiedImportFailsInstantiation(t *testing.T) {
	e := newTestEngine(t, nil)

	userID, err := e.LoadComponentBytes("user", wit.AppendCustomSection(userModule, userWIT))
	require.NoError(t, err)

	_, err = e.Instantiate(userID, capability.Deterministic())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindComponentInstantiation, errdefs.KindOf(err))
}

func TestFuelExhaustion(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.FuelLimit = 7
	})

	id, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	args := []values.Value{values.S32(1), values.S32(1)}

	_, err = e.Call(handle, "add", args)
	require.NoError(t, err)
	_, err = e.Call(handle, "add", args)
	require.NoError(t, err)

	_, err = e.Call(handle, "add", args)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindFuelExhausted, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "7")

	inst, getErr := e.GetInstance(handle)
	require.NoError(t, getErr)
	assert.Equal(t, StateError, inst.State())
}

func TestEpochDeadlineTrapsSpinningGuest(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.EpochInterruption = true
		cfg.EpochTick = 2 * time.Millisecond
		cfg.Security.MaxExecutionTimeMS = 50
	})

	spinWIT := `package corral:spin;

interface spinner {
  spin: func();
}

world spinner-world {
  export spinner;
}
`
	id, err := e.LoadComponentBytes("spinner", wit.AppendCustomSection(spinModule, spinWIT))
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Call(handle, "spin", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)

	inst, getErr := e.GetInstance(handle)
	require.NoError(t, getErr)
	assert.Equal(t, StateError, inst.State())
}

func TestMemoryPoolBoundsInstances(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.MaxConcurrentComponents = 1
	})

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)

	first, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	_, err = e.Instantiate(id, capability.Deterministic())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindMemoryExceeded, errdefs.KindOf(err))

	require.NoError(t, e.Terminate(first))
	_, err = e.Instantiate(id, capability.Deterministic())
	assert.NoError(t, err, "terminating releases the memory slot")
}

func TestPolicyRejectsUnrestricted(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Security = capability.ProductionPolicy()
	})

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)

	_, err = e.Instantiate(id, capability.UnrestrictedSet())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidCapability, errdefs.KindOf(err))
}

func TestPolicyRejectsBlockedHost(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Security = capability.ProductionPolicy()
		cfg.Security.BlockedHosts = []string{"evil.example.com"}
	})

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)

	caps := capability.NewSet()
	caps.Grant(capability.NetConnect("evil.example.com", 443))
	_, err = e.Instantiate(id, caps)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInvalidCapability, errdefs.KindOf(err))
}

func TestRunCLIRequiresArgsCapability(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	_, err = e.RunCLI(handle, CLIContext{Args: []string{"--help"}})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindCapabilityDenied, errdefs.KindOf(err))
}

func TestRunCLIWithoutEntryCompletes(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.CLIDefault())
	require.NoError(t, err)

	result, err := e.RunCLI(handle, CLIContext{Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
}

func TestTerminateRemovesInstance(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)
	assert.Equal(t, 1, e.ActiveInstances())

	require.NoError(t, e.Terminate(handle))
	assert.Equal(t, 0, e.ActiveInstances())

	_, err = e.GetInstance(handle)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindComponentNotFound, errdefs.KindOf(err))

	// idempotent
	assert.NoError(t, e.Terminate(handle))
}

func TestUnloadDropsInstancesAndLinks(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	_, err = e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	require.NoError(t, e.Unload(id))
	assert.False(t, e.IsLoaded(id))
	assert.Equal(t, 0, e.ActiveInstances())
	assert.Empty(t, e.Linker().ListExports())
}

func TestPauseResumeStateMachine(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("empty", wit.Magic)
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	inst, err := e.GetInstance(handle)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, inst.State())

	err = inst.Pause()
	require.Error(t, err)
	assert.Equal(t, errdefs.KindLifecycle, errdefs.KindOf(err))

	inst.setState(StateRunning)
	require.NoError(t, inst.Pause())
	assert.Equal(t, StatePaused, inst.State())

	err = inst.Pause()
	assert.Error(t, err, "double pause")

	require.NoError(t, inst.Resume())
	assert.Equal(t, StateRunning, inst.State())

	err = inst.Resume()
	assert.Error(t, err, "resume while running")
}

func TestStatsAccumulate(t *testing.T) {
	e := newTestEngine(t, nil)

	id, err := e.LoadComponentBytes("mathp", wit.AppendCustomSection(addModule, mathWIT))
	require.NoError(t, err)
	handle, err := e.Instantiate(id, capability.Deterministic())
	require.NoError(t, err)

	_, err = e.Call(handle, "add", []values.Value{values.S32(1), values.S32(2)})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 1, stats.ComponentsLoaded)
	assert.Equal(t, uint64(1), stats.Instantiations)
	assert.Equal(t, uint64(1), stats.FunctionCalls)
}
