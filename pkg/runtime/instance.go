package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/memory"
	"github.com/corralhq/corral/pkg/values"
	"github.com/corralhq/corral/pkg/wit"
)

// State is an instance lifecycle state.
type State uint32

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ImportBinding records one resolved import: the world import name,
// the functions it exposes, and the component providing them.
type ImportBinding struct {
	ImportName        string
	Functions         []string
	ProviderComponent string
}

// providerResolver looks live provider instances up in the engine's
// instance table. Instances hold it instead of the table itself so
// provider removal invalidates dispatch without an ownership cycle.
type providerResolver interface {
	resolveProvider(componentID string) (*Instance, error)
}

// CLIContext carries the invocation environment of a CLI entry.
type CLIContext struct {
	Args  []string
	Env   [][2]string
	Stdin []byte
}

// CallResult is the outcome of one guest call.
type CallResult struct {
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	ReturnValue *values.Value
}

// Instance is one live component instantiation with bounded resources.
// Calls on a single instance are serialised; distinct instances run
// concurrently.
type Instance struct {
	handle  InstanceHandle
	comp    *LoadedComponent
	caps    *capability.Set
	host    *hostContext
	mem     memory.Allocation
	exports map[string]wit.Function

	state    atomic.Uint32
	exitCode atomic.Int32

	// fuelRemaining is nil when metering is disabled
	fuelRemaining *atomic.Int64
	fuelLimit     uint64

	importBindings []ImportBinding
	resolver       providerResolver

	deadlineEpochs uint64
	arbiter        *epochArbiter

	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	baseCtx context.Context
	closeFn context.CancelFunc

	logger zerolog.Logger
}

// Handle returns the instance's opaque identifier.
func (i *Instance) Handle() InstanceHandle { return i.handle }

// ComponentID returns the id of the instantiated component.
func (i *Instance) ComponentID() string { return i.handle.ComponentID }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

func (i *Instance) setState(s State) { i.state.Store(uint32(s)) }

// HasCapability reports whether the instance's set allows c.
func (i *Instance) HasCapability(c capability.Capability) bool {
	return i.caps.Has(c)
}

// Exports returns the names of the functions the component exports.
func (i *Instance) Exports() []string {
	out := make([]string, 0, len(i.exports))
	for name := range i.exports {
		out = append(out, name)
	}
	return out
}

// ImportBindings returns the resolved import table.
func (i *Instance) ImportBindings() []ImportBinding {
	return i.importBindings
}

// RemainingFuel returns the unconsumed fuel budget; ok is false when
// metering is disabled.
func (i *Instance) RemainingFuel() (uint64, bool) {
	if i.fuelRemaining == nil {
		return 0, false
	}
	left := i.fuelRemaining.Load()
	if left < 0 {
		left = 0
	}
	return uint64(left), true
}

// consumeFuel debits cost units, failing with FuelExhausted when the
// budget cannot cover it.
func (i *Instance) consumeFuel(cost int64) error {
	if i.fuelRemaining == nil {
		return nil
	}
	left := i.fuelRemaining.Add(-cost)
	if left < 0 {
		i.setState(StateError)
		used := i.fuelLimit
		return errdefs.New(errdefs.KindFuelExhausted, i.ComponentID(),
			"used %d of %d fuel units", used, i.fuelLimit)
	}
	return nil
}

// ExitCode returns the recorded guest exit code.
func (i *Instance) ExitCode() int32 { return i.exitCode.Load() }

// ReadStdout returns the captured stdout buffer.
func (i *Instance) ReadStdout() []byte { return i.host.stdout.Bytes() }

// ReadStderr returns the captured stderr buffer.
func (i *Instance) ReadStderr() []byte { return i.host.stderr.Bytes() }

// Pause transitions Running to Paused.
func (i *Instance) Pause() error {
	if !i.state.CompareAndSwap(uint32(StateRunning), uint32(StatePaused)) {
		return errdefs.New(errdefs.KindLifecycle, i.ComponentID(), "can only pause running instances")
	}
	return nil
}

// Resume transitions Paused back to Running.
func (i *Instance) Resume() error {
	if !i.state.CompareAndSwap(uint32(StatePaused), uint32(StateRunning)) {
		return errdefs.New(errdefs.KindLifecycle, i.ComponentID(), "can only resume paused instances")
	}
	return nil
}

// MarkError forces the instance into the error state.
func (i *Instance) MarkError() { i.setState(StateError) }

// terminate tears the instance down. The base context is cancelled
// before taking the call mutex so an in-flight guest traps instead of
// blocking teardown.
func (i *Instance) terminate() {
	i.setState(StateTerminated)

	if i.closeFn != nil {
		i.closeFn()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.runtime != nil {
		_ = i.runtime.Close(context.Background())
		i.runtime = nil
		i.module = nil
	}
}

// Call invokes an exported function. Fuel is debited 1+arity up
// front; the call is trapped when its epoch deadline passes.
func (i *Instance) Call(function string, args []values.Value) (CallResult, error) {
	if len(i.exports) > 0 {
		if _, ok := i.exports[function]; !ok {
			return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(),
				"function %q not found", function)
		}
	}

	if err := i.consumeFuel(1 + int64(len(args))); err != nil {
		return CallResult{}, err
	}

	i.setState(StateRunning)

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.runtime == nil {
		i.setState(StateError)
		return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(), "instance is terminated")
	}

	ctx, done := i.callContext()
	defer done()

	if err := i.ensureModule(ctx); err != nil {
		i.setState(StateError)
		return CallResult{}, err
	}
	if i.module == nil {
		i.setState(StateError)
		return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(), "module exited during instantiation")
	}

	fn := i.module.ExportedFunction(function)
	if fn == nil {
		i.setState(StateError)
		return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(),
			"function %q not found", function)
	}

	var sig *wit.Function
	if decl, ok := i.exports[function]; ok {
		sig = &decl
	}

	ret, err := i.invoke(ctx, fn, sig, args)
	if err != nil {
		if cerr := i.classifyCallError(ctx, err); cerr != nil {
			return CallResult{}, cerr
		}
		// guest exited cleanly through proc_exit
		ret = nil
	}

	i.setState(StateCompleted)
	return CallResult{
		ExitCode:    i.exitCode.Load(),
		Stdout:      i.host.stdout.Bytes(),
		Stderr:      i.host.stderr.Bytes(),
		ReturnValue: ret,
	}, nil
}

// RunCLI invokes the conventional command-line entry point.
func (i *Instance) RunCLI(cliCtx CLIContext) (CallResult, error) {
	if err := i.caps.Check(capability.Args()); err != nil {
		return CallResult{}, errdefs.New(errdefs.KindCapabilityDenied, i.ComponentID(), "args")
	}

	if err := i.consumeFuel(1 + int64(len(cliCtx.Args))); err != nil {
		return CallResult{}, err
	}

	i.setState(StateRunning)

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.runtime == nil {
		i.setState(StateError)
		return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(), "instance is terminated")
	}
	if i.module != nil {
		i.setState(StateError)
		return CallResult{}, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(),
			"CLI entry must be the first invocation")
	}

	i.host.args = append([]string{i.ComponentID()}, cliCtx.Args...)
	i.host.stdin = cliCtx.Stdin
	i.host.env = append(i.host.env, cliCtx.Env...)

	ctx, done := i.callContext()
	defer done()

	if err := i.ensureModule(ctx); err != nil {
		i.setState(StateError)
		return CallResult{}, err
	}

	if start := exportedOrNil(i.module, "_start"); start != nil {
		if _, err := start.Call(ctx); err != nil {
			if cerr := i.classifyCallError(ctx, err); cerr != nil {
				return CallResult{}, cerr
			}
		}
	}

	i.setState(StateCompleted)
	return CallResult{
		ExitCode: i.exitCode.Load(),
		Stdout:   i.host.stdout.Bytes(),
		Stderr:   i.host.stderr.Bytes(),
	}, nil
}

// callContext builds the context for one guest call, arming the epoch
// deadline when interruption is enabled.
func (i *Instance) callContext() (context.Context, func()) {
	if i.arbiter == nil {
		return i.baseCtx, func() {}
	}

	ctx, cancel := context.WithCancel(i.baseCtx)
	watchID := i.arbiter.Watch(i.arbiter.Current()+i.deadlineEpochs, cancel)
	return ctx, func() {
		i.arbiter.Unwatch(watchID)
		cancel()
	}
}

// ensureModule lazily instantiates the compiled module. Deferral lets
// RunCLI deliver arguments before the guest observes them.
func (i *Instance) ensureModule(ctx context.Context) error {
	if i.module != nil {
		return nil
	}

	compiled, err := i.runtime.CompileModule(ctx, i.comp.Bytes)
	if err != nil {
		return errdefs.Wrap(errdefs.KindComponentInstantiation, i.ComponentID(), err, "compile failed")
	}

	mod, err := i.runtime.InstantiateModule(ctx, compiled, i.host.moduleConfig(i.handle.ID))
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			// a command module ran its start function during
			// instantiation and exited
			i.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			return errdefs.Wrap(errdefs.KindComponentInstantiation, i.ComponentID(), err, "instantiation failed")
		}
	}
	i.module = mod

	if i.module != nil {
		if initFn := i.module.ExportedFunction("_initialize"); initFn != nil {
			if _, err := initFn.Call(ctx); err != nil {
				return errdefs.Wrap(errdefs.KindComponentInstantiation, i.ComponentID(), err, "_initialize failed")
			}
		}
	}

	return nil
}

// invoke dispatches the call through the scalar fast path when every
// value fits a stack word, and through the linear-memory protocol
// otherwise.
func (i *Instance) invoke(ctx context.Context, fn api.Function, sig *wit.Function, args []values.Value) (*values.Value, error) {
	if sig != nil && !scalarSignature(*sig) {
		return i.invokeViaMemory(ctx, fn, sig, args)
	}

	words := make([]uint64, len(args))
	for n, arg := range args {
		if !arg.IsScalar() {
			if sig == nil {
				return nil, errdefs.New(errdefs.KindWitBindingFailed, i.ComponentID(),
					"compound argument %s requires an interface descriptor", arg.Kind)
			}
			return i.invokeViaMemory(ctx, fn, sig, args)
		}
		word, err := arg.LowerWord()
		if err != nil {
			return nil, err
		}
		words[n] = word
	}

	results, err := fn.Call(ctx, words...)
	if err != nil {
		return nil, err
	}

	return i.raiseResults(results, sig)
}

// raiseResults interprets returned stack words against the declared
// result shape. Multi-value results convey as a tuple; no results
// convey as nil.
func (i *Instance) raiseResults(words []uint64, sig *wit.Function) (*values.Value, error) {
	if len(words) == 0 {
		return nil, nil
	}

	if sig == nil {
		// without a descriptor the raw words surface as u64s
		if len(words) == 1 {
			v := values.U64(words[0])
			return &v, nil
		}
		items := make([]values.Value, len(words))
		for n, w := range words {
			items[n] = values.U64(w)
		}
		v := values.Tuple(items...)
		return &v, nil
	}

	switch sig.Results.Shape {
	case wit.ResultsNone:
		return nil, nil
	case wit.ResultsAnon:
		v, err := values.RaiseWord(words[0], *sig.Results.Anon)
		if err != nil {
			return nil, err
		}
		return &v, nil
	default:
		if len(words) != len(sig.Results.Named) {
			return nil, errdefs.New(errdefs.KindWitTypeMismatch, i.ComponentID(),
				"expected %d results, got %d", len(sig.Results.Named), len(words))
		}
		items := make([]values.Value, len(words))
		for n, w := range words {
			v, err := values.RaiseWord(w, sig.Results.Named[n].Type)
			if err != nil {
				return nil, err
			}
			items[n] = v
		}
		v := values.Tuple(items...)
		return &v, nil
	}
}

// invokeViaMemory passes compound arguments through guest linear
// memory: the encoded argument list is written into a guest-allocated
// block, the function receives (ptr, len), and a packed ptr/len word
// points at the encoded return value.
func (i *Instance) invokeViaMemory(ctx context.Context, fn api.Function, sig *wit.Function, args []values.Value) (*values.Value, error) {
	payload, err := values.EncodeAll(args)
	if err != nil {
		return nil, err
	}

	ptr, err := i.writeGuestBytes(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer i.deallocGuestBytes(ctx, ptr, uint32(len(payload)))

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || sig.Results.Shape == wit.ResultsNone {
		return nil, nil
	}

	packed := results[0]
	retPtr := uint32(packed >> 32)
	retLen := uint32(packed)
	if retPtr == 0 || retLen == 0 {
		return nil, nil
	}
	defer i.deallocGuestBytes(ctx, retPtr, retLen)

	data, ok := i.module.Memory().Read(retPtr, retLen)
	if !ok {
		return nil, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(),
			"result pointer %d+%d outside guest memory", retPtr, retLen)
	}
	out := make([]byte, retLen)
	copy(out, data)

	ret, err := values.Decode(out)
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

// writeGuestBytes copies data into a guest-allocated block and returns
// its address.
func (i *Instance) writeGuestBytes(ctx context.Context, data []byte) (uint32, error) {
	alloc := i.module.ExportedFunction("allocate")
	if alloc == nil {
		return 0, errdefs.New(errdefs.KindWitBindingFailed, i.ComponentID(),
			"guest does not export allocate; compound values need the memory protocol")
	}

	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindExecutionFailed, i.ComponentID(), err, "allocate failed")
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(), "allocate returned null")
	}

	ptr := uint32(results[0])
	if !i.module.Memory().Write(ptr, data) {
		return 0, errdefs.New(errdefs.KindExecutionFailed, i.ComponentID(),
			"write at %d+%d outside guest memory", ptr, len(data))
	}
	return ptr, nil
}

// deallocGuestBytes releases a guest block, best effort.
func (i *Instance) deallocGuestBytes(ctx context.Context, ptr, size uint32) {
	if dealloc := i.module.ExportedFunction("deallocate"); dealloc != nil {
		_, _ = dealloc.Call(ctx, uint64(ptr), uint64(size))
	}
}

// exportedOrNil tolerates a module that exited during instantiation.
func exportedOrNil(mod api.Module, name string) api.Function {
	if mod == nil {
		return nil
	}
	return mod.ExportedFunction(name)
}

// classifyCallError maps guest failures onto the error taxonomy and
// moves the instance to the error state.
func (i *Instance) classifyCallError(ctx context.Context, err error) error {
	i.setState(StateError)

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			i.logger.Warn().Msg("Call trapped by epoch deadline")
			return errdefs.New(errdefs.KindTimeout, i.ComponentID(), "call trapped by epoch deadline")
		default:
			i.exitCode.Store(int32(exitErr.ExitCode()))
			i.setState(StateCompleted)
			return nil
		}
	}

	if ctx.Err() != nil {
		i.logger.Warn().Msg("Call trapped by epoch deadline")
		return errdefs.New(errdefs.KindTimeout, i.ComponentID(), "call trapped by epoch deadline")
	}

	i.logger.Debug().Err(err).Msg("Guest trap")
	return errdefs.Wrap(errdefs.KindExecutionFailed, i.ComponentID(), err, "guest trap: %v", err)
}

// scalarSignature reports whether every param and result of the
// declared function lowers to a single stack word.
func scalarSignature(fn wit.Function) bool {
	for _, p := range fn.Params {
		if !values.ScalarType(p.Type) {
			return false
		}
	}
	switch fn.Results.Shape {
	case wit.ResultsAnon:
		return values.ScalarType(*fn.Results.Anon)
	case wit.ResultsNamed:
		for _, r := range fn.Results.Named {
			if !values.ScalarType(r.Type) {
				return false
			}
		}
	}
	return true
}
