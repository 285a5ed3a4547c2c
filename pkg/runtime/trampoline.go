package runtime

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/values"
	"github.com/corralhq/corral/pkg/wit"
)

// boundImport pairs a resolved import binding with the provider's
// interface so trampolines know each function's signature.
type boundImport struct {
	binding ImportBinding
	iface   *wit.Interface
}

// installTrampolines registers one host module per import binding.
// Each host function enforces the caller's component-call capability,
// resolves the provider through the instance-table back-reference,
// encodes arguments, dispatches, and decodes results.
func installTrampolines(ctx context.Context, r wazero.Runtime, inst *Instance, bound []boundImport) error {
	for _, b := range bound {
		builder := r.NewHostModuleBuilder(b.binding.ImportName)

		for _, fnName := range b.binding.Functions {
			sig, ok := b.iface.Functions[fnName]
			if !ok {
				return errdefs.New(errdefs.KindWitBindingFailed, inst.ComponentID(),
					"no signature for import %s.%s", b.binding.ImportName, fnName)
			}

			provider := b.binding.ProviderComponent
			fn := fnName
			declared := sig

			paramTypes, resultTypes := coreSignature(declared)
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(callCtx context.Context, mod api.Module, stack []uint64) {
					dispatchImport(callCtx, mod, stack, inst, provider, fn, declared)
				}), paramTypes, resultTypes).
				Export(fnName)
		}

		if _, err := builder.Instantiate(ctx); err != nil {
			return errdefs.Wrap(errdefs.KindComponentInstantiation, inst.ComponentID(), err,
				"install import %q", b.binding.ImportName)
		}
	}
	return nil
}

// dispatchImport is the trampoline body. Failures propagate as panics,
// which the embedded engine converts into a guest trap.
func dispatchImport(ctx context.Context, mod api.Module, stack []uint64, inst *Instance, provider, fn string, sig wit.Function) {
	specific := capability.ComponentCall(provider, fn)
	if !inst.HasCapability(specific) && !inst.HasCapability(capability.ComponentCallAny(provider)) {
		panic(errdefs.New(errdefs.KindCapabilityDenied, inst.ComponentID(),
			"denied: %s", specific.Description()))
	}

	target, err := inst.resolver.resolveProvider(provider)
	if err != nil {
		panic(err)
	}

	if scalarSignature(sig) {
		dispatchScalar(stack, target, fn, sig)
		return
	}
	dispatchViaMemory(ctx, mod, stack, target, fn)
}

func dispatchScalar(stack []uint64, target *Instance, fn string, sig wit.Function) {
	args := make([]values.Value, len(sig.Params))
	for n, p := range sig.Params {
		v, err := values.RaiseWord(stack[n], p.Type)
		if err != nil {
			panic(err)
		}
		args[n] = v
	}

	result, err := target.Call(fn, args)
	if err != nil {
		panic(err)
	}

	ret := values.Unit()
	if result.ReturnValue != nil {
		ret = *result.ReturnValue
	}

	switch sig.Results.Shape {
	case wit.ResultsNone:
	case wit.ResultsAnon:
		word, err := ret.LowerWord()
		if err != nil {
			panic(err)
		}
		stack[0] = word
	default:
		// multi-results convey as a tuple from the provider
		items := ret.Items
		if ret.Kind != values.KindTuple || len(items) != len(sig.Results.Named) {
			panic(errdefs.New(errdefs.KindWitTypeMismatch, target.ComponentID(),
				"expected %d results, got %s", len(sig.Results.Named), ret.Kind))
		}
		for n, item := range items {
			word, err := item.LowerWord()
			if err != nil {
				panic(err)
			}
			stack[n] = word
		}
	}
}

func dispatchViaMemory(ctx context.Context, mod api.Module, stack []uint64, target *Instance, fn string) {
	ptr := uint32(stack[0])
	length := uint32(stack[1])

	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		panic(errdefs.New(errdefs.KindExecutionFailed, target.ComponentID(),
			"import argument pointer %d+%d outside guest memory", ptr, length))
	}
	args, err := values.DecodeAll(data)
	if err != nil {
		panic(err)
	}

	result, err := target.Call(fn, args)
	if err != nil {
		panic(err)
	}

	ret := values.Unit()
	if result.ReturnValue != nil {
		ret = *result.ReturnValue
	}
	payload, err := values.Encode(ret)
	if err != nil {
		panic(err)
	}

	retPtr := allocateInCaller(ctx, mod, payload)
	stack[0] = uint64(retPtr)<<32 | uint64(uint32(len(payload)))
}

// allocateInCaller writes payload into the calling module's memory via
// its allocate export.
func allocateInCaller(ctx context.Context, mod api.Module, payload []byte) uint32 {
	alloc := mod.ExportedFunction("allocate")
	if alloc == nil {
		panic(errdefs.New(errdefs.KindWitBindingFailed, mod.Name(),
			"caller does not export allocate; compound import results need the memory protocol"))
	}
	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil || len(results) == 0 {
		panic(errdefs.New(errdefs.KindExecutionFailed, mod.Name(), "allocate failed in caller"))
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, payload) {
		panic(errdefs.New(errdefs.KindExecutionFailed, mod.Name(), "write import result failed"))
	}
	return ptr
}

// coreSignature maps a declared function onto core stack types.
// Non-scalar signatures collapse to the (ptr, len) -> packed form.
func coreSignature(fn wit.Function) (params, results []api.ValueType) {
	if !scalarSignature(fn) {
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}
	}

	for _, p := range fn.Params {
		params = append(params, coreType(p.Type))
	}
	switch fn.Results.Shape {
	case wit.ResultsAnon:
		results = append(results, coreType(*fn.Results.Anon))
	case wit.ResultsNamed:
		for _, r := range fn.Results.Named {
			results = append(results, coreType(r.Type))
		}
	}
	return params, results
}

func coreType(t wit.Type) api.ValueType {
	switch t.Kind {
	case wit.KindU64, wit.KindS64:
		return api.ValueTypeI64
	case wit.KindF32:
		return api.ValueTypeF32
	case wit.KindF64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}
