// Package linker matches component imports against registered exports
// and validates that linked interfaces are structurally compatible.
package linker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/wit"
)

// exportEntry records who provides an interface under an export key.
type exportEntry struct {
	componentID string
	iface       *wit.Interface
}

// importEntry is one pending world-import of a component.
type importEntry struct {
	importName string
	ref        wit.InterfaceRef
}

type linkKey struct {
	importer   string
	importName string
}

// Linker holds the export table, pending imports, and resolved links.
// All methods are safe for concurrent use.
type Linker struct {
	mu             sync.RWMutex
	exports        map[string]exportEntry
	pendingImports map[string][]importEntry
	resolvedLinks  map[linkKey]string
}

// New returns an empty linker.
func New() *Linker {
	return &Linker{
		exports:        make(map[string]exportEntry),
		pendingImports: make(map[string][]importEntry),
		resolvedLinks:  make(map[linkKey]string),
	}
}

// exportKey builds the canonical "{package}/{interface}" key.
func exportKey(packageID, ifaceName string) string {
	return packageID + "/" + ifaceName
}

// RegisterExports records every interface the package defines, plus
// every world export naming a local interface, under the exporting
// component.
func (l *Linker) RegisterExports(componentID string, pkg *wit.Package) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, iface := range pkg.Interfaces {
		l.exports[exportKey(pkg.ID, name)] = exportEntry{componentID: componentID, iface: iface}
	}

	for _, world := range pkg.Worlds {
		for _, export := range world.Exports {
			if !export.Interface.IsLocal() {
				continue
			}
			if iface, ok := pkg.Interfaces[export.Interface.Local]; ok {
				l.exports[exportKey(pkg.ID, export.Name)] = exportEntry{componentID: componentID, iface: iface}
			}
		}
	}
}

// RegisterImports records each world import of the package as pending
// for the component.
func (l *Linker) RegisterImports(componentID string, pkg *wit.Package) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var imports []importEntry
	for _, world := range pkg.Worlds {
		for _, item := range world.Imports {
			imports = append(imports, importEntry{importName: item.Name, ref: item.Interface})
		}
	}

	if len(imports) > 0 {
		l.pendingImports[componentID] = imports
	}
}

// ResolveImports attempts to bind every pending import of the
// component to a registered export. Interface compatibility is checked
// before a link is recorded; an export that exists but does not match
// structurally fails with WitTypeMismatch. Imports with no matching
// export are left pending (CheckSatisfied reports them).
func (l *Linker) ResolveImports(componentID string, pkg *wit.Package) error {
	l.RegisterImports(componentID, pkg)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, imp := range l.pendingImports[componentID] {
		var key string
		if imp.ref.IsLocal() {
			key = exportKey(pkg.ID, imp.ref.Local)
		} else {
			key = exportKey(imp.ref.Package, imp.ref.Interface)
		}

		export, ok := l.exports[key]
		if !ok {
			continue
		}

		// an importer declaring the interface locally pins the shape the
		// exporter must provide
		if imp.ref.IsLocal() {
			if required, ok := pkg.Interfaces[imp.ref.Local]; ok {
				if err := CheckCompatibility(export.iface, required); err != nil {
					return err
				}
			}
		}

		l.resolvedLinks[linkKey{importer: componentID, importName: imp.importName}] = export.componentID
	}

	return nil
}

// CheckSatisfied fails with a WitIncompatible "unsatisfied import"
// error when the component has a pending import without a resolved
// link.
func (l *Linker) CheckSatisfied(componentID string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, imp := range l.pendingImports[componentID] {
		if _, ok := l.resolvedLinks[linkKey{importer: componentID, importName: imp.importName}]; !ok {
			return errdefs.New(errdefs.KindWitIncompatible, componentID,
				"unsatisfied import: %s", imp.importName)
		}
	}
	return nil
}

// Provider returns the component providing an import, if resolved.
func (l *Linker) Provider(componentID, importName string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	provider, ok := l.resolvedLinks[linkKey{importer: componentID, importName: importName}]
	return provider, ok
}

// ResolvedImports returns the (import name, provider) pairs of a
// component, sorted by import name.
func (l *Linker) ResolvedImports(componentID string) [][2]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out [][2]string
	for key, provider := range l.resolvedLinks {
		if key.importer == componentID {
			out = append(out, [2]string{key.importName, provider})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// ExportedInterface returns the interface registered under the export
// key "{package}/{interface}".
func (l *Linker) ExportedInterface(key string) (*wit.Interface, string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.exports[key]
	if !ok {
		return nil, "", false
	}
	return entry.iface, entry.componentID, true
}

// ListExports returns (export key, component) pairs, sorted by key.
func (l *Linker) ListExports() [][2]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out [][2]string
	for key, entry := range l.exports {
		out = append(out, [2]string{key, entry.componentID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// InstantiationOrder topologically sorts components over the
// resolved-link edges so providers come before importers. A cycle
// fails with DependencyCycle naming the remaining members.
func (l *Linker) InstantiationOrder() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inDegree := make(map[string]int)
	dependents := make(map[string][]string)

	for componentID := range l.pendingImports {
		inDegree[componentID] += 0
	}
	for _, entry := range l.exports {
		inDegree[entry.componentID] += 0
	}

	for key, provider := range l.resolvedLinks {
		if key.importer == provider {
			continue
		}
		inDegree[key.importer]++
		dependents[provider] = append(dependents[provider], key.importer)
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		deps := dependents[current]
		sort.Strings(deps)
		for _, dep := range deps {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(inDegree) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, errdefs.New(errdefs.KindDependencyCycle, "",
			"circular dependency among: %v", remaining)
	}

	return order, nil
}

// Unregister drops every table entry belonging to the component.
func (l *Linker) Unregister(componentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.exports {
		if entry.componentID == componentID {
			delete(l.exports, key)
		}
	}
	delete(l.pendingImports, componentID)
	for key, provider := range l.resolvedLinks {
		if key.importer == componentID || provider == componentID {
			delete(l.resolvedLinks, key)
		}
	}
}

// Clear resets all tables.
func (l *Linker) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exports = make(map[string]exportEntry)
	l.pendingImports = make(map[string][]importEntry)
	l.resolvedLinks = make(map[linkKey]string)
}

// CheckCompatibility verifies the exporter satisfies every function
// the importer expects: same name, same arity, equal parameter types,
// and a compatible result shape.
func CheckCompatibility(exporter, importer *wit.Interface) error {
	for name, required := range importer.Functions {
		provided, ok := exporter.Functions[name]
		if !ok {
			return errdefs.New(errdefs.KindWitTypeMismatch, "",
				"interface %q: expected function %s, got missing", importer.Name, name)
		}

		if len(required.Params) != len(provided.Params) {
			return errdefs.New(errdefs.KindWitTypeMismatch, "",
				"interface %q: expected %d params for %s, got %d",
				importer.Name, len(required.Params), name, len(provided.Params))
		}

		for i := range required.Params {
			if !required.Params[i].Type.Equal(provided.Params[i].Type) {
				return errdefs.New(errdefs.KindWitTypeMismatch, "",
					"interface %q: param %d of %s: expected %s, got %s",
					importer.Name, i, name,
					typeLabel(required.Params[i].Type), typeLabel(provided.Params[i].Type))
			}
		}

		if !required.Results.Equal(provided.Results) {
			return errdefs.New(errdefs.KindWitTypeMismatch, "",
				"interface %q: incompatible result shape for %s", importer.Name, name)
		}
	}
	return nil
}

func typeLabel(t wit.Type) string {
	switch t.Kind {
	case wit.KindList, wit.KindOption:
		return fmt.Sprintf("%s<%s>", t.Kind, typeLabel(*t.Elem))
	default:
		return string(t.Kind)
	}
}
