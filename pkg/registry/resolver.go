package registry

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Catalog is the version-lookup surface the resolver solves against.
// The remote Client and the LocalRegistry both satisfy it.
type Catalog interface {
	Versions(ctx context.Context, name string) ([]*semver.Version, error)
	PackageInfo(ctx context.Context, name string, version *semver.Version) (*Package, error)
}

// ResolvedDependency is one solved member of the closure.
type ResolvedDependency struct {
	Name         string
	Version      *semver.Version
	SHA256       string
	Dependencies []string
}

// Resolver solves a dependency graph against a catalogue: for each
// package it picks the maximum version satisfying the merged
// constraints, then topologically orders the closure so dependencies
// precede dependents.
type Resolver struct{}

// NewResolver returns a resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve walks the dependency closure of the requested packages.
// Constraint merging keeps the more restrictive requirement, judged by
// requirement-string length as a conservative tiebreaker; a proper
// interval solver would replace this.
func (r *Resolver) Resolve(ctx context.Context, catalog Catalog, deps []Dependency) ([]ResolvedDependency, error) {
	constraints := make(map[string]Dependency)
	var queue []string
	for _, dep := range deps {
		constraints[dep.Name] = dep
		queue = append(queue, dep.Name)
	}

	resolved := make(map[string]ResolvedDependency)
	visited := make(map[string]bool)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		constraint := constraints[name]
		if constraint.Constraint == nil {
			constraint = AnyVersion(name)
		}

		available, err := catalog.Versions(ctx, name)
		if err != nil {
			return nil, err
		}

		var picked *semver.Version
		for _, v := range available {
			if constraint.Constraint.Check(v) && (picked == nil || v.GreaterThan(picked)) {
				picked = v
			}
		}
		if picked == nil {
			return nil, errdefs.New(errdefs.KindVersionResolution, "",
				"%s: no version satisfies %s", name, constraint.Raw)
		}

		pkg, err := catalog.PackageInfo(ctx, name, picked)
		if err != nil {
			return nil, err
		}

		var depNames []string
		for _, child := range pkg.Dependencies {
			depNames = append(depNames, child.Name)
			if visited[child.Name] {
				continue
			}
			if existing, ok := constraints[child.Name]; ok {
				if moreRestrictive(child, existing) {
					constraints[child.Name] = child
				}
			} else {
				constraints[child.Name] = child
			}
			queue = append(queue, child.Name)
		}

		resolved[name] = ResolvedDependency{
			Name:         name,
			Version:      picked,
			SHA256:       pkg.SHA256,
			Dependencies: depNames,
		}
	}

	return topoSort(resolved), nil
}

// moreRestrictive implements the textual-length heuristic: the longer
// requirement string wins.
func moreRestrictive(a, b Dependency) bool {
	return len(a.Raw) > len(b.Raw)
}

// topoSort orders the closure so dependencies come before dependents.
// Cycles are skipped: resolution relates metadata, not runtime
// lifecycles.
func topoSort(resolved map[string]ResolvedDependency) []ResolvedDependency {
	var result []ResolvedDependency
	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		if visited[name] || inProgress[name] {
			return
		}
		inProgress[name] = true

		if dep, ok := resolved[name]; ok {
			children := append([]string(nil), dep.Dependencies...)
			sort.Strings(children)
			for _, child := range children {
				visit(child)
			}
			visited[name] = true
			result = append(result, dep)
		}

		delete(inProgress, name)
	}

	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}

	return result
}
