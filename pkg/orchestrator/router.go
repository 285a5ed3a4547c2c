package orchestrator

import (
	"sort"
	"sync"

	"github.com/corralhq/corral/pkg/runtime"
)

// RouteTarget is one routable destination for a component id.
type RouteTarget struct {
	ComponentID string
	Handle      runtime.InstanceHandle
	Priority    uint32
	Weight      uint32
}

// Router resolves component ids — and (interface, function) pairs — to
// live instance handles. Target resolution is atomic with respect to
// registration.
type Router struct {
	mu              sync.RWMutex
	routes          map[string][]RouteTarget
	interfaceRoutes map[[2]string]string
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		routes:          make(map[string][]RouteTarget),
		interfaceRoutes: make(map[[2]string]string),
	}
}

// Register adds a default-priority route for a component.
func (r *Router) Register(componentID string, handle runtime.InstanceHandle) {
	r.RegisterWithPriority(componentID, handle, 0)
}

// RegisterWithPriority adds a route; higher priorities are preferred.
func (r *Router) RegisterWithPriority(componentID string, handle runtime.InstanceHandle, priority uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := append(r.routes[componentID], RouteTarget{
		ComponentID: componentID,
		Handle:      handle,
		Priority:    priority,
		Weight:      1,
	})
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Priority > targets[j].Priority })
	r.routes[componentID] = targets
}

// Unregister removes every route and interface binding of a component.
func (r *Router) Unregister(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.routes, componentID)
	for key, id := range r.interfaceRoutes {
		if id == componentID {
			delete(r.interfaceRoutes, key)
		}
	}
}

// UnregisterHandle removes one specific route.
func (r *Router) UnregisterHandle(componentID string, handle runtime.InstanceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := r.routes[componentID]
	kept := targets[:0]
	for _, t := range targets {
		if t.Handle.ID != handle.ID {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.routes, componentID)
	} else {
		r.routes[componentID] = kept
	}
}

// Target returns the preferred handle for a component.
func (r *Router) Target(componentID string) (runtime.InstanceHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := r.routes[componentID]
	if len(targets) == 0 {
		return runtime.InstanceHandle{}, false
	}
	return targets[0].Handle, true
}

// AllTargets returns every handle routed for a component.
func (r *Router) AllTargets(componentID string) []runtime.InstanceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := r.routes[componentID]
	out := make([]runtime.InstanceHandle, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Handle)
	}
	return out
}

// RegisterInterface binds an (interface, function) pair to a provider
// component.
func (r *Router) RegisterInterface(interfaceName, functionName, componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaceRoutes[[2]string{interfaceName, functionName}] = componentID
}

// ResolveInterface returns the handle providing a bound function.
func (r *Router) ResolveInterface(interfaceName, functionName string) (runtime.InstanceHandle, bool) {
	r.mu.RLock()
	componentID, ok := r.interfaceRoutes[[2]string{interfaceName, functionName}]
	r.mu.RUnlock()
	if !ok {
		return runtime.InstanceHandle{}, false
	}
	return r.Target(componentID)
}

// IsRegistered reports whether a component has any route.
func (r *Router) IsRegistered(componentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[componentID]) > 0
}

// Components returns the routed component ids, sorted.
func (r *Router) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear removes every route.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = make(map[string][]RouteTarget)
	r.interfaceRoutes = make(map[[2]string]string)
}

// RouterStats summarises routing tables.
type RouterStats struct {
	ComponentCount  int
	TotalTargets    int
	InterfaceRoutes int
}

// Stats returns a routing-table summary.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RouterStats{
		ComponentCount:  len(r.routes),
		InterfaceRoutes: len(r.interfaceRoutes),
	}
	for _, targets := range r.routes {
		stats.TotalTargets += len(targets)
	}
	return stats
}
