package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/values"
)

// Orchestrator supervises declared components: dependency-ordered
// startup, routed calls, health probes, bounded restarts, and event
// delivery.
type Orchestrator struct {
	engine *runtime.Engine
	config Config
	logger zerolog.Logger

	mu         sync.RWMutex
	components map[string]*ManagedComponent

	metricsMu  sync.RWMutex
	compProbes map[string]*ComponentMetrics

	router *Router
	logs   *LogAggregator

	listenersMu sync.RWMutex
	listeners   []EventCallback

	// store is optional; when set, component records and restart
	// budgets survive supervisor restarts
	store storage.Store

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs an orchestrator over an engine.
func New(engine *runtime.Engine, config Config) *Orchestrator {
	return &Orchestrator{
		engine:     engine,
		config:     config,
		logger:     log.WithComponent("orchestrator"),
		components: make(map[string]*ManagedComponent),
		compProbes: make(map[string]*ComponentMetrics),
		router:     NewRouter(),
		logs:       NewLogAggregator(config.LogBufferSize),
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// WithStore attaches a persistent state store. Previously recorded
// restart counts are resumed when components re-register.
func (o *Orchestrator) WithStore(store storage.Store) *Orchestrator {
	o.store = store
	return o
}

// Engine returns the underlying runtime engine.
func (o *Orchestrator) Engine() *runtime.Engine { return o.engine }

// Logs returns the orchestrator's log aggregator.
func (o *Orchestrator) Logs() *LogAggregator { return o.logs }

// Router returns the call router.
func (o *Orchestrator) Router() *Router { return o.router }

// Register declares a component with its dependency edges. Forward
// references to unknown dependencies are tolerated; they resolve at
// start time. Duplicate registration fails.
func (o *Orchestrator) Register(componentID string, dependencies []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.components[componentID]; exists {
		return errdefs.New(errdefs.KindLifecycle, componentID, "component already registered")
	}

	managed := &ManagedComponent{
		ID:           componentID,
		Status:       StatusPending,
		Healthy:      true,
		Dependencies: dependencies,
	}

	if o.store != nil {
		if record, err := o.store.GetComponent(componentID); err == nil {
			managed.RestartCount = record.RestartCount
		}
	}

	o.components[componentID] = managed
	for _, dep := range dependencies {
		if depComp, ok := o.components[dep]; ok {
			depComp.Dependents = append(depComp.Dependents, componentID)
		}
	}

	o.metricsMu.Lock()
	o.compProbes[componentID] = &ComponentMetrics{RestartCount: managed.RestartCount}
	o.metricsMu.Unlock()

	o.persist(managed)
	return nil
}

// Start instantiates a registered component. Every listed dependency
// must already be Running.
func (o *Orchestrator) Start(componentID string, caps *capability.Set) error {
	o.mu.Lock()
	comp, ok := o.components[componentID]
	if !ok {
		o.mu.Unlock()
		return errdefs.New(errdefs.KindComponentNotFound, componentID, "component not registered")
	}
	if comp.Status == StatusRunning {
		o.mu.Unlock()
		return nil
	}

	for _, dep := range comp.Dependencies {
		depComp, ok := o.components[dep]
		if !ok || depComp.Status != StatusRunning {
			o.mu.Unlock()
			return errdefs.New(errdefs.KindLifecycle, componentID, "dependency %q is not running", dep)
		}
		// the dependent edge may predate the dependency's registration
		if !contains(depComp.Dependents, componentID) {
			depComp.Dependents = append(depComp.Dependents, componentID)
		}
	}

	comp.Status = StatusStarting
	o.mu.Unlock()

	handle, err := o.engine.Instantiate(componentID, caps)
	if err != nil {
		o.mu.Lock()
		comp.Status = StatusFailed
		o.mu.Unlock()
		o.persist(comp)
		o.updateStatusGauges()
		o.emit(Event{Type: EventComponentFailed, ID: componentID, Reason: err.Error()})
		return err
	}

	o.mu.Lock()
	comp.Handle = &handle
	comp.Status = StatusRunning
	comp.Healthy = true
	o.mu.Unlock()

	o.router.Register(componentID, handle)
	o.persist(comp)
	o.updateStatusGauges()
	o.emit(Event{Type: EventComponentStarted, ID: componentID})
	o.logs.Log(componentID, LevelInfo, "Component started")

	return nil
}

// Stop terminates a running component. Running dependents must stop
// first. Stopping a stopped component is a no-op.
func (o *Orchestrator) Stop(componentID string) (int32, error) {
	o.mu.Lock()
	comp, ok := o.components[componentID]
	if !ok {
		o.mu.Unlock()
		return 0, errdefs.New(errdefs.KindComponentNotFound, componentID, "component not registered")
	}
	if comp.Status == StatusStopped || comp.Status == StatusPending {
		o.mu.Unlock()
		return 0, nil
	}

	for _, dep := range comp.Dependents {
		if depComp, ok := o.components[dep]; ok && depComp.Status == StatusRunning {
			o.mu.Unlock()
			return 0, errdefs.New(errdefs.KindLifecycle, componentID, "dependent %q is still running", dep)
		}
	}

	comp.Status = StatusStopping
	handle := comp.Handle
	o.mu.Unlock()

	var exitCode int32
	if handle != nil {
		if inst, err := o.engine.GetInstance(*handle); err == nil {
			exitCode = inst.ExitCode()
		}
		if err := o.engine.Terminate(*handle); err != nil {
			return 0, err
		}
	}

	o.mu.Lock()
	comp.Status = StatusStopped
	comp.Handle = nil
	o.mu.Unlock()

	o.router.Unregister(componentID)
	o.persist(comp)
	o.updateStatusGauges()
	o.emit(Event{Type: EventComponentStopped, ID: componentID, ExitCode: exitCode})
	o.logs.Log(componentID, LevelInfo, "Component stopped")

	return exitCode, nil
}

// Restart stops and starts a component, bounded by the restart budget.
func (o *Orchestrator) Restart(componentID string, caps *capability.Set) error {
	o.mu.Lock()
	comp, ok := o.components[componentID]
	if !ok {
		o.mu.Unlock()
		return errdefs.New(errdefs.KindComponentNotFound, componentID, "component not registered")
	}
	if comp.RestartCount >= o.config.MaxRestartAttempts {
		o.mu.Unlock()
		return errdefs.New(errdefs.KindLifecycle, componentID,
			"maximum restart attempts (%d) exceeded", o.config.MaxRestartAttempts)
	}
	comp.Status = StatusRestarting
	comp.RestartCount++
	attempt := comp.RestartCount
	o.mu.Unlock()

	o.metricsMu.Lock()
	if m, ok := o.compProbes[componentID]; ok {
		m.RestartCount = attempt
	}
	o.metricsMu.Unlock()

	if _, err := o.Stop(componentID); err != nil {
		o.logger.Warn().Err(err).Str("component_id", componentID).Msg("Stop during restart failed")
	}

	if err := o.Start(componentID, caps); err != nil {
		return err
	}

	metrics.RestartsTotal.WithLabelValues(componentID).Inc()
	o.emit(Event{Type: EventComponentRestarted, ID: componentID, Attempt: attempt})
	o.logs.Log(componentID, LevelWarn, "Component restarted")

	return nil
}

// ShouldRestart applies the restart policy to an observed outcome.
func (o *Orchestrator) ShouldRestart(failed bool) bool {
	switch o.config.RestartPolicy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return failed
	default:
		return false
	}
}

// Call dispatches a function call to a component through the router
// and records metrics.
func (o *Orchestrator) Call(target, function string, args []values.Value) (runtime.ExecutionResult, error) {
	handle, ok := o.router.Target(target)
	if !ok {
		return runtime.ExecutionResult{}, errdefs.New(errdefs.KindComponentNotFound, target, "component not routed")
	}

	start := time.Now()
	result, err := o.engine.Call(handle, function, args)
	elapsed := uint64(time.Since(start).Milliseconds())

	if o.config.MetricsEnabled {
		o.metricsMu.Lock()
		if m, ok := o.compProbes[target]; ok {
			m.CallCount++
			m.TotalTimeMS += elapsed
			m.AvgTimeMS = float64(m.TotalTimeMS) / float64(m.CallCount)
			if err != nil {
				m.ErrorCount++
			}
		}
		o.metricsMu.Unlock()
	}

	return result, err
}

// InterComponentCall routes a call from one component to another,
// enforcing the source's component-call capability.
func (o *Orchestrator) InterComponentCall(source, target, function string, args []values.Value) (runtime.ExecutionResult, error) {
	sourceHandle, ok := o.router.Target(source)
	if !ok {
		return runtime.ExecutionResult{}, errdefs.New(errdefs.KindComponentNotFound, source, "component not routed")
	}
	sourceInst, err := o.engine.GetInstance(sourceHandle)
	if err != nil {
		return runtime.ExecutionResult{}, err
	}

	specific := capability.ComponentCall(target, function)
	if !sourceInst.HasCapability(specific) && !sourceInst.HasCapability(capability.ComponentCallAny(target)) {
		return runtime.ExecutionResult{}, errdefs.New(errdefs.KindCapabilityDenied, source,
			"component_call %s::%s", target, function)
	}

	o.emit(Event{Type: EventComponentCall, From: source, To: target, Function: function})
	metrics.InterComponentCallsTotal.WithLabelValues(source, target).Inc()

	result, err := o.Call(target, function, args)
	if err != nil {
		return runtime.ExecutionResult{}, errdefs.Wrap(errdefs.KindInterComponentCall, source, err,
			"%s -> %s::%s", source, target, function)
	}
	return result, nil
}

// StartAll starts every registered component in dependency order.
func (o *Orchestrator) StartAll(caps *capability.Set) error {
	order, err := o.StartOrder()
	if err != nil {
		return err
	}
	for _, componentID := range order {
		if err := o.Start(componentID, caps.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every component in reverse dependency order. Stop
// failures are logged, not fatal.
func (o *Orchestrator) StopAll() error {
	order, err := o.StartOrder()
	if err != nil {
		return err
	}
	for n := len(order) - 1; n >= 0; n-- {
		if _, err := o.Stop(order[n]); err != nil {
			o.logger.Warn().Err(err).Str("component_id", order[n]).Msg("Stop failed during shutdown")
		}
	}
	return nil
}

// StartOrder topologically sorts registered components over dependency
// edges. A cycle fails with DependencyCycle.
func (o *Orchestrator) StartOrder() ([]string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	inDegree := make(map[string]int, len(o.components))
	dependents := make(map[string][]string)

	for id, comp := range o.components {
		inDegree[id] += 0
		for _, dep := range comp.Dependencies {
			if _, known := o.components[dep]; !known {
				return nil, errdefs.New(errdefs.KindLifecycle, id, "unknown dependency %q", dep)
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
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

	if len(order) != len(o.components) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, errdefs.New(errdefs.KindDependencyCycle, "", "circular dependency among: %v", remaining)
	}

	return order, nil
}

// CheckHealth probes every Running component once. A component that
// does not export a health function passes by default.
func (o *Orchestrator) CheckHealth() {
	type probe struct {
		id     string
		handle runtime.InstanceHandle
	}

	o.mu.RLock()
	var toCheck []probe
	for id, comp := range o.components {
		if comp.Status == StatusRunning && comp.Handle != nil {
			toCheck = append(toCheck, probe{id: id, handle: *comp.Handle})
		}
	}
	o.mu.RUnlock()

	for _, p := range toCheck {
		healthy := true
		var reason string

		inst, err := o.engine.GetInstance(p.handle)
		switch {
		case err != nil:
			healthy = false
			reason = "instance gone"
		case !contains(inst.Exports(), "health"):
			// no probe exported; treated as passing
		default:
			if _, err := o.engine.Call(p.handle, "health", nil); err != nil {
				healthy = false
				reason = err.Error()
			}
		}

		o.mu.Lock()
		if comp, ok := o.components[p.id]; ok {
			comp.Healthy = healthy
			comp.LastHealthCheck = time.Now()
		}
		o.mu.Unlock()

		if healthy {
			metrics.HealthChecksTotal.WithLabelValues(p.id, "pass").Inc()
			o.emit(Event{Type: EventHealthCheckPassed, ID: p.id})
		} else {
			metrics.HealthChecksTotal.WithLabelValues(p.id, "fail").Inc()
			o.emit(Event{Type: EventHealthCheckFailed, ID: p.id, Reason: reason})
			o.logs.Log(p.id, LevelError, "Health check failed")
		}
	}
}

// StartHealthLoop begins periodic health probing on a background
// goroutine.
func (o *Orchestrator) StartHealthLoop() {
	if !o.config.HealthChecks {
		return
	}
	go func() {
		ticker := time.NewTicker(o.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.CheckHealth()
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the health loop and every component.
func (o *Orchestrator) Shutdown() error {
	o.stopOnce.Do(func() { close(o.stopCh) })
	return o.StopAll()
}

// StatusOf returns a component's lifecycle status.
func (o *Orchestrator) StatusOf(componentID string) (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	comp, ok := o.components[componentID]
	if !ok {
		return "", false
	}
	return comp.Status, true
}

// AllStatuses returns every component's status.
func (o *Orchestrator) AllStatuses() map[string]Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Status, len(o.components))
	for id, comp := range o.components {
		out[id] = comp.Status
	}
	return out
}

// ComponentMetrics returns a snapshot of one component's metrics.
func (o *Orchestrator) ComponentMetrics(componentID string) (ComponentMetrics, bool) {
	o.metricsMu.RLock()
	defer o.metricsMu.RUnlock()
	m, ok := o.compProbes[componentID]
	if !ok {
		return ComponentMetrics{}, false
	}
	return *m, true
}

// Metrics returns orchestrator-wide aggregates.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.RLock()
	result := Metrics{UptimeMS: uint64(time.Since(o.startTime).Milliseconds())}
	for _, comp := range o.components {
		switch comp.Status {
		case StatusRunning:
			result.ComponentsRunning++
		case StatusStopped, StatusPending:
			result.ComponentsStopped++
		case StatusFailed:
			result.ComponentsFailed++
		}
	}
	o.mu.RUnlock()

	o.metricsMu.RLock()
	for _, m := range o.compProbes {
		result.TotalCalls += m.CallCount
		result.TotalErrors += m.ErrorCount
	}
	o.metricsMu.RUnlock()

	return result
}

// OnEvent appends a listener. Events fire synchronously after the
// emitting state change is visible.
func (o *Orchestrator) OnEvent(cb EventCallback) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, cb)
}

func (o *Orchestrator) emit(event Event) {
	o.listenersMu.RLock()
	listeners := make([]EventCallback, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenersMu.RUnlock()

	for _, cb := range listeners {
		cb(event)
	}
}

func (o *Orchestrator) persist(comp *ManagedComponent) {
	if o.store == nil {
		return
	}
	record := &storage.ComponentRecord{
		ID:           comp.ID,
		Dependencies: comp.Dependencies,
		RestartCount: comp.RestartCount,
		LastStatus:   string(comp.Status),
		UpdatedAt:    time.Now(),
	}
	if err := o.store.SaveComponent(record); err != nil {
		o.logger.Warn().Err(err).Str("component_id", comp.ID).Msg("State persistence failed")
	}
}

func (o *Orchestrator) updateStatusGauges() {
	counts := make(map[Status]int)
	o.mu.RLock()
	for _, comp := range o.components {
		counts[comp.Status]++
	}
	o.mu.RUnlock()

	for _, status := range []Status{StatusPending, StatusStarting, StatusRunning, StatusPaused, StatusStopping, StatusStopped, StatusFailed, StatusRestarting} {
		metrics.ComponentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
