/*
Package orchestrator supervises component lifecycles above the runtime
engine.

Components register with dependency edges and move through Pending →
Starting → Running → Stopping → Stopped, with Failed and Restarting on
the failure paths. StartAll walks the dependency graph in topological
order (a cycle aborts startup); StopAll walks it in reverse. Calls
route through the Router; inter-component calls additionally enforce
the source instance's component-call capability. A periodic health
loop probes every running component's optional health export and
marks failures unhealthy. Restart is bounded by a per-component
restart budget and ShouldRestart evaluates the restart policy; the
orchestrator does not restart failed components on its own. Lifecycle events
deliver synchronously to registered listeners in commit order, and the
LogAggregator keeps bounded per-component and global log rings.
*/
package orchestrator
