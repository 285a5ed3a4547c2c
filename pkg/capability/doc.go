/*
Package capability implements the permission model that sandboxes
component instances.

A Capability is a tagged permission (stream access, clock, random,
filesystem paths, network endpoints, environment variables,
inter-component calls). A Set is the union of capabilities granted to
one instance; membership uses a hierarchy, so broader grants cover
narrower requests:

	Unrestricted        ⊃ anything
	DirRead(p)          ⊃ FileRead(p/child)
	FileWrite(p)        ⊃ FileWrite(p/child)
	EnvReadAll          ⊃ EnvRead(name)
	ComponentCallAny(c) ⊃ ComponentCall(c, fn)

SecurityPolicy gates which sets may be granted at all and carries the
resource limits (memory, wall clock, fuel) the runtime enforces.
*/
package capability
