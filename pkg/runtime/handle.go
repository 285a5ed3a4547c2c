package runtime

import "github.com/google/uuid"

// InstanceHandle identifies one live instantiation. Handles are
// opaque, comparable, and carry no behavior.
type InstanceHandle struct {
	ID          string
	ComponentID string
}

// newInstanceHandle mints a unique handle for a component.
func newInstanceHandle(componentID string) InstanceHandle {
	return InstanceHandle{
		ID:          componentID + "_" + uuid.New().String(),
		ComponentID: componentID,
	}
}
