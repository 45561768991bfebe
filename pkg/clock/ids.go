package clock

import "github.com/google/uuid"

// IDGenerator mints opaque task/node identifiers when a caller omits
// one, grounded on the uuid.New().String() pattern used throughout
// beemesh-beemesh's scheduler and sidecars for task IDs.
type IDGenerator struct{}

// NewTaskID returns a fresh opaque task identifier.
func (IDGenerator) NewTaskID() string { return "task-" + uuid.New().String() }

// NewNodeID returns a fresh opaque node identifier. Registration does
// not call it: a registration without a node_id is rejected.
func (IDGenerator) NewNodeID() string { return "node-" + uuid.New().String() }
