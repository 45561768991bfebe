package model

import "time"

// NodeStatus is the lifecycle state of a registered Node (spec 4.1).
type NodeStatus string

const (
	NodeActive      NodeStatus = "active"
	NodeDegraded    NodeStatus = "degraded"
	NodeMaintenance NodeStatus = "maintenance"
	NodeOffline     NodeStatus = "offline"
	NodeError       NodeStatus = "error"
)

// Agent is purely descriptive; the core never routes to an Agent
// directly, only to the Node that hosts it.
type Agent struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Capabilities      []string `json:"capabilities"`
	SpecializedModels []string `json:"specialized_models"`
	EfficiencyScore   float64  `json:"efficiency_score"`
}

// Node is the authoritative record for a registered worker host.
type Node struct {
	ID               string            `json:"node_id"`
	Endpoint         string            `json:"endpoint"`
	NodeType         string            `json:"node_type"`
	Capabilities     []string          `json:"capabilities"`
	Version          string            `json:"version"`
	Location         string            `json:"location"`
	Metadata         map[string]string `json:"metadata"`
	Status           NodeStatus        `json:"status"`
	ResourceSample   ResourceSample    `json:"resource_sample"`
	ReliabilityScore float64           `json:"reliability_score"`
	TasksCompleted   uint64            `json:"tasks_completed"`
	TasksFailed      uint64            `json:"tasks_failed"`
	AvgTaskDurationMs float64          `json:"avg_task_duration_ms"`
	LastHeartbeatAt  time.Time         `json:"last_heartbeat_at"`
	RegisteredAt     time.Time         `json:"registered_at"`
	Agents           []Agent           `json:"agents"`

	// degradedByMonitor is true when the current `degraded` status was
	// set by the Liveness Monitor rather than an operator, so a
	// heartbeat recovering within the degraded window can clear it
	// (spec 4.5: "if currently degraded and prior cause was
	// liveness-only, transition back to active").
	degradedByMonitor bool
}

// Clone returns a deep-enough copy for safe use outside the registry's
// lock (slices/maps are copied; this is what backs Registry.Snapshot).
func (n *Node) Clone() *Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Agents = append([]Agent(nil), n.Agents...)
	return &c
}

// AggregatedCapabilities returns the union of the Node's own
// capability tags and every hosted Agent's capabilities (spec 4.1:
// "Agents participate in placement only by contributing their
// capabilities to their Node's capability set").
func (n *Node) AggregatedCapabilities() []string {
	set := make(map[string]struct{}, len(n.Capabilities))
	out := make([]string, 0, len(n.Capabilities))
	for _, c := range n.Capabilities {
		if _, ok := set[c]; !ok {
			set[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, a := range n.Agents {
		for _, c := range a.Capabilities {
			if _, ok := set[c]; !ok {
				set[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// SetDegradedByMonitor records whether the current degraded status was
// set by the liveness sweep, for the heartbeat-driven healing rule.
func (n *Node) SetDegradedByMonitor(v bool) { n.degradedByMonitor = v }

// DegradedByMonitor reports the flag set by SetDegradedByMonitor.
func (n *Node) DegradedByMonitor() bool { return n.degradedByMonitor }
