package model

import "time"

// Priority follows spec 3's literal ordinal values; lower is more
// urgent so the priority queue orders ascending.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// TaskState is the lifecycle state machine in spec 4.2.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether state is absorbing.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of client work tracked through the Task Engine.
type Task struct {
	ID             string       `json:"task_id"`
	Type           string       `json:"task_type"`
	Priority       Priority     `json:"priority"`
	Requirements   Requirements `json:"requirements"`
	InputData      any          `json:"input_data,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	DeadlineAt     time.Time    `json:"deadline_at"`
	MaxRetries     int          `json:"max_retries"`
	RetryCount     int          `json:"retry_count"`
	AssignedNodes  []string     `json:"assigned_nodes"`
	State          TaskState    `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	DispatchedAt   time.Time    `json:"dispatched_at,omitempty"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
	CallbackURL    string       `json:"callback_url,omitempty"`
	Result         any          `json:"result,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`

	// NextTryAt governs when a pending task (new or retried) becomes
	// eligible for another placement attempt; backs the exponential
	// backoff described in spec 4.2.
	NextTryAt time.Time `json:"-"`
	// GraceDeadline is when an unplaceable pending task gives up with
	// no_candidates (spec 4.2's placement_grace_seconds).
	GraceDeadline time.Time `json:"-"`
	// PlacementAttempts counts consecutive no-candidate placement
	// attempts, backing the 1s-doubling-to-30s requeue backoff; reset
	// once the task is actually scheduled.
	PlacementAttempts int `json:"-"`
}

// Clone returns a value copy safe to hand to callers outside the
// Task Engine's lock.
func (t *Task) Clone() *Task {
	c := *t
	c.Requirements.RequiredCapabilities = append([]string(nil), t.Requirements.RequiredCapabilities...)
	c.Requirements.PreferredNodes = append([]string(nil), t.Requirements.PreferredNodes...)
	if t.Requirements.ExcludedNodes != nil {
		c.Requirements.ExcludedNodes = make(map[string]struct{}, len(t.Requirements.ExcludedNodes))
		for k := range t.Requirements.ExcludedNodes {
			c.Requirements.ExcludedNodes[k] = struct{}{}
		}
	}
	c.AssignedNodes = append([]string(nil), t.AssignedNodes...)
	return &c
}

// Summary strips the opaque payload fields, used when a terminal task
// is moved into the history LRU (spec 9 open question 4).
func (t *Task) Summary() *Task {
	c := t.Clone()
	c.InputData = nil
	c.Result = nil
	return c
}

// OutcomeClass is the error taxonomy reported by a Node for a failed
// task (spec 7); it decides whether the Task Engine retries.
type OutcomeClass string

const (
	ErrNetworkError       OutcomeClass = "network_error"
	ErrNodeFailure        OutcomeClass = "node_failure"
	ErrNodeUnavailable    OutcomeClass = "node_unavailable"
	ErrTimeout            OutcomeClass = "timeout"
	ErrInvalidInput       OutcomeClass = "invalid_input"
	ErrTaskErrorPermanent OutcomeClass = "task_error_permanent"
	ErrTaskErrorTransient OutcomeClass = "task_error_transient"
	ErrNodeRejected       OutcomeClass = "node_rejected"
	ErrNoCandidates       OutcomeClass = "no_candidates"
	ErrInsufficientRedundancy OutcomeClass = "insufficient_redundancy"
)

// Retryable reports whether the retry policy in spec 4.2 applies to
// this error class. node_unavailable is a dispatch-level transport
// failure (spec 4.4) and is treated the same as network_error.
func (c OutcomeClass) Retryable() bool {
	switch c {
	case ErrNetworkError, ErrNodeFailure, ErrNodeUnavailable, ErrTimeout, ErrTaskErrorTransient:
		return true
	default:
		return false
	}
}

// Outcome is what a Node reports back for a dispatched Task.
type Outcome struct {
	Success bool
	Result  any
	Class   OutcomeClass
	Message string
}
