// Package tasks implements the Task Engine lifecycle state machine
// described in spec 4.2: the pending priority queue, placement
// attempts, dispatch fan-out with redundancy, the retry policy, and
// the bounded completed-task history. Grounded on the teacher's
// scheduler loop (internal/master/scheduler/scheduler.go) generalized
// from single-target bin packing into a per-task actor guarded by its
// own lock, matching spec 5's "per-task lock or single-writer actor"
// ordering guarantee.
package tasks

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"nimbus/internal/events"
	"nimbus/pkg/clock"
	"nimbus/pkg/model"
	"nimbus/pkg/store"
)

var (
	ErrNotFound           = errors.New("not_found")
	ErrAlreadyTerminal    = errors.New("already_terminal")
	ErrInvalidRequirements = errors.New("invalid_requirements")
	ErrOverloaded         = errors.New("overloaded")
	ErrUnknownTask        = errors.New("unknown")
	ErrNotAssigned        = errors.New("not_assigned")
)

// Placer is the subset of internal/placement.Engine the Task Engine
// needs, declared locally to avoid an import cycle (placement in turn
// depends on the Task Engine only through the small ActiveCounter
// interface it declares for itself).
type Placer interface {
	Select(snapshot []*model.Node, req model.Requirements) []*model.Node
}

// Transport is the subset of internal/dispatch.Dispatcher the Task
// Engine drives, declared locally for the same reason.
type Transport interface {
	Dispatch(ctx context.Context, node *model.Node, task *model.Task) (model.OutcomeClass, error)
	Cancel(ctx context.Context, node *model.Node, taskID string) error
}

// NodeSource is the subset of internal/registry.Registry the Task
// Engine needs to resolve node handles and feed back outcome stats.
type NodeSource interface {
	Get(nodeID string) (*model.Node, error)
	Snapshot() []*model.Node
	RecordOutcome(nodeID string, success bool, durationMs float64) error
}

// Config holds the spec 6 task.* and queue.* keys the engine owns.
type Config struct {
	MaxPending           int
	HighWaterFraction    float64
	DefaultMaxRetries    int
	PlacementGraceSeconds int
	HistoryLimit         int
}

func DefaultConfig() Config {
	return Config{
		MaxPending:            100_000,
		HighWaterFraction:     0.8,
		DefaultMaxRetries:     2,
		PlacementGraceSeconds: 30,
		HistoryLimit:          10_000,
	}
}

type taskEntry struct {
	mu      sync.Mutex
	task    *model.Task
	pending map[string]struct{} // nodes with an outstanding, unresolved attempt
	failed  []string             // nodes that failed the current attempt
}

// Engine is the Task Engine. Safe for concurrent use; callers obtain
// one per Orchestrator.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	ids    clock.IDGenerator
	bus    *events.Bus
	nodes  NodeSource
	place  Placer
	xport  Transport
	store  store.Store
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*taskEntry

	pqMu sync.Mutex
	pq   priorityQueue

	queueLen atomic.Int64

	activeMu sync.Mutex
	active   map[string]int

	history *lru.Cache[string, *model.Task]
}

func New(cfg Config, c clock.Clock, bus *events.Bus, nodes NodeSource, place Placer, xport Transport, st store.Store, logger *zap.Logger) *Engine {
	if cfg.MaxPending <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	h, _ := lru.New[string, *model.Task](cfg.HistoryLimit)
	return &Engine{
		cfg:     cfg,
		clock:   c,
		bus:     bus,
		nodes:   nodes,
		place:   place,
		xport:   xport,
		store:   st,
		logger:  logger,
		entries: make(map[string]*taskEntry),
		active:  make(map[string]int),
		history: h,
	}
}

// Submit validates and enqueues a new task (spec 4.2).
func (e *Engine) Submit(task *model.Task) (string, error) {
	if task.Priority == 0 {
		task.Priority = model.PriorityNormal
	}
	if !task.Priority.Valid() {
		return "", ErrInvalidRequirements
	}
	if task.Requirements.Redundancy <= 0 {
		task.Requirements.Redundancy = 1
	}
	if task.TimeoutSeconds <= 0 {
		return "", ErrInvalidRequirements
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = e.cfg.DefaultMaxRetries
	}
	if task.ID == "" {
		task.ID = e.ids.NewTaskID()
	}

	e.mu.RLock()
	_, exists := e.entries[task.ID]
	e.mu.RUnlock()
	if exists {
		return "", errors.New("conflict: duplicate task_id in non-terminal state")
	}

	if !e.admit(task.Priority) {
		return "", ErrOverloaded
	}

	now := e.clock.Now()
	task.CreatedAt = now
	task.State = model.TaskPending
	if task.Requirements.ExcludedNodes == nil {
		task.Requirements.ExcludedNodes = make(map[string]struct{})
	}
	task.DeadlineAt = now.Add(time.Duration(task.TimeoutSeconds) * time.Second)

	entry := &taskEntry{task: task}
	e.mu.Lock()
	e.entries[task.ID] = entry
	e.mu.Unlock()

	e.enqueue(task.ID, task.Priority, now, now)
	e.bus.Publish(events.Event{Type: events.TaskSubmitted, At: now, Task: task.Clone()})
	return task.ID, nil
}

// admit applies the backpressure policy in spec 5: once queue depth
// crosses max_pending*high_water_fraction, BACKGROUND and LOW tasks
// are rejected while higher priorities are still accepted; the queue
// never admits past max_pending regardless of priority.
func (e *Engine) admit(p model.Priority) bool {
	depth := e.queueLen.Load()
	if depth >= int64(e.cfg.MaxPending) {
		return false
	}
	highWater := float64(e.cfg.MaxPending) * e.cfg.HighWaterFraction
	if float64(depth) > highWater && (p == model.PriorityLow || p == model.PriorityBackground) {
		return false
	}
	e.queueLen.Add(1)
	return true
}

func (e *Engine) enqueue(taskID string, priority model.Priority, createdAt, nextTryAt time.Time) {
	e.pqMu.Lock()
	heap.Push(&e.pq, &pqItem{taskID: taskID, priority: int(priority), createdAt: createdAt, nextTryAt: nextTryAt})
	e.pqMu.Unlock()
}

// requeue re-inserts a task that already occupied queue capacity
// (retry, no-candidates backoff); it does not re-run admit/backpressure.
func (e *Engine) requeue(task *model.Task) {
	e.enqueue(task.ID, task.Priority, task.CreatedAt, task.NextTryAt)
}

// DispatchOne pops at most one ready task, attempts placement, and
// fans dispatch out to the chosen nodes. Returns false if there was
// no ready work (either the queue is empty or every queued task's
// next_try_at is still in the future). The Orchestrator runs N of
// these concurrently as the dispatch worker pool (spec 5); tests can
// call it in a tight loop on a single goroutine for determinism.
func (e *Engine) DispatchOne(ctx context.Context) bool {
	now := e.clock.Now()
	item := e.popReady(now)
	if item == nil {
		return false
	}
	e.queueLen.Add(-1)

	e.mu.RLock()
	entry, ok := e.entries[item.taskID]
	e.mu.RUnlock()
	if !ok {
		return true // task was fully removed (shouldn't normally happen); keep draining
	}

	entry.mu.Lock()
	task := entry.task
	if task.State != model.TaskPending {
		entry.mu.Unlock()
		return true // stale queue entry for a cancelled/retried-elsewhere task
	}

	candidates := e.place.Select(e.nodes.Snapshot(), task.Requirements)
	if len(candidates) == 0 {
		exceeded, delay := e.noCandidatesDecision(task, now)
		if exceeded {
			entry.mu.Unlock()
			e.finalizeFailed(entry, model.ErrNoCandidates, "no_candidates", now)
			return true
		}
		task.PlacementAttempts++
		task.NextTryAt = now.Add(delay)
		e.queueLen.Add(1)
		e.requeue(task)
		entry.mu.Unlock()
		return true
	}

	k := task.Requirements.Redundancy
	if k < 1 {
		k = 1
	}
	if len(candidates) < k {
		if task.Requirements.StrictRedundancy {
			entry.mu.Unlock()
			e.finalizeFailed(entry, model.ErrInsufficientRedundancy, "insufficient_redundancy", now)
			return true
		}
		k = len(candidates)
	}
	chosen := candidates[:k]

	task.AssignedNodes = nodeIDs(chosen)
	task.State = model.TaskScheduled
	task.DispatchedAt = now
	task.PlacementAttempts = 0
	entry.pending = make(map[string]struct{}, len(chosen))
	for _, n := range chosen {
		entry.pending[n.ID] = struct{}{}
	}
	entry.failed = nil
	snap := task.Clone()
	entry.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.TaskScheduled, At: now, Task: snap})
	for _, n := range chosen {
		e.incActive(n.ID)
		go e.runDispatch(ctx, n, snap.Clone())
	}
	return true
}

// popReady pops the highest-priority ready item, cycling any
// not-yet-eligible items it encounters back onto the heap before
// returning so a single backed-off retry never blocks the whole
// queue (spec 8's S5 priority-ordering scenario).
func (e *Engine) popReady(now time.Time) *pqItem {
	e.pqMu.Lock()
	defer e.pqMu.Unlock()

	var deferred []*pqItem
	var ready *pqItem
	for e.pq.Len() > 0 {
		item := heap.Pop(&e.pq).(*pqItem)
		if !item.nextTryAt.After(now) {
			ready = item
			break
		}
		deferred = append(deferred, item)
	}
	for _, d := range deferred {
		heap.Push(&e.pq, d)
	}
	return ready
}

func nodeIDs(nodes []*model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// noCandidatesDecision applies the placement-grace backoff (spec
// 4.2): 1s doubling to 30s, signalling exceeded once the task's total
// wait has passed placement_grace_seconds so the caller can fail it
// with no_candidates. Caller holds entry.mu.
func (e *Engine) noCandidatesDecision(task *model.Task, now time.Time) (exceeded bool, delay time.Duration) {
	if task.GraceDeadline.IsZero() {
		task.GraceDeadline = now.Add(time.Duration(e.cfg.PlacementGraceSeconds) * time.Second)
	}
	if !now.Before(task.GraceDeadline) {
		return true, 0
	}
	delay = time.Duration(1<<uint(min(task.PlacementAttempts, 5))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return false, delay
}

func (e *Engine) runDispatch(ctx context.Context, node *model.Node, task *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("dispatch worker panicked", zap.String("task_id", task.ID), zap.String("node_id", node.ID), zap.Any("panic", r))
			}
			e.resolveAssignmentFailure(task.ID, node.ID, model.ErrNetworkError, "dispatch worker panic")
		}
	}()
	class, err := e.xport.Dispatch(ctx, node, task)
	if err == nil {
		e.OnNodeAck(task.ID, node.ID)
		return
	}
	msg := "dispatch failed"
	if e.logger != nil {
		e.logger.Warn("dispatch attempt failed", zap.String("task_id", task.ID), zap.String("node_id", node.ID), zap.String("class", string(class)), zap.Error(err))
	}
	e.resolveAssignmentFailure(task.ID, node.ID, class, msg)
}

// OnNodeAck moves a task from scheduled to running on its first
// acknowledging node; later acks from sibling redundant dispatches are
// idempotent no-ops (spec 4.2).
func (e *Engine) OnNodeAck(taskID, nodeID string) {
	entry := e.entryFor(taskID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	if entry.task.State == model.TaskScheduled {
		entry.task.State = model.TaskRunning
	}
	entry.mu.Unlock()
}

// OnNodeResult is the Dispatcher's result-intake callback (spec 4.4);
// it returns ErrNotAssigned when nodeID is not one of the task's
// assigned nodes.
func (e *Engine) OnNodeResult(taskID, nodeID string, outcome model.Outcome) error {
	entry := e.entryFor(taskID)
	if entry == nil {
		return ErrUnknownTask
	}
	entry.mu.Lock()
	assigned := entry.pendingOrAssigned(nodeID)
	entry.mu.Unlock()
	if !assigned {
		return ErrNotAssigned
	}

	if outcome.Success {
		e.resolveAssignmentSuccess(entry, nodeID, outcome)
	} else {
		e.resolveAssignmentFailure(taskID, nodeID, outcome.Class, outcome.Message)
	}
	return nil
}

func (te *taskEntry) pendingOrAssigned(nodeID string) bool {
	if _, ok := te.pending[nodeID]; ok {
		return true
	}
	for _, id := range te.task.AssignedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (e *Engine) entryFor(taskID string) *taskEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entries[taskID]
}

func (e *Engine) resolveAssignmentSuccess(entry *taskEntry, nodeID string, outcome model.Outcome) {
	now := e.clock.Now()
	entry.mu.Lock()
	task := entry.task
	if task.State.Terminal() {
		entry.mu.Unlock()
		if e.logger != nil {
			e.logger.Warn("dropped result for terminal task", zap.String("task_id", task.ID), zap.String("node_id", nodeID))
		}
		return
	}
	task.State = model.TaskCompleted
	task.Result = outcome.Result
	task.CompletedAt = now
	siblings := make([]string, 0, len(entry.pending))
	for id := range entry.pending {
		if id != nodeID {
			siblings = append(siblings, id)
		}
	}
	assigned := append([]string(nil), task.AssignedNodes...)
	entry.pending = nil
	snap := task.Clone()
	entry.mu.Unlock()

	durationMs := float64(now.Sub(snap.CreatedAt).Milliseconds())
	_ = e.nodes.RecordOutcome(nodeID, true, durationMs)
	for _, id := range assigned {
		if id != nodeID {
			e.decActive(id)
		}
	}
	e.decActive(nodeID)

	e.bus.Publish(events.Event{Type: events.TaskCompleted, At: now, Task: snap})
	e.commitHistory(snap)
	e.cancelSiblings(siblings, snap.ID)
}

func (e *Engine) cancelSiblings(nodeIDsToCancel []string, taskID string) {
	for _, id := range nodeIDsToCancel {
		id := id
		go func() {
			n, err := e.nodes.Get(id)
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.xport.Cancel(ctx, n, taskID); err != nil && e.logger != nil {
				e.logger.Warn("best-effort sibling cancel failed", zap.String("task_id", taskID), zap.String("node_id", id), zap.Error(err))
			}
		}()
	}
}

// resolveAssignmentFailure records nodeID's failed attempt; once every
// assigned node for the current attempt has resolved as a failure, the
// retry policy (spec 4.2) is applied once for the whole task.
func (e *Engine) resolveAssignmentFailure(taskID, nodeID string, class model.OutcomeClass, message string) {
	entry := e.entryFor(taskID)
	if entry == nil {
		return
	}
	now := e.clock.Now()

	entry.mu.Lock()
	task := entry.task
	if task.State.Terminal() {
		entry.mu.Unlock()
		return
	}
	delete(entry.pending, nodeID)
	entry.failed = append(entry.failed, nodeID)
	stillPending := len(entry.pending) > 0
	failedNodes := append([]string(nil), entry.failed...)
	entry.mu.Unlock()

	e.decActive(nodeID)
	_ = e.nodes.RecordOutcome(nodeID, false, 0)
	if stillPending {
		return
	}
	e.applyRetryPolicy(entry, class, message, failedNodes, now)
}

// applyRetryPolicy decides, for a task whose every assigned node has
// now failed, whether to retry (re-enter pending with the failed nodes
// excluded) or finalize as failed (spec 4.2).
func (e *Engine) applyRetryPolicy(entry *taskEntry, class model.OutcomeClass, message string, failedNodes []string, now time.Time) {
	entry.mu.Lock()
	task := entry.task
	if task.State.Terminal() {
		entry.mu.Unlock()
		return
	}
	if class.Retryable() && task.RetryCount < task.MaxRetries {
		delay := time.Duration(1<<uint(min(task.RetryCount, 6))) * time.Second
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		task.RetryCount++
		for _, n := range failedNodes {
			task.Requirements.ExcludedNodes[n] = struct{}{}
		}
		task.State = model.TaskPending
		task.AssignedNodes = nil
		task.GraceDeadline = time.Time{}
		task.PlacementAttempts = 0
		task.NextTryAt = now.Add(delay)
		entry.pending = nil
		entry.failed = nil
		snap := task.Clone()
		entry.mu.Unlock()

		e.queueLen.Add(1)
		e.requeue(snap)
		return
	}
	entry.mu.Unlock()
	e.finalizeFailed(entry, class, message, now)
}

func (e *Engine) finalizeFailed(entry *taskEntry, class model.OutcomeClass, message string, now time.Time) {
	entry.mu.Lock()
	task := entry.task
	if task.State.Terminal() {
		entry.mu.Unlock()
		return
	}
	task.State = model.TaskFailed
	task.ErrorMessage = message
	if task.ErrorMessage == "" {
		task.ErrorMessage = string(class)
	}
	task.CompletedAt = now
	entry.pending = nil
	snap := task.Clone()
	entry.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.TaskFailed, At: now, Task: snap})
	e.commitHistory(snap)
}

// FailTasksOnNode applies the failure path (spec 4.2) to every
// non-terminal task currently assigned to nodeID, with the given
// outcome class (spec 4.5/4.2's node_offline and node_unregistered
// triggers). A task with surviving redundant assignments to other
// nodes is left alone until those resolve too; only once nodeID was
// its last outstanding assignment does the retry policy run.
func (e *Engine) FailTasksOnNode(nodeID string, class model.OutcomeClass, message string) {
	e.mu.RLock()
	entries := make([]*taskEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	for _, entry := range entries {
		entry.mu.Lock()
		task := entry.task
		if task.State.Terminal() || !entry.pendingOrAssigned(nodeID) {
			entry.mu.Unlock()
			continue
		}
		delete(entry.pending, nodeID)
		entry.failed = append(entry.failed, nodeID)
		stillPending := len(entry.pending) > 0
		failedNodes := append([]string(nil), entry.failed...)
		entry.mu.Unlock()

		e.decActive(nodeID)
		if stillPending {
			continue
		}
		e.applyRetryPolicy(entry, class, message, failedNodes, now)
	}
}

// TickDeadlines is the periodic deadline sweep (spec 4.2/5, every 1s
// in production); any non-terminal task whose deadline has passed is
// failed with a timeout error and subjected to the same retry policy.
func (e *Engine) TickDeadlines(now time.Time) {
	e.mu.RLock()
	entries := make([]*taskEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		task := entry.task
		if task.State.Terminal() || task.DeadlineAt.IsZero() || now.Before(task.DeadlineAt) {
			entry.mu.Unlock()
			continue
		}
		// A pending task's stale queue entry is left in the heap; it is
		// drained for free the next time DispatchOne pops it and finds
		// the task no longer pending (queueLen is decremented there).
		failedNodes := append([]string(nil), task.AssignedNodes...)
		toCancel := make([]string, 0, len(entry.pending))
		for id := range entry.pending {
			toCancel = append(toCancel, id)
		}
		entry.pending = nil
		entry.mu.Unlock()

		e.cancelSiblings(toCancel, task.ID)
		e.applyRetryPolicy(entry, model.ErrTimeout, "timeout", failedNodes, now)
	}
}

// Cancel implements the client cancel_task operation (spec 4.2/6).
func (e *Engine) Cancel(taskID string) error {
	entry := e.entryFor(taskID)
	if entry == nil {
		if _, ok := e.history.Get(taskID); ok {
			return ErrAlreadyTerminal
		}
		return ErrNotFound
	}

	now := e.clock.Now()
	entry.mu.Lock()
	task := entry.task
	if task.State.Terminal() {
		entry.mu.Unlock()
		return ErrAlreadyTerminal
	}
	// A pending task's stale queue entry is left in the heap and drained
	// for free the next time DispatchOne pops it (see TickDeadlines).
	toCancel := make([]string, 0, len(entry.pending))
	for id := range entry.pending {
		toCancel = append(toCancel, id)
	}
	task.State = model.TaskCancelled
	task.CompletedAt = now
	entry.pending = nil
	snap := task.Clone()
	entry.mu.Unlock()

	e.cancelSiblings(toCancel, taskID)
	e.bus.Publish(events.Event{Type: events.TaskCancelled, At: now, Task: snap})
	e.commitHistory(snap)
	return nil
}

// Get returns the current view of a task, consulting the completed
// history once it has left the live entries map.
func (e *Engine) Get(taskID string) (*model.Task, error) {
	if entry := e.entryFor(taskID); entry != nil {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.task.Clone(), nil
	}
	if t, ok := e.history.Get(taskID); ok {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

// Filter selects tasks for List by zero or more criteria; a zero-value
// field in Filter matches everything for that dimension.
type Filter struct {
	State    model.TaskState
	Priority model.Priority
	Limit    int
	Offset   int
}

// List returns a page of tasks across the live set and history,
// newest-created first.
func (e *Engine) List(f Filter) []*model.Task {
	e.mu.RLock()
	out := make([]*model.Task, 0, len(e.entries))
	for _, entry := range e.entries {
		entry.mu.Lock()
		out = append(out, entry.task.Clone())
		entry.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, k := range e.history.Keys() {
		if t, ok := e.history.Peek(k); ok {
			out = append(out, t.Clone())
		}
	}

	filtered := out[:0]
	for _, t := range out {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Priority != 0 && t.Priority != f.Priority {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(filtered) {
			return nil
		}
		filtered = filtered[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(filtered) {
		filtered = filtered[:f.Limit]
	}
	return filtered
}

// ActiveTasksOnNode satisfies internal/placement.ActiveCounter.
func (e *Engine) ActiveTasksOnNode(nodeID string) int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.active[nodeID]
}

func (e *Engine) incActive(nodeID string) {
	e.activeMu.Lock()
	e.active[nodeID]++
	e.activeMu.Unlock()
}

func (e *Engine) decActive(nodeID string) {
	e.activeMu.Lock()
	if e.active[nodeID] > 0 {
		e.active[nodeID]--
	}
	e.activeMu.Unlock()
}

// commitHistory moves a terminal task out of the live entries map and
// into the bounded history LRU (spec 4.2). The store (if any) gets the
// full record for crash recovery, but the in-memory history keeps only
// the stripped summary (spec 9 open question 4: input_data and result
// are dropped once a task is no longer live, not retained until actual
// LRU capacity pressure).
func (e *Engine) commitHistory(task *model.Task) {
	e.mu.Lock()
	delete(e.entries, task.ID)
	e.mu.Unlock()

	if e.store != nil {
		_ = e.store.SaveTaskRecord(context.Background(), task)
	}
	e.history.Add(task.ID, task.Summary())
}

// PendingDepth exposes the current pending-queue length.
func (e *Engine) PendingDepth() int { return int(e.queueLen.Load()) }

// Restore re-hydrates a task from a crash-recovery snapshot (spec 6:
// "in-flight tasks whose state cannot be confirmed are re-surfaced as
// pending with retry_count preserved").
func (e *Engine) Restore(task *model.Task) {
	if task.State.Terminal() {
		e.mu.Lock()
		e.history.Add(task.ID, task.Summary())
		e.mu.Unlock()
		return
	}
	task.State = model.TaskPending
	task.AssignedNodes = nil
	task.NextTryAt = e.clock.Now()
	entry := &taskEntry{task: task}
	e.mu.Lock()
	e.entries[task.ID] = entry
	e.mu.Unlock()
	e.queueLen.Add(1)
	e.requeue(task)
}
