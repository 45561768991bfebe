// Package metrics implements the Network Metrics Aggregator described
// in spec 4.6: a time-windowed rollup of per-node and per-task events
// plus a Prometheus-exported counter/gauge/histogram set, grounded on
// the gauge/counter-vec registration pattern used throughout the
// example corpus's Prometheus integrations (e.g.
// consultant-1379-private-cloud-watch/crux/pkg/ruck/metric.go).
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"nimbus/internal/events"
	"nimbus/pkg/clock"
	"nimbus/pkg/model"
)

const (
	defaultWindow      = 5 * time.Minute
	defaultBucketWidth = 10 * time.Second
)

type bucket struct {
	start       time.Time
	completions int
	failures    int
	responseMs  []float64
}

// Aggregator folds Event Bus traffic into the rolling window named in
// spec 4.6. It never blocks the bus: Subscribe uses DropOldest, so a
// burst that outruns the aggregator loses its oldest backlog rather
// than stalling a publisher.
type Aggregator struct {
	clock        clock.Clock
	bucketWidth  time.Duration
	bucketCount  int
	logger       *zap.Logger

	mu      sync.Mutex
	buckets []bucket
	head    int // index of the current (most recent) bucket

	nodeStatus map[string]model.NodeStatus
	loadScore  map[string]float64
	taskState  map[string]model.TaskState

	reg            *prometheus.Registry
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter
	nodesActive    prometheus.Gauge
	responseTime   prometheus.Histogram
}

func New(c clock.Clock, logger *zap.Logger) *Aggregator {
	return newWithWindow(c, logger, defaultWindow, defaultBucketWidth)
}

func newWithWindow(c clock.Clock, logger *zap.Logger, window, bucketWidth time.Duration) *Aggregator {
	count := int(window / bucketWidth)
	if count < 1 {
		count = 1
	}
	reg := prometheus.NewRegistry()
	a := &Aggregator{
		clock:       c,
		bucketWidth: bucketWidth,
		bucketCount: count,
		logger:      logger,
		buckets:     make([]bucket, count),
		nodeStatus:  make(map[string]model.NodeStatus),
		loadScore:   make(map[string]float64),
		taskState:   make(map[string]model.TaskState),
		reg:         reg,
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_tasks_completed_total",
			Help: "Total tasks that reached the completed state.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_tasks_failed_total",
			Help: "Total tasks that reached the failed state.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_tasks_cancelled_total",
			Help: "Total tasks that reached the cancelled state.",
		}),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_nodes_active",
			Help: "Nodes currently in the active status.",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nimbus_task_response_time_ms",
			Help:    "End-to-end task response time (completed_at - created_at) in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		}),
	}
	reg.MustRegister(a.tasksCompleted, a.tasksFailed, a.tasksCancelled, a.nodesActive, a.responseTime)
	now := c.Now()
	for i := range a.buckets {
		a.buckets[i].start = now
	}
	return a
}

// Registry exposes the Prometheus registry for the API layer's
// /metrics scrape endpoint.
func (a *Aggregator) Registry() *prometheus.Registry { return a.reg }

// Run subscribes to bus and folds events until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(events.DropOldest, 256)
	defer cancel()
	ticker := a.clock.NewTicker(a.bucketWidth)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			a.apply(evt)
		case now := <-ticker.C():
			a.rotate(now)
		}
	}
}

func (a *Aggregator) apply(evt events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotateLocked(evt.At)

	switch evt.Type {
	case events.NodeRegistered, events.NodeStatusChanged:
		if evt.Node != nil {
			a.nodeStatus[evt.Node.ID] = evt.Node.Status
			a.loadScore[evt.Node.ID] = evt.Node.ResourceSample.LoadScore
		}
	case events.NodeOffline:
		if evt.Node != nil {
			a.nodeStatus[evt.Node.ID] = model.NodeOffline
		}
	case events.NodeUnregistered:
		delete(a.nodeStatus, evt.NodeID)
		delete(a.loadScore, evt.NodeID)
	case events.TaskSubmitted:
		if evt.Task != nil {
			a.taskState[evt.Task.ID] = model.TaskPending
		}
	case events.TaskScheduled:
		if evt.Task != nil {
			a.taskState[evt.Task.ID] = model.TaskScheduled
		}
	case events.TaskCompleted:
		a.recordTerminal(evt, model.TaskCompleted)
		a.tasksCompleted.Inc()
		a.current().completions++
		if evt.Task != nil {
			ms := float64(evt.Task.CompletedAt.Sub(evt.Task.CreatedAt).Milliseconds())
			a.current().responseMs = append(a.current().responseMs, ms)
			a.responseTime.Observe(ms)
		}
	case events.TaskFailed:
		a.recordTerminal(evt, model.TaskFailed)
		a.tasksFailed.Inc()
		a.current().failures++
	case events.TaskCancelled:
		a.recordTerminal(evt, model.TaskCancelled)
		a.tasksCancelled.Inc()
	}

	active := 0
	for _, s := range a.nodeStatus {
		if s == model.NodeActive {
			active++
		}
	}
	a.nodesActive.Set(float64(active))
}

func (a *Aggregator) recordTerminal(evt events.Event, state model.TaskState) {
	if evt.Task == nil {
		return
	}
	a.taskState[evt.Task.ID] = state
}

func (a *Aggregator) current() *bucket { return &a.buckets[a.head] }

// rotate is the ticker-driven path; acquires the lock itself.
func (a *Aggregator) rotate(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotateLocked(now)
}

// rotateLocked advances head to the bucket covering now, clearing any
// buckets skipped over (idle periods). Caller holds a.mu.
func (a *Aggregator) rotateLocked(now time.Time) {
	cur := a.buckets[a.head]
	elapsed := now.Sub(cur.start)
	if elapsed < a.bucketWidth {
		return
	}
	steps := int(elapsed / a.bucketWidth)
	if steps > a.bucketCount {
		steps = a.bucketCount
	}
	for i := 0; i < steps; i++ {
		a.head = (a.head + 1) % a.bucketCount
		a.buckets[a.head] = bucket{start: cur.start.Add(time.Duration(i+1) * a.bucketWidth)}
	}
}

// Snapshot assembles the spec 3/4.6 NetworkMetricsSnapshot purely from
// events folded so far; it never touches the Registry or Task Engine
// directly (spec 4.6: "read-only to the rest of the system; updated by
// subscribing to the Event Bus").
func (a *Aggregator) Snapshot() model.NetworkMetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.rotateLocked(now)

	nodesByStatus := make(map[model.NodeStatus]int, 5)
	var utilSum, utilWeight float64
	for id, s := range a.nodeStatus {
		nodesByStatus[s]++
		utilSum += a.loadScore[id]
		utilWeight++
	}

	tasksByState := make(map[model.TaskState]int, 6)
	for _, s := range a.taskState {
		tasksByState[s]++
	}

	completions, failures := 0, 0
	var responses []float64
	for _, b := range a.buckets {
		if now.Sub(b.start) > defaultWindow || b.start.IsZero() {
			continue
		}
		completions += b.completions
		failures += b.failures
		responses = append(responses, b.responseMs...)
	}

	snap := model.NetworkMetricsSnapshot{
		GeneratedAt:   now,
		TotalNodes:    len(a.nodeStatus),
		NodesByStatus: nodesByStatus,
		TasksByState:  tasksByState,
	}
	windowMinutes := defaultWindow.Minutes()
	if windowMinutes > 0 {
		snap.ThroughputPerMin = float64(completions) / windowMinutes
	}
	if completions+failures > 0 {
		snap.SuccessRate = float64(completions) / float64(completions+failures)
	}
	if len(responses) > 0 {
		snap.AvgResponseMs = average(responses)
		snap.P95ResponseMs = percentile(responses, 0.95)
	}
	if utilWeight > 0 {
		snap.AggregateUtilization = utilSum / utilWeight
	}
	return snap
}

func average(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, p float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
