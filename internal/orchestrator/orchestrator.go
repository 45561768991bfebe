// Package orchestrator wires Registry, Placement, the Task Engine,
// the Dispatcher, the Liveness Monitor, the Metrics Aggregator, the
// Event Bus, and a pluggable Store into the single runnable process
// described in spec 9's redesign note ("model the system as an
// Orchestrator value that owns these components, rather than a set of
// free-floating goroutines"). The worker-pool and graceful-shutdown
// shape is grounded on the teacher's cmd/master/main.go signal
// handling, generalized from one scheduler goroutine into the several
// pools spec 5 calls for.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nimbus/internal/config"
	"nimbus/internal/dispatch"
	"nimbus/internal/events"
	"nimbus/internal/liveness"
	"nimbus/internal/metrics"
	"nimbus/internal/placement"
	"nimbus/internal/registry"
	"nimbus/internal/tasks"
	"nimbus/pkg/clock"
	"nimbus/pkg/model"
	"nimbus/pkg/store"
)

// Options configures a new Orchestrator. Transport and Store may be
// nil; Transport defaults to an HTTPTransport, Store defaults to an
// in-memory one (spec 6: "in-memory by default").
type Options struct {
	Config    config.Config
	Clock     clock.Clock
	Logger    *zap.Logger
	Transport dispatch.Transport
	Store     store.Store

	// DispatchWorkers is how many goroutines concurrently call
	// Engine.DispatchOne (spec 5's dispatch worker pool). Defaults to 8.
	DispatchWorkers int
	// DeadlineSweepInterval is how often TickDeadlines runs. Defaults to 1s.
	DeadlineSweepInterval time.Duration
}

// Orchestrator is the top-level process value. All of its component
// fields are safe for concurrent use independently; Orchestrator's own
// job is lifecycle (Run/Shutdown) and cross-wiring, not locking.
type Orchestrator struct {
	cfg    config.Config
	clock  clock.Clock
	logger *zap.Logger

	Bus       *events.Bus
	Store     store.Store
	Registry  *registry.Registry
	Placement *placement.Engine
	Dispatch  *dispatch.Dispatcher
	Tasks     *tasks.Engine
	Liveness  *liveness.Monitor
	Metrics   *metrics.Aggregator

	dispatchWorkers int
	sweepInterval   time.Duration
	startedAt       time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds every component and wires their cross-dependencies, but
// starts nothing; call Run to start the worker pools.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = 8
	}
	if opts.DeadlineSweepInterval <= 0 {
		opts.DeadlineSweepInterval = time.Second
	}
	cfg := opts.Config

	bus := events.New(opts.Logger)
	reg := registry.New(opts.Clock, bus, opts.Store, opts.Logger)

	transport := opts.Transport
	if transport == nil {
		transport = dispatch.NewHTTPTransport(nil)
	}
	disp := dispatch.New(transport, opts.Clock, opts.Logger, dispatch.DefaultConfig())

	placeOpts := placement.Options{
		Algorithm:       placement.Algorithm(cfg.Network.LoadBalanceAlgorithm),
		AllowDegraded:   cfg.Placement.AllowDegraded,
		StrictPreferred: cfg.Placement.StrictPreferred,
		Weights: placement.Weights{
			CPU: cfg.Placement.Weights["cpu"],
			Mem: cfg.Placement.Weights["mem"],
			GPU: cfg.Placement.Weights["gpu"],
		},
	}

	taskCfg := tasks.Config{
		MaxPending:            cfg.Queue.MaxPending,
		HighWaterFraction:     cfg.Queue.HighWaterFraction,
		DefaultMaxRetries:     cfg.Task.MaxRetriesDefault,
		PlacementGraceSeconds: cfg.Task.PlacementGraceSeconds,
		HistoryLimit:          cfg.Task.HistoryLimit,
	}

	// placement.Engine needs the Task Engine's ActiveCounter and the
	// Dispatcher's LatencyStats; the Task Engine needs the placement
	// Engine back. Both sides depend only on the narrow local
	// interfaces declared by their own package, so construction order
	// just needs tasks.Engine built after placement.Engine, with
	// placement given the (not yet existent) ActiveCounter via a thin
	// forwarding shim since Go has no forward references for concrete
	// values.
	var engine *tasks.Engine
	place := placement.New(placeOpts, activeCounterFunc(func(id string) int {
		if engine == nil {
			return 0
		}
		return engine.ActiveTasksOnNode(id)
	}), disp)

	engine = tasks.New(taskCfg, opts.Clock, bus, reg, place, disp, opts.Store, opts.Logger)

	heartbeatInterval := time.Duration(cfg.Orchestrator.HeartbeatIntervalSeconds) * time.Second
	livenessCfg := liveness.Config{
		SweepInterval:     10 * time.Second,
		HeartbeatInterval: heartbeatInterval,
		DegradedFactor:    cfg.Liveness.DegradedFactor,
		OfflineFactor:     cfg.Liveness.OfflineFactor,
	}
	mon := liveness.New(reg, opts.Clock, livenessCfg, opts.Logger)

	agg := metrics.New(opts.Clock, opts.Logger)

	return &Orchestrator{
		cfg:             cfg,
		clock:           opts.Clock,
		logger:          opts.Logger,
		Bus:             bus,
		Store:           opts.Store,
		Registry:        reg,
		Placement:       place,
		Dispatch:        disp,
		Tasks:           engine,
		Liveness:        mon,
		Metrics:         agg,
		dispatchWorkers: opts.DispatchWorkers,
		sweepInterval:   opts.DeadlineSweepInterval,
	}
}

// activeCounterFunc adapts a plain func to placement.ActiveCounter,
// needed because the Task Engine value placement depends on does not
// exist yet at the point placement.New is called.
type activeCounterFunc func(nodeID string) int

func (f activeCounterFunc) ActiveTasksOnNode(nodeID string) int { return f(nodeID) }

// Config returns the orchestrator's current configuration.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// UpdateConfig applies a patch (the update_config operation, spec 6)
// and pushes the merged placement settings to the Placement Engine.
// Every other field (queue thresholds and caps, history limit, retry
// and task defaults, liveness thresholds) is stored in the returned
// config and persisted, but the running Task Engine and Liveness
// Monitor keep the values they were built with.
func (o *Orchestrator) UpdateConfig(ctx context.Context, patch map[string]any) (config.Config, error) {
	merged, err := o.cfg.ApplyPatch(patch)
	if err != nil {
		return o.cfg, fmt.Errorf("apply config patch: %w", err)
	}
	o.cfg = merged

	o.Placement.SetOptions(placement.Options{
		Algorithm:       placement.Algorithm(merged.Network.LoadBalanceAlgorithm),
		AllowDegraded:   merged.Placement.AllowDegraded,
		StrictPreferred: merged.Placement.StrictPreferred,
		Weights: placement.Weights{
			CPU: merged.Placement.Weights["cpu"],
			Mem: merged.Placement.Weights["mem"],
			GPU: merged.Placement.Weights["gpu"],
		},
	})

	if o.Store != nil {
		if err := o.Store.SaveConfig(ctx, merged.ToMap()); err != nil && o.logger != nil {
			o.logger.Warn("failed to persist config patch", zap.Error(err))
		}
	}
	return merged, nil
}

// Run starts every background worker pool and blocks until ctx is
// cancelled, then waits for all workers to drain (spec 9's graceful
// shutdown note). Call once.
func (o *Orchestrator) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = o.clock.Now()

	if err := o.recover(runCtx); err != nil && o.logger != nil {
		o.logger.Warn("crash recovery from store failed", zap.Error(err))
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Liveness.Run(runCtx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Metrics.Run(runCtx, o.Bus)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runNodeCleanupWorker(runCtx)
	}()

	for i := 0; i < o.dispatchWorkers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runDispatchWorker(runCtx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runDeadlineSweeper(runCtx)
	}()

	<-runCtx.Done()
	o.wg.Wait()
}

// Shutdown requests Run's worker pools stop and waits for them to
// drain. Safe to call once Run has been started in another goroutine.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// runDispatchWorker repeatedly calls DispatchOne, backing off briefly
// when the queue produced no ready work rather than spinning (spec 5's
// dispatch worker pool).
func (o *Orchestrator) runDispatchWorker(ctx context.Context) {
	const idleBackoff = 20 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !o.Tasks.DispatchOne(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-o.clock.After(idleBackoff):
			}
		}
	}
}

// runNodeCleanupWorker reacts to a node leaving service. node_offline
// (spec 4.5, raised by the Liveness Monitor's sweep) and
// node_unregistered (spec 4.2, raised by an explicit Unregister) both
// trigger the same failure path for every task still assigned to that
// node, with class node_failure; node_unregistered additionally drops
// the node's Dispatcher-side RTT and rate-limiter state, since the
// Dispatcher has no other way to learn the node is gone for good.
// node_offline leaves that state in place because a degraded node can
// still recover without losing its latency history.
func (o *Orchestrator) runNodeCleanupWorker(ctx context.Context) {
	ch, cancel := o.Bus.Subscribe(events.DropOldest, 32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case events.NodeOffline:
				o.Tasks.FailTasksOnNode(evt.NodeID, model.ErrNodeFailure, "node offline")
			case events.NodeUnregistered:
				o.Tasks.FailTasksOnNode(evt.NodeID, model.ErrNodeFailure, "node unregistered")
				o.Dispatch.ForgetNode(evt.NodeID)
			}
		}
	}
}

func (o *Orchestrator) runDeadlineSweeper(ctx context.Context) {
	ticker := o.clock.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			o.Tasks.TickDeadlines(now)
		}
	}
}

// recover rebuilds the Registry and re-surfaces non-terminal tasks
// from the Store on startup (spec 6's crash recovery contract).
func (o *Orchestrator) recover(ctx context.Context) error {
	if o.Store == nil {
		return nil
	}
	nodes, err := o.Store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("list persisted nodes: %w", err)
	}
	for _, n := range nodes {
		if _, err := o.Registry.Register(ctx, n); err != nil && o.logger != nil {
			o.logger.Warn("failed to restore node", zap.String("node_id", n.ID), zap.Error(err))
		}
	}

	records, err := o.Store.ListTaskRecords(ctx)
	if err != nil {
		return fmt.Errorf("list persisted task records: %w", err)
	}
	for _, t := range records {
		o.Tasks.Restore(t)
	}

	if persisted, err := o.Store.LoadConfig(ctx); err == nil && len(persisted) > 0 {
		if merged, err := config.FromMap(persisted); err == nil {
			o.cfg = merged
		}
	}
	return nil
}

// Status assembles the get_status payload (spec 6), folding in uptime
// per SPEC_FULL's web4ai_orchestrator.py supplement.
func (o *Orchestrator) Status() model.OrchestratorStatus {
	nodes := o.Registry.Snapshot()
	byStatus := make(map[model.NodeStatus]int, 5)
	for _, n := range nodes {
		byStatus[n.Status]++
	}

	tasksByState := make(map[model.TaskState]int, 6)
	for _, t := range o.Tasks.List(tasks.Filter{}) {
		tasksByState[t.State]++
	}

	return model.OrchestratorStatus{
		StartedAt: o.startedAt,
		UptimeSec: o.clock.Now().Sub(o.startedAt).Seconds(),
		Nodes: model.NodesSummary{
			Total:    len(nodes),
			ByStatus: byStatus,
		},
		Tasks:   tasksByState,
		Metrics: o.Metrics.Snapshot(),
	}
}
