// Package dispatch delivers tasks to nodes over a pluggable Transport
// and tracks the per-node latency and error signals the rest of the
// orchestrator needs (spec 4.4). It is grounded on the teacher's
// scheduler-to-worker delivery path (internal/master/scheduler/dispatch.go),
// generalized from a single etcd write into a retrying, rate-limited
// Transport call with its own RTT bookkeeping.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nimbus/pkg/clock"
	"nimbus/pkg/model"
)

// Config holds the spec 6 dispatch.* keys.
type Config struct {
	Timeout          time.Duration // dispatch.timeout_seconds, default 10s
	Retries          int           // dispatch.max_retries, default 2 (inline, pre-task-retry-policy)
	BackoffBase      time.Duration // base for the jittered exponential backoff between inline attempts
	PerNodeRateLimit rate.Limit    // dispatch.per_node_rate_limit, requests/sec; 0 disables limiting
	PerNodeBurst     int
}

// DefaultConfig matches spec 4.4's literal defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		Retries:          2,
		BackoffBase:      200 * time.Millisecond,
		PerNodeRateLimit: 20,
		PerNodeBurst:     5,
	}
}

// Dispatcher is the sole caller of a Transport. It is safe for
// concurrent use by multiple dispatch workers.
type Dispatcher struct {
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	mu       sync.Mutex
	rtt      map[string]time.Duration
	limiters map[string]*rate.Limiter
}

func New(transport Transport, c clock.Clock, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	return &Dispatcher{
		transport: transport,
		clock:     c,
		logger:    logger,
		cfg:       cfg,
		rtt:       make(map[string]time.Duration),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Dispatch delivers task to node, retrying inline up to cfg.Retries
// times on a transient classification before returning the final
// model.OutcomeClass to the caller (spec 4.4's dispatch_error{class}).
// A nil error means the node acknowledged the task; the Task Engine is
// responsible for the task-level retry policy (spec 4.2), this method
// only owns the single delivery attempt's own retry budget.
func (d *Dispatcher) Dispatch(ctx context.Context, node *model.Node, task *model.Task) (model.OutcomeClass, error) {
	d.wait(ctx, node.ID)

	var lastErr error
	attempts := d.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		start := d.clock.Now()
		err := d.transport.Dispatch(attemptCtx, node, task)
		elapsed := d.clock.Now().Sub(start)
		cancel()

		if err == nil {
			d.recordRTT(node.ID, elapsed)
			return "", nil
		}
		lastErr = err

		class := classify(err, attemptCtx.Err())
		if class == model.ErrNodeRejected {
			// Affirmative rejection: never worth retrying inline.
			return class, err
		}
		if attempt < attempts-1 {
			d.sleepBackoff(ctx, attempt)
			continue
		}
		if d.logger != nil {
			d.logger.Warn("dispatch exhausted inline retries",
				zap.String("node_id", node.ID), zap.String("task_id", task.ID),
				zap.String("class", string(class)), zap.Error(err))
		}
		return class, err
	}
	return classify(lastErr, nil), lastErr
}

// Cancel asks node to stop taskID. Best-effort: a single attempt,
// failures are returned for the caller to log but never retried.
func (d *Dispatcher) Cancel(ctx context.Context, node *model.Node, taskID string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.transport.Cancel(attemptCtx, node, taskID)
}

func classify(err error, ctxErr error) model.OutcomeClass {
	switch {
	case errors.Is(err, ErrNodeRejected):
		return model.ErrNodeRejected
	case errors.Is(err, ErrNodeUnavailable):
		return model.ErrNodeUnavailable
	case ctxErr == context.DeadlineExceeded:
		return model.ErrTimeout
	default:
		return model.ErrNetworkError
	}
}

// sleepBackoff blocks for a jittered exponential delay between inline
// attempts, or returns early if ctx is cancelled.
func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) {
	shift := attempt
	if shift > 10 {
		shift = 10
	}
	delay := d.cfg.BackoffBase * time.Duration(1<<uint(shift))
	select {
	case <-ctx.Done():
	case <-d.clock.After(delay):
	}
}

// wait blocks until node's outbound rate limiter admits one request.
// Rate limiting is skipped entirely when PerNodeRateLimit is 0.
func (d *Dispatcher) wait(ctx context.Context, nodeID string) {
	if d.cfg.PerNodeRateLimit <= 0 {
		return
	}
	lim := d.limiterFor(nodeID)
	_ = lim.Wait(ctx)
}

func (d *Dispatcher) limiterFor(nodeID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[nodeID]
	if !ok {
		burst := d.cfg.PerNodeBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(d.cfg.PerNodeRateLimit, burst)
		d.limiters[nodeID] = lim
	}
	return lim
}

// recordRTT folds elapsed into the per-node EWMA (alpha=0.2), a heavier
// weight on new samples than the Registry's 0.1 for reliability_score.
func (d *Dispatcher) recordRTT(nodeID string, elapsed time.Duration) {
	const alpha = 0.2
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.rtt[nodeID]
	if !ok {
		d.rtt[nodeID] = elapsed
		return
	}
	d.rtt[nodeID] = time.Duration(float64(prev)*(1-alpha) + float64(elapsed)*alpha)
}

// EWMARTT satisfies internal/placement.LatencyStats.
func (d *Dispatcher) EWMARTT(nodeID string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtt[nodeID]
}

// ForgetNode drops a departed node's limiter and RTT sample so the
// maps don't grow unbounded across a long-lived orchestrator (spec
// 4.1's node_unregistered path).
func (d *Dispatcher) ForgetNode(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rtt, nodeID)
	delete(d.limiters, nodeID)
}
