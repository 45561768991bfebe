// Package liveness implements the periodic sweep in spec 4.5 that
// marks nodes offline or degraded based on heartbeat age, grounded on
// the teacher's heartbeat ticker (internal/worker/agent.go's
// startHeartbeat) run in reverse: here the orchestrator watches for
// silence instead of producing heartbeats.
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nimbus/internal/registry"
	"nimbus/pkg/clock"
)

// Config holds the thresholds named in spec 6 (liveness.degraded_factor,
// liveness.offline_factor) plus the sweep interval and the heartbeat
// interval they're multiples of.
type Config struct {
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	DegradedFactor    float64
	OfflineFactor     float64
}

// DefaultConfig matches the literal defaults in spec 4.5.
func DefaultConfig(heartbeatInterval time.Duration) Config {
	return Config{
		SweepInterval:     10 * time.Second,
		HeartbeatInterval: heartbeatInterval,
		DegradedFactor:    1.5,
		OfflineFactor:     3.0,
	}
}

func (c Config) degradedThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.DegradedFactor)
}

func (c Config) offlineThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.OfflineFactor)
}

// Monitor is the single periodic task that sweeps the Registry.
type Monitor struct {
	reg    *registry.Registry
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

func New(reg *registry.Registry, c clock.Clock, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{reg: reg, clock: c, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			m.Sweep(now)
		}
	}
}

// Sweep evaluates every node's heartbeat age once (spec 4.5); exported
// so tests can drive it deterministically without sleeping.
func (m *Monitor) Sweep(now time.Time) {
	offline := m.cfg.offlineThreshold()
	degraded := m.cfg.degradedThreshold()

	for nodeID, age := range m.reg.SweepAges(now) {
		switch {
		case age >= offline:
			if changed, err := m.reg.MarkOffline(nodeID); err == nil && changed && m.logger != nil {
				m.logger.Info("node marked offline", zap.String("node_id", nodeID), zap.Duration("age", age))
			}
		case age >= degraded:
			if changed, err := m.reg.MarkDegraded(nodeID); err == nil && changed && m.logger != nil {
				m.logger.Info("node marked degraded", zap.String("node_id", nodeID), zap.Duration("age", age))
			}
		default:
			if changed, err := m.reg.MarkRecovered(nodeID); err == nil && changed && m.logger != nil {
				m.logger.Info("node recovered", zap.String("node_id", nodeID))
			}
		}
	}
}
