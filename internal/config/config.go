// Package config holds the single Config struct consumed by
// internal/orchestrator, covering every key enumerated in spec 6.
// Values load from a flat map[string]any so a JSON PATCH body
// (update_config) and a JSON file on disk share one decode path
// without pulling in a YAML/TOML dependency no example in the pack
// shows for this domain.
package config

import (
	"encoding/json"
	"fmt"
)

type OrchestratorConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	TaskDefaultTimeoutSeconds int `json:"task_default_timeout_seconds"`
}

type NetworkConfig struct {
	MaxNodes             int    `json:"max_nodes"`
	MinNodes             int    `json:"min_nodes"`
	LoadBalanceAlgorithm string `json:"load_balance_algorithm"`
}

type PlacementConfig struct {
	AllowDegraded   bool               `json:"allow_degraded"`
	StrictPreferred bool               `json:"strict_preferred"`
	Weights         map[string]float64 `json:"weights"`
}

type TaskConfig struct {
	MaxRetriesDefault     int `json:"max_retries_default"`
	PlacementGraceSeconds int `json:"placement_grace_seconds"`
	HistoryLimit          int `json:"history_limit"`
}

type LivenessConfig struct {
	DegradedFactor float64 `json:"degraded_factor"`
	OfflineFactor  float64 `json:"offline_factor"`
}

type QueueConfig struct {
	MaxPending        int     `json:"max_pending"`
	HighWaterFraction float64 `json:"high_water_fraction"`
}

// Config is the orchestrator's full, nested configuration (spec 6).
// Only the fields under Placement ("allow_degraded", "strict_preferred",
// "weights"), Network's load_balance_algorithm/max_nodes/min_nodes, and
// queue thresholds are intended to be mutated live via update_config;
// the rest are read once at startup. ApplyPatch itself accepts any
// section because it also backs the unrestricted startup load path
// (FromMap); internal/api.mutablePaths is what narrows update_config's
// client-facing PATCH down to that subset before ApplyPatch ever runs.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Network      NetworkConfig      `json:"network"`
	Placement    PlacementConfig    `json:"placement"`
	Task         TaskConfig         `json:"task"`
	Liveness     LivenessConfig     `json:"liveness"`
	Queue        QueueConfig        `json:"queue"`
}

// Default matches the literal defaults scattered across spec 4.2-4.6.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			HeartbeatIntervalSeconds:  10,
			TaskDefaultTimeoutSeconds: 300,
		},
		Network: NetworkConfig{
			MaxNodes:             1000,
			MinNodes:             0,
			LoadBalanceAlgorithm: "weighted_round_robin",
		},
		Placement: PlacementConfig{
			AllowDegraded:   false,
			StrictPreferred: false,
			Weights:         map[string]float64{"cpu": 0.4, "mem": 0.3, "gpu": 0.3},
		},
		Task: TaskConfig{
			MaxRetriesDefault:     2,
			PlacementGraceSeconds: 30,
			HistoryLimit:          10_000,
		},
		Liveness: LivenessConfig{
			DegradedFactor: 1.5,
			OfflineFactor:  3.0,
		},
		Queue: QueueConfig{
			MaxPending:        100_000,
			HighWaterFraction: 0.8,
		},
	}
}

// ApplyPatch merges a flat-or-nested JSON patch (the update_config body)
// onto c by round-tripping through encoding/json: marshal c, merge the
// patch's raw fields over it key-by-key, then unmarshal back. This lets
// a caller PATCH only "placement.allow_degraded" without having to
// resend the rest of the section.
func (c Config) ApplyPatch(patch map[string]any) (Config, error) {
	base, err := toMap(c)
	if err != nil {
		return c, fmt.Errorf("encode base config: %w", err)
	}
	for section, v := range patch {
		sub, ok := v.(map[string]any)
		if !ok {
			base[section] = v
			continue
		}
		existing, _ := base[section].(map[string]any)
		if existing == nil {
			existing = make(map[string]any)
		}
		for k, vv := range sub {
			existing[k] = vv
		}
		base[section] = existing
	}

	raw, err := json.Marshal(base)
	if err != nil {
		return c, fmt.Errorf("encode merged config: %w", err)
	}
	var merged Config
	if err := json.Unmarshal(raw, &merged); err != nil {
		return c, fmt.Errorf("decode merged config: %w", err)
	}
	return merged, nil
}

func toMap(c Config) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToMap exposes the flat map form for get_config responses and for
// pkg/store.SaveConfig, which persists patches as map[string]any.
func (c Config) ToMap() map[string]any {
	m, _ := toMap(c)
	return m
}

// FromMap decodes a persisted or externally supplied map into a Config,
// used on startup when a Store has a previously saved configuration.
func FromMap(m map[string]any) (Config, error) {
	return Default().ApplyPatch(m)
}
