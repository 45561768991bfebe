package model

import (
	"encoding/json"
	"sort"
	"time"
)

// ResourceSample is a Node's last reported resource telemetry.
type ResourceSample struct {
	CPUPercentFree float64   `json:"cpu_percent_free"`
	MemoryFreeMB   int64     `json:"memory_free_mb"`
	GPUPercentFree float64   `json:"gpu_percent_free"`
	LoadScore      float64   `json:"load_score"` // composite [0,1], higher = busier
	SampledAt      time.Time `json:"sampled_at"`
}

// Requirements describes what a Task needs from a candidate Node.
// ExcludedNodes is a set internally (placement and the retry policy
// only ever test membership), but travels on the wire as a plain
// string array like PreferredNodes via MarshalJSON/UnmarshalJSON
// below — spec.md's "(set)" notation on excluded_nodes describes its
// semantics, not a JSON object shape, and no client should have to
// send {"N1":{}} to exclude a node.
type Requirements struct {
	RequiredCapabilities []string            `json:"required_capabilities"`
	MinCPUPercentFree    float64             `json:"min_cpu_pct_free"`
	MinMemoryMB          int64               `json:"min_memory_mb"`
	PreferredNodes       []string            `json:"preferred_nodes"`
	ExcludedNodes        map[string]struct{} `json:"-"`
	Redundancy           int                 `json:"redundancy"`
	StrictPreferred      bool                `json:"strict_preferred"`
	StrictRedundancy     bool                `json:"strict_redundancy"`
}

// requirementsWire mirrors Requirements field-for-field except
// ExcludedNodes, which is a []string here.
type requirementsWire struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	MinCPUPercentFree    float64  `json:"min_cpu_pct_free"`
	MinMemoryMB          int64    `json:"min_memory_mb"`
	PreferredNodes       []string `json:"preferred_nodes"`
	ExcludedNodes        []string `json:"excluded_nodes"`
	Redundancy           int      `json:"redundancy"`
	StrictPreferred      bool     `json:"strict_preferred"`
	StrictRedundancy     bool     `json:"strict_redundancy"`
}

func (r Requirements) MarshalJSON() ([]byte, error) {
	excluded := make([]string, 0, len(r.ExcludedNodes))
	for id := range r.ExcludedNodes {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)
	return json.Marshal(requirementsWire{
		RequiredCapabilities: r.RequiredCapabilities,
		MinCPUPercentFree:    r.MinCPUPercentFree,
		MinMemoryMB:          r.MinMemoryMB,
		PreferredNodes:       r.PreferredNodes,
		ExcludedNodes:        excluded,
		Redundancy:           r.Redundancy,
		StrictPreferred:      r.StrictPreferred,
		StrictRedundancy:     r.StrictRedundancy,
	})
}

func (r *Requirements) UnmarshalJSON(data []byte) error {
	var w requirementsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.RequiredCapabilities = w.RequiredCapabilities
	r.MinCPUPercentFree = w.MinCPUPercentFree
	r.MinMemoryMB = w.MinMemoryMB
	r.PreferredNodes = w.PreferredNodes
	r.Redundancy = w.Redundancy
	r.StrictPreferred = w.StrictPreferred
	r.StrictRedundancy = w.StrictRedundancy
	r.ExcludedNodes = nil
	if len(w.ExcludedNodes) > 0 {
		r.ExcludedNodes = make(map[string]struct{}, len(w.ExcludedNodes))
		for _, id := range w.ExcludedNodes {
			r.ExcludedNodes[id] = struct{}{}
		}
	}
	return nil
}

// HasCapabilities reports whether caps is a superset of required.
func HasCapabilities(caps []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
