package model

import "time"

// NetworkMetricsSnapshot is the Metrics Aggregator's output (spec 3/4.6).
type NetworkMetricsSnapshot struct {
	GeneratedAt       time.Time            `json:"generated_at"`
	TotalNodes        int                  `json:"total_nodes"`
	NodesByStatus     map[NodeStatus]int   `json:"nodes_by_status"`
	TasksByState      map[TaskState]int    `json:"tasks_by_state"`
	ThroughputPerMin  float64              `json:"throughput_per_min"`
	SuccessRate       float64              `json:"success_rate"`
	AvgResponseMs     float64              `json:"avg_response_ms"`
	P95ResponseMs     float64              `json:"p95_response_ms"`
	AggregateUtilization float64           `json:"aggregate_utilization"`
}

// OrchestratorStatus is the get_status() payload (spec 6), folding in
// the uptime field supplemented from original_source/web4ai_orchestrator.py.
type OrchestratorStatus struct {
	StartedAt time.Time              `json:"started_at"`
	UptimeSec float64                `json:"uptime_seconds"`
	Nodes     NodesSummary           `json:"nodes"`
	Tasks     map[TaskState]int      `json:"tasks"`
	Metrics   NetworkMetricsSnapshot `json:"metrics"`
}

// NodesSummary is the nodes-by-status portion of OrchestratorStatus.
type NodesSummary struct {
	Total    int                `json:"total"`
	ByStatus map[NodeStatus]int `json:"by_status"`
}
