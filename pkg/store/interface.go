// Package store defines the pluggable persistence backend named in
// spec 6: the Registry and task history are in-memory by default;
// when a Store is configured, the core writes node registrations,
// terminal task records, and configuration changes through it.
package store

import (
	"context"

	"nimbus/pkg/model"
)

// Store is the contract any persistence backend must satisfy. It is
// a write-through cache from the orchestrator's point of view: reads
// only happen at startup, for crash recovery.
type Store interface {
	// SaveNode persists a node registration or update.
	SaveNode(ctx context.Context, node *model.Node) error
	// DeleteNode removes a node's persisted record (unregister).
	DeleteNode(ctx context.Context, nodeID string) error
	// ListNodes returns every persisted node, used to rebuild the
	// in-memory Registry on crash recovery.
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// SaveTaskRecord persists a terminal task record.
	SaveTaskRecord(ctx context.Context, task *model.Task) error
	// ListTaskRecords returns persisted task records; tasks that are
	// not terminal are re-surfaced as pending with retry_count
	// preserved by the caller, per spec 6.
	ListTaskRecords(ctx context.Context) ([]*model.Task, error)

	// SaveConfig persists a configuration patch.
	SaveConfig(ctx context.Context, patch map[string]any) error
	// LoadConfig returns the last persisted configuration, if any.
	LoadConfig(ctx context.Context) (map[string]any, error)

	Close() error
}
