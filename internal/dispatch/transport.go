package dispatch

import (
	"context"
	"errors"

	"nimbus/pkg/model"
)

// Sentinel errors a Transport implementation returns so the
// Dispatcher can classify the failure per spec 4.4's taxonomy
// without string matching.
var (
	ErrNodeRejected   = errors.New("node_rejected")
	ErrNodeUnavailable = errors.New("node_unavailable")
)

// Transport delivers a dispatch or cancel call to a single Node. The
// HTTP/JSON implementation is the reference deployment named in spec
// 1/6; the core only depends on this interface, so an alternative
// transport (gRPC, a message broker) can be substituted without
// touching Dispatcher's retry/backoff/RTT logic.
type Transport interface {
	// Dispatch delivers task to node and blocks until the node acks
	// or the context deadline expires. A nil error means the node
	// accepted the task.
	Dispatch(ctx context.Context, node *model.Node, task *model.Task) error
	// Cancel asks node to cancel taskID; best-effort, errors are
	// logged by the caller and never block the local cancel.
	Cancel(ctx context.Context, node *model.Node, taskID string) error
}
