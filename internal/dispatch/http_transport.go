package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"nimbus/pkg/model"
)

// HTTPTransport is the reference deployment's Node-facing transport
// (spec 1/6: "HTTP/JSON in the reference deployment, but not
// mandated"). It POSTs the task descriptor to the node's endpoint and
// treats only 409 and 422 as an affirmative rejection; 503 means the
// node is unavailable, and any other non-2xx status is a plain error.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Dispatch(ctx context.Context, node *model.Node, task *model.Task) error {
	return t.post(ctx, node.Endpoint+"/v1/tasks", task)
}

func (t *HTTPTransport) Cancel(ctx context.Context, node *model.Node, taskID string) error {
	return t.post(ctx, node.Endpoint+"/v1/tasks/"+taskID+"/cancel", nil)
}

func (t *HTTPTransport) post(ctx context.Context, url string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
		}
		return err // classified as network_error by the Dispatcher
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrNodeRejected
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrNodeUnavailable
	default:
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}
}
