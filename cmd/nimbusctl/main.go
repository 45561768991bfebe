// cmd/nimbusctl is the client CLI (was cmd/titan-cli in the teacher):
// submit/get/list/cancel tasks and print orchestrator status, talking
// to orchestratord's HTTP/JSON API instead of etcd directly. It has no
// node register/heartbeat commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"nimbus/pkg/model"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "orchestratord base URL")
	submit := flag.Bool("submit", false, "submit a task")
	taskType := flag.String("type", "shell", "task_type for -submit")
	command := flag.String("cmd", "echo hello", "shell command for -submit (run whole via sh -c)")
	priority := flag.Int("priority", int(model.PriorityNormal), "priority 1=critical .. 5=background")
	timeout := flag.Int("timeout", 300, "timeout_seconds for -submit")
	get := flag.String("get", "", "get a task by id")
	list := flag.Bool("list", false, "list tasks")
	cancel := flag.String("cancel", "", "cancel a task by id")
	status := flag.Bool("status", false, "print orchestrator status")
	flag.Parse()

	cli := &client{base: *addr, http: &http.Client{Timeout: 10 * time.Second}}

	switch {
	case *submit:
		runSubmit(cli, *taskType, *command, *priority, *timeout)
	case *get != "":
		runGet(cli, *get)
	case *list:
		runList(cli)
	case *cancel != "":
		runCancel(cli, *cancel)
	case *status:
		runStatus(cli)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runSubmit(cli *client, taskType, command string, priority, timeout int) {
	req := map[string]any{
		"task_type": taskType,
		"priority":  priority,
		"requirements": map[string]any{
			"required_capabilities": []string{},
			"redundancy":            1,
		},
		"input_data":      map[string]any{"command": []string{"sh", "-c", command}},
		"timeout_seconds": timeout,
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := cli.postJSON("/v1/tasks", req, &resp); err != nil {
		fatalf("submit failed: %v", err)
	}
	fmt.Printf("task submitted: %s\n", resp.TaskID)
}

func runGet(cli *client, taskID string) {
	var task model.Task
	if err := cli.getJSON("/v1/tasks/"+taskID, &task); err != nil {
		fatalf("get task failed: %v", err)
	}
	printJSON(task)
}

func runList(cli *client) {
	var page map[string]any
	if err := cli.getJSON("/v1/tasks", &page); err != nil {
		fatalf("list tasks failed: %v", err)
	}
	printJSON(page)
}

func runCancel(cli *client, taskID string) {
	var resp map[string]string
	if err := cli.deleteJSON("/v1/tasks/"+taskID, &resp); err != nil {
		fatalf("cancel failed: %v", err)
	}
	fmt.Printf("task %s cancelled\n", taskID)
}

func runStatus(cli *client) {
	var status model.OrchestratorStatus
	if err := cli.getJSON("/v1/status", &status); err != nil {
		fatalf("get status failed: %v", err)
	}
	printJSON(status)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) postJSON(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) deleteJSON(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *client) getJSON(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
