// Package api is the thin HTTP/JSON adapter over the core described
// in spec 1 ("explicitly framing-only") and spec 6's external
// interfaces. It translates JSON requests into calls on
// internal/orchestrator.Orchestrator and its components, and
// translates the error taxonomy in spec 7 into HTTP status codes.
// Grounded on kamalyes-go-stress/distributed/master/http_server.go's
// http.NewServeMux + path-prefix dispatch + writeJSON/middleware shape.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nimbus/internal/orchestrator"
	"nimbus/internal/registry"
	"nimbus/internal/tasks"
	"nimbus/pkg/model"
)

// Server is the HTTP entry point wrapping an Orchestrator. Two route
// groups are served from the same mux: /v1/* for clients (spec 6
// "Inbound (client -> core)") and /v1/nodes/* + /v1/tasks/*/result for
// nodes (spec 6 "Inbound (node -> core)"), plus /metrics for
// Prometheus scrape.
type Server struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
	server *http.Server
}

func New(orc *orchestrator.Orchestrator, addr string, logger *zap.Logger) *Server {
	s := &Server{orc: orc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskDetail)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/config", s.handleConfig)
	mux.HandleFunc("/v1/nodes", s.handleNodes)
	mux.HandleFunc("/v1/nodes/", s.handleNodeDetail)
	mux.Handle("/metrics", promhttp.HandlerFor(orc.Metrics.Registry(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.logMiddleware(mux),
	}
	return s
}

func (s *Server) ListenAndServe() error { return s.server.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.logger != nil {
			s.logger.Debug("http request",
				zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
		}
	})
}

// principal extracts the opaque caller identity the core never
// interprets (spec 9: "no user auth beyond an opaque principal on each
// request"); absent a header, the zero value is used.
func principal(r *http.Request) string { return r.Header.Get("X-Nimbus-Principal") }

// ===== client-facing: submit_task / list_tasks =====

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		methodNotAllowed(w)
	}
}

type submitTaskRequest struct {
	TaskType       string              `json:"task_type"`
	Priority       model.Priority      `json:"priority"`
	Requirements   model.Requirements  `json:"requirements"`
	InputData      any                 `json:"input_data,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	MaxRetries     int                 `json:"max_retries"`
	CallbackURL    string              `json:"callback_url,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	_ = principal(r) // carried but never interpreted by the core

	if key := req.IdempotencyKey; key != "" {
		if existing := s.findByIdempotencyKey(key); existing != nil {
			writeJSON(w, http.StatusOK, map[string]any{"task_id": existing.ID})
			return
		}
	}

	task := &model.Task{
		Type:           req.TaskType,
		Priority:       req.Priority,
		Requirements:   req.Requirements,
		InputData:      req.InputData,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: req.IdempotencyKey,
	}
	id, err := s.orc.Tasks.Submit(task)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id})
}

// findByIdempotencyKey dedupes a resubmit sharing a key against a
// still-non-terminal task (spec's supplemented idempotency hint); once
// the prior attempt reaches a terminal state a fresh submit is allowed.
func (s *Server) findByIdempotencyKey(key string) *model.Task {
	for _, t := range s.orc.Tasks.List(tasks.Filter{}) {
		if t.IdempotencyKey == key && !t.State.Terminal() {
			return t
		}
	}
	return nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		State: model.TaskState(q.Get("state")),
	}
	if p := q.Get("priority"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			f.Priority = model.Priority(n)
		}
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			f.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			f.Offset = n
		}
	}
	page := s.orc.Tasks.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": page, "total": len(page)})
}

// ===== client-facing: get_task / cancel_task =====

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(path, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "task_id required")
		return
	}

	if len(parts) == 2 && parts[1] == "result" {
		s.reportTaskResult(w, r, taskID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.orc.Tasks.Get(taskID)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.orc.Tasks.Cancel(taskID); err != nil {
			s.writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		methodNotAllowed(w)
	}
}

// ===== node-facing: report_task_result =====

type reportResultRequest struct {
	NodeID  string             `json:"node_id"`
	Success bool               `json:"success"`
	Result  any                `json:"result,omitempty"`
	Class   model.OutcomeClass `json:"error_class,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (s *Server) reportTaskResult(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req reportResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	outcome := model.Outcome{Success: req.Success, Result: req.Result, Class: req.Class, Message: req.Message}
	if err := s.orc.Tasks.OnNodeResult(taskID, req.NodeID, outcome); err != nil {
		switch {
		case errors.Is(err, tasks.ErrUnknownTask):
			writeError(w, http.StatusNotFound, "not_found", "unknown task")
		case errors.Is(err, tasks.ErrNotAssigned):
			writeError(w, http.StatusConflict, "conflict", "node not assigned to task")
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ===== client-facing: get_status / get_metrics =====

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.orc.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.orc.Metrics.Snapshot())
}

// ===== client-facing: get_config / update_config =====

// mutablePaths is spec 6's literal update_config contract: "mutable
// fields are limited to placement algorithm, thresholds, and max/min
// nodes". Each entry is a top-level config section mapped to the set
// of fields within it a client may PATCH; internal/config.Config
// itself applies any patch unconditionally (it also serves the full,
// unrestricted load-from-store path on startup), so this package is
// where spec 6's narrower client-facing contract is actually enforced.
var mutablePaths = map[string]map[string]bool{
	"placement": {"allow_degraded": true, "strict_preferred": true, "weights": true},
	"network":   {"load_balance_algorithm": true, "max_nodes": true, "min_nodes": true},
	"queue":     {"max_pending": true, "high_water_fraction": true},
}

// validateMutablePatch rejects any section or field update_config's
// caller tried to set outside mutablePaths, so a client PATCHing e.g.
// task.history_limit gets a 400 instead of silently mutating a field
// spec 6 documents as read-once-at-startup.
func validateMutablePatch(patch map[string]any) error {
	for section, v := range patch {
		allowed, ok := mutablePaths[section]
		if !ok {
			return fmt.Errorf("section %q is not mutable via update_config", section)
		}
		fields, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("section %q must be an object", section)
		}
		for field := range fields {
			if !allowed[field] {
				return fmt.Errorf("field %q.%q is not mutable via update_config", section, field)
			}
		}
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.orc.Config())
	case http.MethodPatch, http.MethodPost:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		if err := validateMutablePatch(patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		merged, err := s.orc.UpdateConfig(r.Context(), patch)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, merged)
	default:
		methodNotAllowed(w)
	}
}

// ===== node-facing: register_node / unregister_node =====

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var node model.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if node.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "node_id required")
		return
	}
	registered, err := s.orc.Registry.Register(r.Context(), &node)
	if err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// ===== node-facing: heartbeat / set_node_status / unregister_node =====

func (s *Server) handleNodeDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/nodes/")
	parts := strings.SplitN(path, "/", 2)
	nodeID := parts[0]
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "node_id required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "heartbeat":
			s.heartbeat(w, r, nodeID)
		case "status":
			s.setNodeStatus(w, r, nodeID)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		node, err := s.orc.Registry.Get(nodeID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, node)
	case http.MethodDelete:
		if err := s.orc.Registry.Unregister(r.Context(), nodeID); err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var sample model.ResourceSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := s.orc.Registry.Heartbeat(nodeID, sample); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown_node")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setNodeStatus(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Status model.NodeStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := s.orc.Registry.SetStatus(r.Context(), nodeID, req.Status); err != nil {
		if errors.Is(err, registry.ErrUnknownNode) {
			writeError(w, http.StatusNotFound, "not_found", "unknown_node")
		} else {
			writeError(w, http.StatusConflict, "invalid_transition", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ===== shared error translation (spec 7) =====

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, tasks.ErrInvalidRequirements):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, tasks.ErrOverloaded):
		writeError(w, http.StatusServiceUnavailable, "overloaded", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "invalid_input", "method not allowed")
}
