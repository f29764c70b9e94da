// Package gateway exposes the engine's task submission, status, and
// metrics surface over HTTP and a websocket event stream, so an
// out-of-scope CLI or dashboard front-end can drive the engine remotely.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/model"
)

// Engine is the slice of engine.Engine the gateway depends on.
type Engine interface {
	SubmitTask(task model.Task) string
	GetTaskStatus(id string) (model.TaskState, bool)
	GetMetrics() engine.Metrics
}

// Config wires the gateway's dependencies and middleware policy.
type Config struct {
	Engine            Engine
	Bus               *bus.Bus
	Auth              config.AuthConfig
	CORS              config.CORSConfig
	RateLimit         config.RateLimitConfig
	ConfigFingerprint string
	Logger            *slog.Logger
}

// Server is the gateway's HTTP/websocket surface over one Engine.
type Server struct {
	cfg Config
	log *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// New creates a Server. Call Handler to obtain the wrapped http.Handler to
// serve.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, log: logger, clients: make(map[*client]struct{})}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)

	var h http.Handler = mux
	h = NewRateLimitMiddleware(s.cfg.RateLimit).Wrap(h)
	h = NewAuthMiddleware(s.cfg.Auth).Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy":            true,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Engine.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"max_concurrent":          m.MaxConcurrent,
		"currently_running":       m.CurrentlyRunning,
		"available_slots":         m.AvailableSlots,
		"queued_tasks":            m.QueuedTasks,
		"completed_tasks":         m.CompletedTasks,
		"failed_tasks":            m.FailedTasks,
		"average_duration_ms":     m.AverageDuration.Milliseconds(),
		"success_rate":            m.SuccessRate,
		"throughput":              m.Throughput,
		"total_processes_spawned": m.TotalProcessesSpawned,
		"active_processes":        m.ActiveProcesses,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Engine.GetMetrics()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP foreman_queued_tasks Tasks currently waiting in the FIFO queue.\n")
	fmt.Fprintf(w, "# TYPE foreman_queued_tasks gauge\n")
	fmt.Fprintf(w, "foreman_queued_tasks %d\n", m.QueuedTasks)
	fmt.Fprintf(w, "# HELP foreman_running_tasks Tasks currently executing.\n")
	fmt.Fprintf(w, "# TYPE foreman_running_tasks gauge\n")
	fmt.Fprintf(w, "foreman_running_tasks %d\n", m.CurrentlyRunning)
	fmt.Fprintf(w, "# HELP foreman_completed_tasks_total Total tasks completed successfully.\n")
	fmt.Fprintf(w, "# TYPE foreman_completed_tasks_total counter\n")
	fmt.Fprintf(w, "foreman_completed_tasks_total %d\n", m.CompletedTasks)
	fmt.Fprintf(w, "# HELP foreman_failed_tasks_total Total tasks that failed.\n")
	fmt.Fprintf(w, "# TYPE foreman_failed_tasks_total counter\n")
	fmt.Fprintf(w, "foreman_failed_tasks_total %d\n", m.FailedTasks)
	fmt.Fprintf(w, "# HELP foreman_success_rate Fraction of completions that did not fail.\n")
	fmt.Fprintf(w, "# TYPE foreman_success_rate gauge\n")
	fmt.Fprintf(w, "foreman_success_rate %f\n", m.SuccessRate)
	fmt.Fprintf(w, "# HELP foreman_throughput Completions per second over a rolling window.\n")
	fmt.Fprintf(w, "# TYPE foreman_throughput gauge\n")
	fmt.Fprintf(w, "foreman_throughput %f\n", m.Throughput)
	fmt.Fprintf(w, "# HELP foreman_active_processes Managed child processes currently running.\n")
	fmt.Fprintf(w, "# TYPE foreman_active_processes gauge\n")
	fmt.Fprintf(w, "foreman_active_processes %d\n", m.ActiveProcesses)
}

// handleWS streams task.* bus events to a connected client until it
// disconnects or the request context ends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORS.AllowedOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if s.cfg.Bus == nil {
		<-r.Context().Done()
		return
	}
	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(r.Context(), ev); err != nil {
				s.log.Warn("gateway: ws write failed, closing", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of currently connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

type submitTaskRequest struct {
	Prompt      string   `json:"prompt"`
	WorkDir     string   `json:"work_dir"`
	Priority    int      `json:"priority"`
	EntityID    string   `json:"entity_id"`
	DependsOn   []string `json:"depends_on"`
	AgentConfig any      `json:"agent_config"`
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := validateTaskSubmission(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	var req submitTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	task := model.Task{
		Prompt:      req.Prompt,
		WorkDir:     req.WorkDir,
		Priority:    req.Priority,
		EntityID:    req.EntityID,
		DependsOn:   req.DependsOn,
		AgentConfig: req.AgentConfig,
		CreatedAt:   time.Now(),
	}
	id := s.cfg.Engine.SubmitTask(task)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" {
		http.Error(w, `{"error":"missing task id"}`, http.StatusBadRequest)
		return
	}
	state, ok := s.cfg.Engine.GetTaskStatus(id)
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	payload := map[string]any{
		"task_id": id,
		"status":  state.Status,
	}
	switch state.Status {
	case model.TaskQueued:
		payload["position"] = state.Position
	case model.TaskRunning:
		payload["managed_process_id"] = state.ManagedProcessID
		payload["started_at"] = state.StartedAt
	case model.TaskCompleted:
		payload["exit_code"] = state.Result.ExitCode
	case model.TaskFailed:
		payload["error"] = state.Err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
