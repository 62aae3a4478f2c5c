// Package health implements the coordinator's component heartbeat registry
// and liveness/readiness HTTP surface, grounded on the health check service
// every long-running instance of this platform has carried: a shared
// registry components report into, and a small HTTP server exposing it for
// process supervision and Prometheus scraping.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"predictcoord/internal/persistence"
)

// Status is the health state of a single component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// ComponentHealth is one component's last-reported state.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Response is the full /health payload.
type Response struct {
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    []ComponentHealth `json:"components"`
}

// Registry is the process-wide component heartbeat board. Components call
// Report whenever their own status changes; the coordinator's refresh tick
// reports its own heartbeat on every pass.
type Registry struct {
	mu         sync.RWMutex
	startedAt  time.Time
	components map[string]ComponentHealth

	staleAfter  time.Duration
	persistence persistence.TransactionManager
	log         *slog.Logger
}

// New builds a registry. staleAfter bounds how long a component may go
// without reporting before Snapshot marks it Unhealthy regardless of its
// last reported status. persist may be nil to skip heartbeat persistence.
func New(staleAfter time.Duration, persist persistence.TransactionManager, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		startedAt:   time.Now(),
		components:  make(map[string]ComponentHealth),
		staleAfter:  staleAfter,
		persistence: persist,
		log:         log.With("component", "health"),
	}
}

// Report records a component's current status. Best-effort persisted to
// component_heartbeats for crash-recovery and dashboard history.
func (r *Registry) Report(ctx context.Context, name string, status Status, message string) {
	now := time.Now()
	r.mu.Lock()
	r.components[name] = ComponentHealth{Name: name, Status: status, Message: message, LastCheck: now}
	r.mu.Unlock()

	if r.persistence == nil {
		return
	}
	meta := map[string]string{}
	if message != "" {
		meta["message"] = message
	}
	if err := r.persistence.RecordHeartbeat(ctx, name, string(status), meta, now); err != nil {
		r.log.Warn("failed to persist component heartbeat", "component", name, "error", err)
	}
}

// Snapshot computes the overall Response, demoting any component that has
// not reported within staleAfter to Unhealthy.
func (r *Registry) Snapshot() Response {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	overall := Healthy
	components := make([]ComponentHealth, 0, len(r.components))
	for _, c := range r.components {
		if r.staleAfter > 0 && now.Sub(c.LastCheck) > r.staleAfter {
			c.Status = Unhealthy
			c.Message = "stale: no heartbeat within threshold"
		}
		components = append(components, c)
		overall = worstOf(overall, c.Status)
	}

	return Response{
		Status:        overall,
		Timestamp:     now,
		UptimeSeconds: int64(now.Sub(r.startedAt).Seconds()),
		Components:    components,
	}
}

func worstOf(a, b Status) Status {
	rank := map[Status]int{Healthy: 0, Degraded: 1, Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Server exposes the registry over HTTP: /healthz and /readyz for process
// supervision, /health for the full component breakdown, /metrics for
// Prometheus scraping of the coordinator's registered collectors.
type Server struct {
	registry *Registry
	httpSrv  *http.Server
	log      *slog.Logger
}

// NewServer builds an HTTP server bound to addr (e.g. ":8090").
func NewServer(registry *Registry, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{registry: registry, log: log.With("component", "health_server")}

	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Stop is called or it fails.
func (s *Server) Start() error {
	s.log.Info("health server starting", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("health server stopping")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	if snap.Status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Warn("failed to encode health response", "error", err)
	}
}
