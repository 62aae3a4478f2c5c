// Package controlapi exposes the coordinator's control channel and global
// state over HTTP, so coordinatorctl (and any other out-of-process
// operator tooling) can drive pause/resume/force-close/shutdown without
// linking against the coordinator package directly.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"predictcoord/internal/coordinator"
	"predictcoord/pkg/types"
)

// Submitter is the narrow coordinator surface the control API drives.
type Submitter interface {
	SubmitControl(cmd types.ControlCommand) bool
	State() coordinator.GlobalState
}

// Server serves the operator control/status HTTP API.
type Server struct {
	coord  Submitter
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a control API server bound to addr.
func NewServer(coord Submitter, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control-api")

	s := &Server{coord: coord, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
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
	s.logger.Info("control api starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type controlRequest struct {
	Kind   string `json:"kind"`
	Domain string `json:"domain,omitempty"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	kind, err := parseControlKind(req.Kind, req.Domain != "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd := types.ControlCommand{Kind: kind}
	if req.Domain != "" {
		domainKind, err := parseDomainKind(req.Domain)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d := types.Domain{Kind: domainKind}
		cmd.Domain = &d
	}

	if !s.coord.SubmitControl(cmd) {
		s.logger.Warn("control channel full, command dropped", "kind", req.Kind)
		http.Error(w, "control channel full, retry", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.coord.State()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.logger.Warn("failed to encode status response", "error", err)
	}
}

func parseControlKind(kind string, hasDomain bool) (types.ControlKind, error) {
	switch kind {
	case "pause":
		if hasDomain {
			return types.CmdPauseDomain, nil
		}
		return types.CmdPauseAll, nil
	case "resume":
		if hasDomain {
			return types.CmdResumeDomain, nil
		}
		return types.CmdResumeAll, nil
	case "force-close":
		if hasDomain {
			return types.CmdForceCloseDomain, nil
		}
		return types.CmdForceCloseAll, nil
	case "shutdown":
		if hasDomain {
			return types.CmdShutdownDomain, nil
		}
		return types.CmdShutdownAll, nil
	default:
		return 0, fmt.Errorf("unknown control kind %q", kind)
	}
}

func parseDomainKind(name string) (types.DomainKind, error) {
	switch name {
	case "crypto":
		return types.DomainCrypto, nil
	case "sports":
		return types.DomainSports, nil
	case "politics":
		return types.DomainPolitics, nil
	case "economics":
		return types.DomainEconomics, nil
	case "custom":
		return types.DomainCustom, nil
	default:
		return 0, fmt.Errorf("unknown domain %q", name)
	}
}
