// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/engine"
	kilnerrors "github.com/dangazineu/kiln/internal/errors"
)

// maxRequestBytes bounds the /prompt request body.
const maxRequestBytes = 1 << 20

// Runner executes one requirement to a terminal result.
type Runner interface {
	Run(ctx context.Context, requirement string) (*engine.RunResult, error)
}

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// PromptResponse is returned for every run that reached a terminal stage.
type PromptResponse struct {
	Message string            `json:"message"`
	Results *engine.RunResult `json:"results,omitempty"`
}

// ErrorResponse is returned when a request fails outright.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Results *engine.RunResult `json:"results,omitempty"`
}

// Server serves the prompt endpoint, run snapshots, health and metrics.
type Server struct {
	runner    Runner
	workspace *engine.Workspace
	gatherer  prometheus.Gatherer
	logger    *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// New creates a server. workspace and gatherer may be nil, which disables
// /runs/{id} and /metrics respectively.
func New(runner Runner, workspace *engine.Workspace, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		runner:    runner,
		workspace: workspace,
		gatherer:  gatherer,
		logger:    logger.Named("server"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/prompt", s.handlePrompt).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

// Start listens on addr and blocks until the server stops. It returns nil
// when stopped by Shutdown, including a Shutdown that came first.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "prompt cannot be empty"})
		return
	}

	result, err := s.runner.Run(r.Context(), req.Prompt)
	if err != nil {
		status := http.StatusInternalServerError
		var kerr *kilnerrors.KilnError
		code := ""
		if errors.As(err, &kerr) {
			code = kerr.Code
			if kerr.Code == kilnerrors.CodeNameInUse {
				status = http.StatusConflict
			}
		}
		s.logger.Error("run failed", zap.Error(err), zap.String("code", code))
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Results: result})
		return
	}

	writeJSON(w, http.StatusOK, PromptResponse{Message: "done!", Results: result})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.workspace == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "run snapshots are not available"})
		return
	}
	runID := mux.Vars(r)["id"]
	if !engine.IsValidRunID(runID) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid run ID"})
		return
	}

	state, err := engine.LoadRunState(runID, s.workspace.RunDir(runID))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
