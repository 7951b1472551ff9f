// Package api serves the operational HTTP surface: run submission and
// inspection, dead letter recovery, secret management and a live run event
// stream over SSE. It is a thin layer over admission, the store and the
// events hub; no execution logic lives here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/hookflow/hookflow/internal/admission"
	"github.com/hookflow/hookflow/internal/events"
	"github.com/hookflow/hookflow/internal/secrets"
	"github.com/hookflow/hookflow/internal/store"
)

// Submitter admits new runs. Satisfied by *admission.Admitter.
type Submitter interface {
	Submit(ctx context.Context, req admission.SubmitRequest) (*store.Run, error)
}

// Deps holds the dependencies for the API server. Vault and Hub are
// optional; their routes answer 503 when unset.
type Deps struct {
	Store     store.Store
	Submitter Submitter
	Vault     secrets.Vault
	Hub       events.Hub
	Logger    *slog.Logger
}

// Server serves the ops API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Schedules.
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)

	// Dead letters.
	mux.HandleFunc("GET /api/deadletters", s.handleListDeadLetters)
	mux.HandleFunc("POST /api/deadletters/{id}/requeue", s.handleRequeueDeadLetter)
	mux.HandleFunc("DELETE /api/deadletters/{id}", s.handleDeleteDeadLetter)

	// Egress audit trail.
	mux.HandleFunc("GET /api/egress-blocks", s.handleListEgressBlocks)

	// Secrets. Values go in, only key names come out.
	mux.HandleFunc("GET /api/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/secrets/{key}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/secrets/{key}", s.handleDeleteSecret)

	// SSE streams.
	mux.HandleFunc("GET /sse/runs", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
