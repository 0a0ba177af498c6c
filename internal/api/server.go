// Package api exposes the queue to co-located agent processes over HTTP.
// The transport is a thin layer: every guarantee lives in the store and the
// dispatcher, so claims through the API contend safely with direct claims.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentq/internal/admin"
	"agentq/internal/dispatch"
	"agentq/internal/domain"
	"agentq/internal/store"
)

type Server struct {
	store        store.Store
	dispatcher   *dispatch.Dispatcher
	admin        *admin.Admin
	stuckTimeout time.Duration
	maxRetries   int
}

// NewServer builds the router. defaultMaxRetries applies to enqueue requests
// that do not set max_retries, matching the CLI's configured default.
func NewServer(s store.Store, stuckTimeout time.Duration, defaultMaxRetries int) http.Handler {
	srv := &Server{
		store:        s,
		dispatcher:   dispatch.New(s),
		admin:        admin.New(s),
		stuckTimeout: stuckTimeout,
		maxRetries:   defaultMaxRetries,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", srv.health)
	r.Post("/api/tasks", srv.enqueue)
	r.Get("/api/tasks", srv.list)
	r.Get("/api/tasks/{id}", srv.get)
	r.Post("/api/tasks/{id}/complete", srv.complete)
	r.Post("/api/claim", srv.claim)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.Status(r.Context(), s.stuckTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type enqueueReq struct {
	TargetAgent string          `json:"target_agent"`
	MethodName  string          `json:"method_name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	MaxRetries  *int            `json:"max_retries"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	id, err := s.store.Enqueue(r.Context(), domain.Task{
		TargetAgent: req.TargetAgent,
		MethodName:  req.MethodName,
		Payload:     req.Payload,
		Priority:    priority,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	var status *domain.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := domain.ParseStatus(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = &st
	}
	tasks, err := s.admin.List(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type claimReq struct {
	AgentType string `json:"agent_type"`
	// ProcessID lets a worker claiming over the local API record its own
	// pid instead of the server's.
	ProcessID int `json:"process_id"`
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		t   domain.Task
		err error
	)
	if req.ProcessID > 0 {
		t, err = s.dispatcher.ClaimAs(r.Context(), req.AgentType, req.ProcessID)
	} else {
		t, err = s.dispatcher.Claim(r.Context(), req.AgentType)
	}
	if errors.Is(err, dispatch.ErrNoTask) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type completeReq struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.dispatcher.Complete(r.Context(), chi.URLParam(r, "id"), req.Success, req.Error)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
