package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tradeforge/agent-gate/internal/approval"
	"github.com/tradeforge/agent-gate/internal/auth"
	"github.com/tradeforge/agent-gate/internal/catalog"
	"github.com/tradeforge/agent-gate/internal/config"
	"github.com/tradeforge/agent-gate/internal/gate"
	"github.com/tradeforge/agent-gate/internal/metrics"
	"github.com/tradeforge/agent-gate/internal/registry"
	"github.com/tradeforge/agent-gate/internal/store"
)

type Server struct {
	cfg   config.Config
	gate  *gate.Gate
	store store.Store
}

func New(cfg config.Config, g *gate.Gate, st store.Store) *Server {
	return &Server{cfg: cfg, gate: g, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/gate", func(r chi.Router) {
		r.Get("/versions", s.handleListVersions)
		r.Get("/versions/{id}", s.handleGetState)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.cfg.AuthSecret))
			r.Post("/versions", s.handleStartTraining)
			r.Post("/versions/{id}/checks", s.handleRunChecks)
			r.Post("/versions/{id}/approve", s.handleApprove)
			r.Post("/versions/{id}/reject", s.handleReject)
			r.Post("/versions/{id}/advance", s.handleAdvance)
			r.Post("/versions/{id}/deploy", s.handleDeploy)
			r.Post("/versions/{id}/reset", s.handleReset)
		})
	})

	r.Route("/environments", func(r chi.Router) {
		r.Get("/", s.handleListEnvironments)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.cfg.AuthSecret))
			r.Post("/{id}/release", s.handleReleaseEnvironment)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type startTrainingRequest struct {
	Name   string `json:"name"`
	SemVer string `json:"semver"`
}

func (s *Server) handleStartTraining(w http.ResponseWriter, r *http.Request) {
	var req startTrainingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.gate.StartTraining(r.Context(), req.Name, req.SemVer)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.gate.ListVersions(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	state, err := s.gate.GetState(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleRunChecks(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	result, v, err := s.gate.RunReadinessChecks(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"readiness": result,
		"version":   v,
	})
}

type decisionRequest struct {
	Role     string `json:"role"`
	Approver string `json:"approver"`
	Notes    string `json:"notes"`
	Reason   string `json:"reason"`
}

// approver resolves the acting identity: the auth principal when present,
// otherwise the body field (dev mode).
func (req decisionRequest) approverFor(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil && p.Subject != "" {
		return p.Subject
	}
	return req.Approver
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, false)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, approve bool) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		respondError(w, http.StatusBadRequest, "role required")
		return
	}
	if p := auth.FromContext(r.Context()); p != nil && !p.HasRole(req.Role) {
		respondError(w, http.StatusForbidden, "caller does not hold role "+req.Role)
		return
	}

	notes := req.Notes
	if !approve && req.Reason != "" {
		notes = req.Reason
	}
	var (
		ledger  interface{}
		version interface{}
		err     error
	)
	if approve {
		ledger, version, err = s.gate.Approve(r.Context(), id, req.Role, req.approverFor(r), notes)
	} else {
		ledger, version, err = s.gate.Reject(r.Context(), id, req.Role, req.approverFor(r), notes)
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": ledger,
		"version":   version,
	})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	v, err := s.gate.AdvanceStage(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, v)
}

type deployRequest struct {
	EnvironmentID string `json:"environmentId"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	var req deployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EnvironmentID == "" {
		respondError(w, http.StatusBadRequest, "environmentId required")
		return
	}
	v, env, err := s.gate.Deploy(r.Context(), id, req.EnvironmentID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":     v,
		"environment": env,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVersionID(w, r)
	if !ok {
		return
	}
	v, err := s.gate.ResetToTraining(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	var (
		envs interface{}
		err  error
	)
	if r.URL.Query().Get("available") == "true" {
		envs, err = s.gate.Registry().ListAvailable(r.Context())
	} else {
		envs, err = s.gate.Registry().List(r.Context())
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, envs)
}

func (s *Server) handleReleaseEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.gate.Registry().Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func parseVersionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid version id")
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrInvalidTransition),
		errors.Is(err, gate.ErrStageBounds),
		errors.Is(err, gate.ErrNotApproved),
		errors.Is(err, registry.ErrEnvironmentUnavailable),
		errors.Is(err, registry.ErrNotOccupied):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrConfiguration),
		errors.Is(err, approval.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, metrics.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
