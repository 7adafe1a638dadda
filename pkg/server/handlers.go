package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stage0-ops/runbook-api/pkg/auth"
	"github.com/stage0-ops/runbook-api/pkg/middleware"
	"github.com/stage0-ops/runbook-api/pkg/observability"
	"github.com/stage0-ops/runbook-api/pkg/parser"
	"github.com/stage0-ops/runbook-api/pkg/rbac"
	"github.com/stage0-ops/runbook-api/pkg/service"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

// RecursionStackHeader carries the JSON-encoded execution chain between
// nested runbook calls.
const RecursionStackHeader = "X-Recursion-Stack"

// operationRequest is the body accepted by validate and execute.
type operationRequest struct {
	Env map[string]string `json:"env,omitempty"`
}

// devLoginRequest is the body accepted by the development login endpoint.
type devLoginRequest struct {
	UserID string                 `json:"user_id"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	list, err := s.svc.List(r.Context(), identity, s.breadcrumb(r))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runbooks": list})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	doc, err := s.svc.Read(r.Context(), chi.URLParam(r, "filename"), identity, s.breadcrumb(r))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := map[string]interface{}{
		"name":    doc.Name,
		"content": doc.Content,
	}
	if record, ok := parser.LastHistoryEntry(doc.Content); ok {
		resp["last_run"] = record
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequiredEnv(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	report, err := s.svc.RequiredEnv(r.Context(), chi.URLParam(r, "filename"), identity, s.breadcrumb(r))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req operationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return
	}

	result, err := s.svc.Validate(r.Context(), chi.URLParam(r, "filename"), identity, s.breadcrumb(r), req.Env)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}

	s.writeJSON(w, status, result)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req operationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return
	}

	result, err := s.svc.Execute(
		r.Context(),
		chi.URLParam(r, "filename"),
		identity,
		s.breadcrumb(r),
		req.Env,
		auth.TokenFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}

	s.writeJSON(w, status, result)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"config_items": s.cfg.Items()})
}

func (s *Server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req devLoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return
	}

	if req.UserID == "" {
		req.UserID = "dev-user"
	}

	token, err := s.verifier.MintDevToken(req.UserID, req.Claims)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":       token,
		"token_type":         "Bearer",
		"expires_in_minutes": s.cfg.Auth.TTLMinutes,
	})
}

// breadcrumb assembles the caller provenance carried into history records. A
// malformed recursion stack header yields a fresh chain, never an error.
func (s *Server) breadcrumb(r *http.Request) types.Breadcrumb {
	var chain []string
	if raw := r.Header.Get(RecursionStackHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &chain); err != nil {
			chain = nil
		}
	}

	return types.Breadcrumb{
		AtTime:         time.Now().UTC(),
		FromIP:         middleware.ClientIP(r),
		CorrelationID:  observability.GetCorrelationID(r.Context()),
		RecursionStack: chain,
	}
}

// decodeBody parses an optional JSON body. An empty body is valid.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps engine errors to HTTP responses. Internal failures are
// logged in full but reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denial *rbac.DenialError

	switch {
	case errors.Is(err, service.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &denial):
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": denial.Error()})
	default:
		observability.GetLogger(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
