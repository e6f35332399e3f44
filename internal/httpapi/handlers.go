package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/adamengleby/grc-ai-platform/pkg/router"
	"github.com/adamengleby/grc-ai-platform/pkg/upstream"
)

type ctxKey int

const tenantKey ctxKey = 0

// requireTenant rejects any API call that does not carry a tenant header.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			respondError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey).(string)
	return tenant
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentTools(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	agentID := chi.URLParam(r, "agentID")

	tools, err := s.router.GetAgentTools(r.Context(), tenantID, agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tools == nil {
		tools = []provider.Tool{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"agentId":  agentID,
		"tools":    tools,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req router.ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The header is authoritative for tenant scope.
	req.TenantID = tenantFrom(r)

	result, err := s.router.ExecuteToolCall(r.Context(), req)
	if err != nil {
		if errors.Is(err, router.ErrValidation) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type createSessionRequest struct {
	Username   string `json:"username"`
	Token      string `json:"token"`
	BaseURL    string `json:"baseUrl,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	ExpiresAt  string `json:"expiresAt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := sessionFromRequest(tenantFrom(r), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.sessions.Create(r.Context(), sess)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.router.ReleaseSession(r.Context(), tenantFrom(r), sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "released"})
}

func sessionFromRequest(tenantID string, req createSessionRequest) (upstream.Session, error) {
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		return upstream.Session{}, fmt.Errorf("invalid expiresAt: %w", err)
	}
	return upstream.Session{
		TenantID:   tenantID,
		Username:   req.Username,
		Token:      req.Token,
		BaseURL:    req.BaseURL,
		InstanceID: req.InstanceID,
		ExpiresAt:  expiresAt,
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
