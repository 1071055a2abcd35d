// Package api exposes the inference pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/inference"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/metrics"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/occupation"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/profile"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Sessions is the session lifecycle used by the API.
type Sessions interface {
	Start(ctx context.Context, userID string) (*session.Session, error)
	Turn(ctx context.Context, id string, req session.TurnRequest) (inference.Result, error)
	State(ctx context.Context, id string) (attr.Map, error)
	Digest(ctx context.Context, id string) (session.Digest, error)
	End(ctx context.Context, id string) error
}

// Occupations matches free text to a canonical occupation.
type Occupations interface {
	Match(text string) *occupation.OccupationMatch
}

// Companies recognizes employers in free text.
type Companies interface {
	Recognize(text string) *occupation.CompanyProfile
	PossibleRoles(companyName string) []string
}

// Profiles reads durable user profiles.
type Profiles interface {
	GetProfile(userID string) (profile.Profile, error)
	GetSummary(userID string) (string, error)
}

type AppDeps struct {
	Sessions    Sessions
	Occupations Occupations
	Companies   Companies
	Profiles    Profiles
	Token       string
}

// NewHandler returns the full HTTP surface: unauthenticated health and
// metrics endpoints plus the bearer-protected /v1 API.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/v1", NewAppHandler(deps))

	return r
}

// NewAppHandler returns the authenticated API routes.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/sessions", handleStartSession(deps))
	r.Post("/sessions/{id}/turns", handleTurn(deps))
	r.Get("/sessions/{id}/state", handleSessionState(deps))
	r.Get("/sessions/{id}/digest", handleSessionDigest(deps))
	r.Delete("/sessions/{id}", handleEndSession(deps))
	r.Post("/occupations/match", handleMatchOccupation(deps))
	r.Post("/companies/recognize", handleRecognizeCompany(deps))
	r.Get("/users/{id}/profile", handleGetProfile(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sessionError maps session lookup failures onto HTTP statuses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrEnded):
		httpError(w, http.StatusGone, "session_ended", "session has ended")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
