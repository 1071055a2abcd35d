package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/occupation"
)

type textRequest struct {
	Text string `json:"text"`
}

type occupationResponse struct {
	Match *occupation.OccupationMatch `json:"match"`
}

type companyResponse struct {
	Company       *occupation.CompanyProfile `json:"company"`
	PossibleRoles []string                   `json:"possibleRoles"`
}

func handleMatchOccupation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req textRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		writeJSON(w, http.StatusOK, occupationResponse{Match: deps.Occupations.Match(req.Text)})
	}
}

func handleRecognizeCompany(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req textRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		writeJSON(w, http.StatusOK, recognizeCompany(deps.Companies, req.Text))
	}
}

func recognizeCompany(c Companies, text string) companyResponse {
	resp := companyResponse{PossibleRoles: []string{}}
	if cp := c.Recognize(text); cp != nil {
		resp.Company = cp
		if roles := c.PossibleRoles(cp.Name); roles != nil {
			resp.PossibleRoles = roles
		}
	}
	return resp
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		p, err := deps.Profiles.GetProfile(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		summary, err := deps.Profiles.GetSummary(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to summarize profile: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"userId":     p.UserID,
			"attributes": p.Attributes,
			"summary":    summary,
		})
	}
}
