package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Mode           string        `json:"mode"`
	ActiveSessions int           `json:"active_sessions"`
	Draining       bool          `json:"draining"`
	Checks         []statusCheck `json:"checks"`
}

// handleStatus reports configuration problems an operator can fix without
// reading logs. It never exposes secret values.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		Mode:           string(s.relay.Mode()),
		ActiveSessions: s.relay.ActiveCount(),
		Draining:       s.relay.Draining(),
		Checks:         s.statusChecks(),
	})
}

func (s *Server) statusChecks() []statusCheck {
	checks := make([]statusCheck, 0, 6)

	if strings.TrimSpace(s.cfg.GeminiAPIKey) == "" {
		checks = append(checks, statusCheck{
			ID:     "gemini_key",
			Status: "error",
			Label:  "Gemini API key",
			Detail: "GEMINI_API_KEY is not set",
			Fix:    "Set GEMINI_API_KEY; every upstream dial will fail without it.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "gemini_key", Status: "ok", Label: "Gemini API key", Detail: "present"})
	}
	checks = append(checks, statusCheck{
		ID:     "gemini_model",
		Status: "ok",
		Label:  "Live model",
		Detail: fmt.Sprintf("%s (%s)", s.cfg.GeminiModel, s.cfg.GeminiResponseModality),
	})

	switch s.cfg.StoreDriver {
	case "memory":
		detail := "in-memory"
		if s.cfg.AgentsFile != "" {
			detail += ", seeded from " + s.cfg.AgentsFile
		}
		checks = append(checks, statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Agent and usage store",
			Detail: detail,
			Fix:    "Set STORE_DRIVER=postgres and DATABASE_URL to persist usage across restarts.",
		})
	default:
		checks = append(checks, statusCheck{ID: "store", Status: "ok", Label: "Agent and usage store", Detail: s.cfg.StoreDriver})
	}

	if strings.TrimSpace(s.cfg.CRMBaseURL) == "" || strings.TrimSpace(s.cfg.CRMToken) == "" {
		checks = append(checks, statusCheck{
			ID:     "crm",
			Status: "warn",
			Label:  "CRM connection",
			Detail: "not configured",
			Fix:    "Set CRM_BASE_URL and CRM_TOKEN so push_to_crm can create contacts.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "crm", Status: "ok", Label: "CRM connection", Detail: s.cfg.CRMBaseURL})
	}

	if s.cfg.AllowAnyOrigin {
		checks = append(checks, statusCheck{
			ID:     "origin",
			Status: "warn",
			Label:  "Websocket origin check",
			Detail: "any origin accepted",
			Fix:    "Unset APP_ALLOW_ANY_ORIGIN and list trusted sites in APP_ALLOWED_ORIGINS.",
		})
	}
	return checks
}
