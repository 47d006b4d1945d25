package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
)

// Relay is the session surface the HTTP layer drives.
type Relay interface {
	Mode() relay.Mode
	Serve(ctx context.Context, conn protocol.Socket, clientID, sessionID string) error
	Stop(sessionID, reason string) error
	List() []session.Snapshot
	ActiveCount() int
	Draining() bool
}

type Server struct {
	cfg      config.Config
	relay    Relay
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, rel Relay, metrics *observability.Metrics) *Server {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return &Server{
		cfg:     cfg,
		relay:   rel,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				if _, ok := allowed[strings.ToLower(origin)]; ok {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/relay/ws", s.handleRelayWS)
	r.Get("/v1/relay/sessions", s.handleListSessions)
	r.Post("/v1/relay/sessions/{id}/stop", s.handleStopSession)
	r.Get("/v1/relay/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   string(s.relay.Mode()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.relay.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "draining",
			"mode":   string(s.relay.Mode()),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"mode":            string(s.relay.Mode()),
		"active_sessions": s.relay.ActiveCount(),
	})
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := firstParam(q, "client_id", "clientId")
	sessionID := firstParam(q, "session_id", "sessionId")
	if clientID == "" {
		s.metrics.ObserveSessionEvent("missing_client_id")
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter client_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ObserveSessionEvent("upgrade_failed")
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	// The relay owns conn from here and closes it on every path.
	_ = s.relay.Serve(r.Context(), conn, clientID, sessionID)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.relay.List()
	if list == nil {
		list = []session.Snapshot{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mode":     string(s.relay.Mode()),
		"active":   s.relay.ActiveCount(),
		"sessions": list,
	})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch err := s.relay.Stop(id, req.Reason); {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "stopping"})
	case errors.Is(err, relay.ErrStopUnsupported):
		respondError(w, http.StatusConflict, "unsupported_in_mode", err.Error())
	case errors.Is(err, relay.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "stop_failed", err.Error())
	}
}

func firstParam(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
