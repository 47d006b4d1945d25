package httpapi

import (
	"net/http"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	// SnapshotLatency is nil-safe and always returns a non-nil stage list.
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}
