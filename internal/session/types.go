package session

import "time"

// State is where a relay session is in its lifecycle.
type State string

const (
	StateConnecting      State = "connecting"
	StateUpstreamPending State = "upstream_pending"
	StateActive          State = "active"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// Direction labels a relayed frame.
type Direction string

const (
	Downstream Direction = "downstream"
	Upstream   Direction = "upstream"
)

// Snapshot is the externally visible view of one live relay session.
type Snapshot struct {
	ID             string    `json:"session_id"`
	ClientID       string    `json:"client_id"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	FramesIn       int64     `json:"frames_in"`
	FramesOut      int64     `json:"frames_out"`
	ToolCalls      int64     `json:"tool_calls"`
}
