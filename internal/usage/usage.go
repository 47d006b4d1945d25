package usage

import (
	"context"
	"log/slog"
	"time"
)

// Record is one append-only usage row written when a relay session ends.
type Record struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	ServiceType string    `json:"service_type"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`
	CreatedAt   time.Time `json:"created_at"`
}

const UnitSeconds = "seconds"

// Sink persists usage records.
type Sink interface {
	AppendUsage(ctx context.Context, record Record) error
}

// Recorder turns session timing into usage records. Write failures are
// logged and swallowed so telemetry loss never affects call teardown.
type Recorder struct {
	sink        Sink
	provider    string
	serviceType string
	timeout     time.Duration
	logger      *slog.Logger
	onError     func()
}

type RecorderConfig struct {
	Provider    string
	ServiceType string
	Timeout     time.Duration
	Logger      *slog.Logger
	// OnError is called after a failed write, e.g. to bump a metric.
	OnError func()
}

func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = "voice_relay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		sink:        sink,
		provider:    cfg.Provider,
		serviceType: cfg.ServiceType,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
		onError:     cfg.OnError,
	}
}

// Record writes one usage record for a session that ran from startedAt to
// endedAt. It never returns an error.
func (r *Recorder) Record(clientID, sessionID string, startedAt, endedAt time.Time) {
	if r == nil || r.sink == nil {
		return
	}
	seconds := endedAt.Sub(startedAt).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	rec := Record{
		ClientID:    clientID,
		SessionID:   sessionID,
		Provider:    r.provider,
		ServiceType: r.serviceType,
		Quantity:    seconds,
		Unit:        UnitSeconds,
		CreatedAt:   endedAt.UTC(),
	}

	// The session context is already cancelled at teardown.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.safeAppend(ctx, rec)
	if err != nil {
		r.logger.Warn("usage record write failed",
			"client_id", clientID,
			"session_id", sessionID,
			"error", err,
		)
		if r.onError != nil {
			r.onError()
		}
	}
}

func (r *Recorder) safeAppend(ctx context.Context, rec Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError{value: p}
		}
	}()
	return r.sink.AppendUsage(ctx, rec)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return "usage sink panicked"
}
