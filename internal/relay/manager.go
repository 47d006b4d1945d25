package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
)

// Mode selects how sessions are hosted. The relay protocol is identical.
type Mode string

const (
	// ModeService keeps a registry of live sessions that can be listed and stopped.
	ModeService Mode = "service"
	// ModeServerless handles each connection inline for one invocation.
	ModeServerless Mode = "serverless"
)

// CloseAgentNotFound is sent when the client id resolves to no agent.
const CloseAgentNotFound = 4404

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrMissingClientID  = errors.New("client id is required")
	ErrSessionNotFound  = errors.New("relay session not found")
	ErrSessionExists    = errors.New("relay session already active")
	ErrStopUnsupported  = errors.New("stop is not supported in serverless mode")
	ErrShuttingDown     = errors.New("relay is shutting down")
	errMissingUpstream  = errors.New("relay upstream is required")
	errMissingAgentsSrc = errors.New("relay agent store is required")
)

// Upstream opens the voice API socket and builds the frames the relay
// injects on its own.
type Upstream interface {
	Dial(ctx context.Context, agent agents.Config) (protocol.Socket, error)
	SetupFrame(agent agents.Config) ([]byte, error)
	GreetingFrame(greeting string) (frame []byte, ok bool, err error)
}

// Interceptor services tool calls found in upstream frames.
type Interceptor interface {
	Intercept(ctx context.Context, agent agents.Config, frame []byte) (response []byte, ok bool)
}

// UsageRecorder persists one record per finished session and never fails.
type UsageRecorder interface {
	Record(clientID, sessionID string, startedAt, endedAt time.Time)
}

type Options struct {
	Mode     Mode
	Agents   agents.Store
	Upstream Upstream
	Tools    Interceptor
	Usage    UsageRecorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	LookupTimeout    time.Duration
	SetupGrace       time.Duration
	WriteTimeout     time.Duration
	MaxPendingFrames int
	MaxPendingBytes  int
	Overflow         OverflowPolicy
}

// Manager accepts client sockets and runs one Session per connection.
type Manager struct {
	opts     Options
	log      *slog.Logger
	metrics  *observability.Metrics
	registry *session.Manager

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	live     map[string]*Session
	active   int
	stopping bool
	wg       sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Upstream == nil {
		return nil, errMissingUpstream
	}
	if opts.Agents == nil {
		return nil, errMissingAgentsSrc
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeService
	case ModeService, ModeServerless:
	default:
		return nil, fmt.Errorf("unknown relay mode %q", opts.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.SetupGrace < 0 {
		opts.SetupGrace = 0
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDropOldest
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		baseCtx: ctx,
		cancel:  cancel,
		live:    make(map[string]*Session),
	}
	if opts.Mode == ModeService {
		m.registry = session.NewManager()
	}
	return m, nil
}

func (m *Manager) Mode() Mode { return m.opts.Mode }

// Accept resolves the agent for clientID and starts relaying conn. It
// returns as soon as the session is running. On lookup failure conn is
// closed with a client-visible code and no upstream is dialed.
func (m *Manager) Accept(ctx context.Context, conn protocol.Socket, clientID, sessionID string) (*Session, error) {
	clientID = strings.TrimSpace(clientID)
	sessionID = strings.TrimSpace(sessionID)
	if clientID == "" {
		m.reject(conn, websocket.ClosePolicyViolation, "client id required", "missing_client_id")
		return nil, ErrMissingClientID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.opts.LookupTimeout)
	agent, err := m.opts.Agents.GetAgent(lookupCtx, clientID)
	cancel()
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			m.log.Info("relay rejected unknown client", "client_id", clientID, "session_id", sessionID)
			m.reject(conn, CloseAgentNotFound, "agent not found", "agent_not_found")
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, clientID)
		}
		m.log.Error("agent lookup failed", "client_id", clientID, "session_id", sessionID, "error", err)
		m.reject(conn, websocket.CloseInternalServerErr, "config lookup failed", "lookup_failed")
		return nil, fmt.Errorf("lookup agent %s: %w", clientID, err)
	}
	agent = agent.Normalize()
	if agent.ClientID == "" {
		agent.ClientID = clientID
	}

	s := newSession(m, conn, agent, sessionID)

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		s.cancel()
		m.reject(conn, websocket.CloseGoingAway, "server shutting down", "rejected_shutdown")
		return nil, ErrShuttingDown
	}
	if m.registry != nil {
		if _, err := m.registry.Create(sessionID, agent.ClientID); err != nil {
			m.mu.Unlock()
			s.cancel()
			m.reject(conn, websocket.ClosePolicyViolation, "session already active", "duplicate_session")
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
		}
		m.live[sessionID] = s
	}
	m.active++
	m.wg.Add(1)
	active := m.active
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	s.start()
	return s, nil
}

// Serve accepts conn and, in serverless mode, blocks until the session
// ends. In service mode it returns once the session is running.
func (m *Manager) Serve(ctx context.Context, conn protocol.Socket, clientID, sessionID string) error {
	s, err := m.Accept(ctx, conn, clientID, sessionID)
	if err != nil {
		return err
	}
	if m.opts.Mode == ModeServerless {
		<-s.Done()
	}
	return nil
}

// Stop ends one live session with a normal closure.
func (m *Manager) Stop(sessionID, reason string) error {
	if m.opts.Mode == ModeServerless {
		return ErrStopUnsupported
	}
	m.mu.Lock()
	s, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if strings.TrimSpace(reason) == "" {
		reason = "stopped"
	}
	if !s.stop(websocket.CloseNormalClosure, reason) {
		return ErrSessionNotFound
	}
	return nil
}

// List returns live sessions. It is empty in serverless mode.
func (m *Manager) List() []session.Snapshot {
	if m.registry == nil {
		return nil
	}
	return m.registry.List()
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Draining reports whether Shutdown has been called.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Shutdown refuses new sessions, closes live ones with 1001 and waits for
// them to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.live[s.id] == s {
		delete(m.live, s.id)
	}
	m.active--
	active := m.active
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.Remove(s.id)
	}
	m.metrics.SetActiveSessions(active)
	m.wg.Done()
}

func (m *Manager) reject(conn protocol.Socket, code int, reason, event string) {
	m.metrics.ObserveSessionEvent(event)
	ep := &endpoint{sock: conn}
	timeout := m.opts.WriteTimeout
	if timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	ep.close(code, reliability.TruncateReason(reason), nil, timeout)
}
