package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
)

type eventKind int

const (
	evDownFrame eventKind = iota + 1
	evDownClosed
	evDialed
	evUpFrame
	evUpClosed
	evToolResponse
	evStop
)

type event struct {
	kind    eventKind
	msgType int
	data    []byte
	err     error
	up      protocol.Socket
	elapsed time.Duration
	code    int
	reason  string
}

// endpoint wraps one socket so it is closed at most once, whichever path
// gets there first.
type endpoint struct {
	sock protocol.Socket
	once sync.Once
}

func (e *endpoint) close(code int, reason string, errFrame []byte, timeout time.Duration) {
	if e == nil || e.sock == nil {
		return
	}
	e.once.Do(func() {
		deadline := time.Now().Add(timeout)
		if errFrame != nil {
			_ = e.sock.SetWriteDeadline(deadline)
			_ = e.sock.WriteMessage(websocket.TextMessage, errFrame)
		}
		if reliability.Sendable(code) {
			msg := websocket.FormatCloseMessage(code, reliability.TruncateReason(reason))
			_ = e.sock.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = e.sock.Close()
	})
}

// closeSpec is what one side receives when the session ends.
type closeSpec struct {
	code     int
	reason   string
	errFrame []byte
}

// Session bridges one browser socket and one upstream socket. All socket
// writes happen on the goroutine running loop; readers only post events.
type Session struct {
	id        string
	clientID  string
	agent     agents.Config
	startedAt time.Time

	m   *Manager
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events   chan event
	loopDone chan struct{}
	done     chan struct{}

	// postMu lets finish wait out in-flight posts before draining events.
	postMu sync.RWMutex
	sealed bool

	down *endpoint
	up   *endpoint

	state    atomic.Value
	pending  *pendingQueue
	grace    *time.Timer
	setupAt  time.Time
	endOnce  sync.Once
	usageLog sync.Once
}

func newSession(m *Manager, down protocol.Socket, agent agents.Config, id string) *Session {
	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &Session{
		id:        id,
		clientID:  agent.ClientID,
		agent:     agent,
		startedAt: time.Now(),
		m:         m,
		log:       m.log.With("session_id", id, "client_id", agent.ClientID),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event, 64),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
		down:      &endpoint{sock: down},
		pending:   newPendingQueue(m.opts.MaxPendingFrames, m.opts.MaxPendingBytes, m.opts.Overflow),
	}
	s.state.Store(session.StateConnecting)
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ClientID() string { return s.clientID }

func (s *Session) State() session.State {
	return s.state.Load().(session.State)
}

// Done is closed once both sockets are closed and usage has been recorded.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st session.State) {
	s.state.Store(st)
	if s.m.registry != nil {
		_ = s.m.registry.SetState(s.id, st)
	}
}

// post hands an event to the loop. It reports false once the loop is gone,
// in which case the caller owns any resource carried by the event.
func (s *Session) post(ev event) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.sealed {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.loopDone:
		return false
	}
}

func (s *Session) stop(code int, reason string) bool {
	return s.post(event{kind: evStop, code: code, reason: reason})
}

func (s *Session) start() {
	go s.readDownstream()
	go s.loop()
}

func (s *Session) loop() {
	defer s.finish()

	s.m.metrics.ObserveSessionEvent("started")
	s.log.Info("relay session started")
	go s.dial()

	for {
		var graceC <-chan time.Time
		if s.grace != nil {
			graceC = s.grace.C
		}
		select {
		case <-s.ctx.Done():
			s.end(
				closeSpec{code: websocket.CloseGoingAway, reason: "server shutting down"},
				closeSpec{code: websocket.CloseGoingAway, reason: "server shutting down"},
			)
			return
		case <-graceC:
			s.grace = nil
			if !s.becomeReady(true) {
				return
			}
		case ev := <-s.events:
			if !s.handle(ev) {
				return
			}
		}
	}
}

// handle applies one event. It returns false when the session has ended.
func (s *Session) handle(ev event) bool {
	switch ev.kind {
	case evDownFrame:
		return s.onDownstreamFrame(frame{msgType: ev.msgType, data: ev.data})
	case evDownClosed:
		info := reliability.ClassifyClose(ev.err)
		s.log.Info("client disconnected", "code", info.Code, "reason", info.Reason)
		s.m.metrics.ObserveSessionEvent("client_closed")
		s.end(
			closeSpec{code: websocket.CloseNormalClosure},
			closeSpec{code: websocket.CloseNormalClosure, reason: "client disconnected"},
		)
		return false
	case evDialed:
		return s.onUpstreamOpen(ev)
	case evUpFrame:
		return s.onUpstreamFrame(frame{msgType: ev.msgType, data: ev.data})
	case evToolResponse:
		s.m.metrics.ObserveFrame("upstream", protocol.KindToolCall)
		if s.m.registry != nil {
			s.m.registry.CountToolCall(s.id)
		}
		return s.writeUpstream(frame{msgType: websocket.TextMessage, data: ev.data})
	case evUpClosed:
		return s.onUpstreamClosed(ev.err)
	case evStop:
		s.log.Info("relay session stopped", "code", ev.code, "reason", ev.reason)
		s.m.metrics.ObserveSessionEvent("stopped")
		s.end(
			closeSpec{code: ev.code, reason: ev.reason},
			closeSpec{code: websocket.CloseNormalClosure, reason: ev.reason},
		)
		return false
	default:
		return true
	}
}

func (s *Session) onDownstreamFrame(f frame) bool {
	s.m.metrics.ObserveFrame("downstream", protocol.ClassifyClientFrame(f.data))
	if s.m.registry != nil {
		s.m.registry.Touch(s.id, session.Downstream)
	}
	if s.State() == session.StateActive {
		return s.writeUpstream(f)
	}

	dropped, overflow := s.pending.push(f)
	if overflow {
		s.log.Warn("pending queue overflow", "frames", s.pending.len())
		s.m.metrics.ObserveSessionEvent("pending_overflow")
		s.end(
			closeSpec{code: websocket.CloseTryAgainLater, reason: "pending queue overflow", errFrame: protocol.ErrorFrame("pending queue overflow")},
			closeSpec{code: websocket.CloseNormalClosure, reason: "client overflow"},
		)
		return false
	}
	for i := 0; i < dropped; i++ {
		s.m.metrics.ObservePendingDropped()
	}
	if dropped > 0 {
		s.log.Debug("pending frames dropped", "dropped", dropped)
	}
	return true
}

func (s *Session) dial() {
	start := time.Now()
	up, err := s.m.opts.Upstream.Dial(s.ctx, s.agent)
	ev := event{kind: evDialed, up: up, err: err, elapsed: time.Since(start)}
	if !s.post(ev) && up != nil {
		_ = up.Close()
	}
}

func (s *Session) onUpstreamOpen(ev event) bool {
	if ev.err != nil {
		s.log.Warn("upstream dial failed", "error", ev.err)
		s.m.metrics.ObserveSessionEvent("upstream_dial_failed")
		reason := fmt.Sprintf("upstream connection failed: %v", ev.err)
		s.end(
			closeSpec{code: websocket.CloseInternalServerErr, reason: reason, errFrame: protocol.ErrorFrame(reason)},
			closeSpec{},
		)
		return false
	}
	s.m.metrics.ObserveUpstreamDial(ev.elapsed)
	s.up = &endpoint{sock: ev.up}
	go s.readUpstream(ev.up)

	setup, err := s.m.opts.Upstream.SetupFrame(s.agent)
	if err != nil {
		s.log.Error("setup frame build failed", "error", err)
		reason := "upstream setup failed"
		s.end(
			closeSpec{code: websocket.CloseInternalServerErr, reason: reason, errFrame: protocol.ErrorFrame(reason)},
			closeSpec{code: websocket.CloseNormalClosure},
		)
		return false
	}
	if !s.writeUpstream(frame{msgType: websocket.TextMessage, data: setup}) {
		return false
	}
	s.setupAt = time.Now()
	s.setState(session.StateUpstreamPending)
	s.log.Debug("setup frame sent")

	if s.m.opts.SetupGrace <= 0 {
		return s.becomeReady(true)
	}
	s.grace = time.NewTimer(s.m.opts.SetupGrace)
	return true
}

// becomeReady sends the greeting, flushes queued client frames in arrival
// order and marks the upstream ready. It runs once per session.
func (s *Session) becomeReady(byGrace bool) bool {
	if s.State() != session.StateUpstreamPending {
		return true
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.m.metrics.ObserveSetupAck(time.Since(s.setupAt), byGrace)

	greeting, ok, err := s.m.opts.Upstream.GreetingFrame(s.agent.Greeting)
	if err != nil {
		s.log.Warn("greeting frame build failed", "error", err)
	}
	if ok {
		if !s.writeUpstream(frame{msgType: websocket.TextMessage, data: greeting}) {
			return false
		}
		s.m.metrics.ObserveSessionEvent("greeting_sent")
	}

	queued := s.pending.drain()
	for _, f := range queued {
		if !s.writeUpstream(f) {
			return false
		}
	}
	s.setState(session.StateActive)
	s.m.metrics.ObserveSessionEvent("upstream_ready")
	s.log.Info("upstream ready", "flushed", len(queued), "by_grace", byGrace)
	return true
}

var setupCompleteMarker = []byte("setupComplete")

func (s *Session) onUpstreamFrame(f frame) bool {
	s.m.metrics.ObserveFrame("upstream", protocol.ClassifyServerFrame(f.data))
	if s.m.registry != nil {
		s.m.registry.Touch(s.id, session.Upstream)
	}

	if s.State() == session.StateUpstreamPending && bytes.Contains(f.data, setupCompleteMarker) {
		if msg, ok := protocol.ParseServerMessage(f.data); ok && msg.IsSetupComplete() {
			if !s.becomeReady(false) {
				return false
			}
		}
	}
	return s.writeDownstream(f)
}

func (s *Session) onUpstreamClosed(err error) bool {
	info := reliability.ClassifyClose(err)
	if info.Abnormal {
		s.log.Warn("upstream closed abnormally", "code", info.Code, "reason", info.Reason)
		s.m.metrics.ObserveSessionEvent("upstream_failed")
		reason := "upstream closed: " + info.Reason
		s.end(
			closeSpec{code: websocket.CloseInternalServerErr, reason: reason, errFrame: protocol.ErrorFrame(reason)},
			closeSpec{},
		)
		return false
	}
	s.log.Info("upstream closed", "code", info.Code, "reason", info.Reason)
	s.m.metrics.ObserveSessionEvent("upstream_closed")
	s.end(closeSpec{code: websocket.CloseNormalClosure, reason: info.Reason}, closeSpec{})
	return false
}

func (s *Session) writeUpstream(f frame) bool {
	if s.up == nil {
		return true
	}
	_ = s.up.sock.SetWriteDeadline(time.Now().Add(s.m.opts.WriteTimeout))
	if err := s.up.sock.WriteMessage(f.msgType, f.data); err != nil {
		s.log.Warn("upstream write failed", "error", err)
		s.m.metrics.ObserveSessionEvent("upstream_write_failed")
		reason := "upstream write failed"
		s.end(
			closeSpec{code: websocket.CloseInternalServerErr, reason: reason, errFrame: protocol.ErrorFrame(reason)},
			closeSpec{},
		)
		return false
	}
	return true
}

func (s *Session) writeDownstream(f frame) bool {
	_ = s.down.sock.SetWriteDeadline(time.Now().Add(s.m.opts.WriteTimeout))
	if err := s.down.sock.WriteMessage(f.msgType, f.data); err != nil {
		s.log.Info("client write failed", "error", err)
		s.m.metrics.ObserveSessionEvent("client_write_failed")
		s.end(closeSpec{}, closeSpec{code: websocket.CloseNormalClosure, reason: "client disconnected"})
		return false
	}
	return true
}

func (s *Session) readDownstream() {
	for {
		mt, data, err := s.down.sock.ReadMessage()
		if err != nil {
			s.post(event{kind: evDownClosed, err: err})
			return
		}
		if !s.post(event{kind: evDownFrame, msgType: mt, data: data}) {
			return
		}
	}
}

// readUpstream intercepts tool calls before handing frames to the loop, so
// a later upstream frame is never relayed ahead of a pending tool response.
func (s *Session) readUpstream(up protocol.Socket) {
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			s.post(event{kind: evUpClosed, err: err})
			return
		}
		if s.m.opts.Tools != nil {
			if resp, ok := s.m.opts.Tools.Intercept(s.ctx, s.agent, data); ok {
				if !s.post(event{kind: evToolResponse, data: resp}) {
					return
				}
				continue
			}
		}
		if !s.post(event{kind: evUpFrame, msgType: mt, data: data}) {
			return
		}
	}
}

// end closes both sockets. Each endpoint closes at most once, so repeated
// calls are harmless. A zero closeSpec code means a plain normal closure.
func (s *Session) end(down, up closeSpec) {
	s.endOnce.Do(func() {
		s.setState(session.StateClosing)
	})
	timeout := s.m.opts.WriteTimeout
	if timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	if down.code == 0 {
		down.code = websocket.CloseNormalClosure
	}
	if up.code == 0 {
		up.code = websocket.CloseNormalClosure
	}
	s.down.close(down.code, down.reason, down.errFrame, timeout)
	s.up.close(up.code, up.reason, up.errFrame, timeout)
}

func (s *Session) finish() {
	close(s.loopDone)
	s.cancel()
	if s.grace != nil {
		s.grace.Stop()
	}
	s.end(closeSpec{}, closeSpec{})
	s.drainEvents()
	endedAt := time.Now()

	s.usageLog.Do(func() { s.recordUsage(endedAt) })

	s.setState(session.StateClosed)
	s.m.release(s)
	s.m.metrics.ObserveSessionDuration(endedAt.Sub(s.startedAt))
	s.m.metrics.ObserveSessionEvent("closed")
	s.log.Info("relay session closed", "duration_ms", endedAt.Sub(s.startedAt).Milliseconds())
	close(s.done)
}

// drainEvents seals the event channel and closes any upstream socket that
// was delivered after the loop stopped reading.
func (s *Session) drainEvents() {
	s.postMu.Lock()
	s.sealed = true
	s.postMu.Unlock()

	timeout := s.m.opts.WriteTimeout
	if timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	for {
		select {
		case ev := <-s.events:
			if ev.up != nil {
				late := &endpoint{sock: ev.up}
				late.close(websocket.CloseNormalClosure, "session ended", nil, timeout)
			}
		default:
			return
		}
	}
}

func (s *Session) recordUsage(endedAt time.Time) {
	if s.m.opts.Usage == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("usage recorder panicked", "panic", fmt.Sprint(p))
		}
	}()
	s.m.opts.Usage.Record(s.clientID, s.id, s.startedAt, endedAt)
}
