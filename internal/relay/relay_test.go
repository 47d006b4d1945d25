package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/usage"
)

const waitTimeout = 3 * time.Second

type fakeAgents struct {
	cfgs map[string]agents.Config
	err  error
}

func (f fakeAgents) GetAgent(_ context.Context, clientID string) (agents.Config, error) {
	if f.err != nil {
		return agents.Config{}, f.err
	}
	cfg, ok := f.cfgs[clientID]
	if !ok {
		return agents.Config{}, agents.ErrNotFound
	}
	return cfg, nil
}

type recordingUsage struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingUsage) Record(clientID, sessionID string, startedAt, endedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, clientID+"/"+sessionID)
}

func (r *recordingUsage) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type upstreamPeer struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	frames chan frame
	closed chan struct{}
}

func (p *upstreamPeer) write(t *testing.T, mt int, data []byte) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(mt, data); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

func (p *upstreamPeer) closeWith(code int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (p *upstreamPeer) next(t *testing.T, n int) []frame {
	t.Helper()
	out := make([]frame, 0, n)
	for len(out) < n {
		select {
		case f := <-p.frames:
			out = append(out, f)
		case <-time.After(waitTimeout):
			t.Fatalf("upstream received %d frames, want %d", len(out), n)
		}
	}
	return out
}

type fakeUpstream struct {
	srv      *httptest.Server
	ackSetup bool
	gate     chan struct{}
	dialErr  error
	dials    atomic.Int32
	peers    chan *upstreamPeer
}

func (f *fakeUpstream) Dial(ctx context.Context, _ agents.Config) (protocol.Socket, error) {
	f.dials.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *fakeUpstream) SetupFrame(agent agents.Config) ([]byte, error) {
	return json.Marshal(map[string]any{"setup": map[string]any{"model": "test", "persona": agent.Persona}})
}

func (f *fakeUpstream) GreetingFrame(greeting string) ([]byte, bool, error) {
	if greeting == "" {
		return nil, false, nil
	}
	out, err := json.Marshal(map[string]any{"greeting": greeting})
	return out, true, err
}

func (f *fakeUpstream) peer(t *testing.T) *upstreamPeer {
	t.Helper()
	select {
	case p := <-f.peers:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("upstream was never dialed")
		return nil
	}
}

type harnessConfig struct {
	mode     Mode
	ackSetup bool
	gated    bool
	dialErr  error
	agents   agents.Store
	tools    Interceptor
	usage    UsageRecorder
	options  func(*Options)
}

type harness struct {
	m        *Manager
	up       *fakeUpstream
	usage    *recordingUsage
	front    *httptest.Server
	sessions chan *Session
	errs     chan error
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	up := &fakeUpstream{ackSetup: cfg.ackSetup, dialErr: cfg.dialErr, peers: make(chan *upstreamPeer, 4)}
	if cfg.gated {
		up.gate = make(chan struct{})
	}
	upgrader := websocket.Upgrader{}
	up.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := &upstreamPeer{conn: conn, frames: make(chan frame, 64), closed: make(chan struct{})}
		up.peers <- p
		go func() {
			defer close(p.closed)
			first := true
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				p.frames <- frame{msgType: mt, data: data}
				if first && up.ackSetup {
					p.mu.Lock()
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
					p.mu.Unlock()
				}
				first = false
			}
		}()
	}))
	t.Cleanup(up.srv.Close)

	store := cfg.agents
	if store == nil {
		store = fakeAgents{cfgs: map[string]agents.Config{
			"agent-1": {ClientID: "agent-1", Persona: "Be kind.", Greeting: "Hello there"},
		}}
	}
	rec := &recordingUsage{}
	var usageRec UsageRecorder = rec
	if cfg.usage != nil {
		usageRec = cfg.usage
	}
	opts := Options{
		Mode:         cfg.mode,
		Agents:       store,
		Upstream:     up,
		Tools:        cfg.tools,
		Usage:        usageRec,
		SetupGrace:   5 * time.Second,
		WriteTimeout: time.Second,
	}
	if cfg.options != nil {
		cfg.options(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	h := &harness{m: m, up: up, usage: rec, sessions: make(chan *Session, 8), errs: make(chan error, 8)}
	front := websocket.Upgrader{}
	h.front = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := front.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		if m.Mode() == ModeServerless {
			h.errs <- m.Serve(r.Context(), conn, q.Get("client_id"), q.Get("session_id"))
			return
		}
		s, err := m.Accept(r.Context(), conn, q.Get("client_id"), q.Get("session_id"))
		if err != nil {
			h.errs <- err
			return
		}
		h.sessions <- s
	}))
	t.Cleanup(func() {
		if up.gate != nil {
			select {
			case <-up.gate:
			default:
				close(up.gate)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Shutdown(ctx)
		h.front.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T, clientID, sessionID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.front.URL, "http") + "/?client_id=" + clientID + "&session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case err := <-h.errs:
		t.Fatalf("Accept() error = %v", err)
	case <-time.After(waitTimeout):
		t.Fatalf("session was never accepted")
	}
	return nil
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, []byte, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	return conn.ReadMessage()
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	for {
		_, _, err := readMessage(t, conn)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%q), want %d", ce.Code, ce.Text, code)
		}
		return ce
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not finish (state %s)", s.ID(), s.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioFrame(i int) []byte {
	return []byte(fmt.Sprintf(`{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"chunk%d"}]}}`, i))
}

func TestUnknownClientClosedWithoutDialing(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	client := h.connect(t, "agent-42", "s-1")

	ce := expectClose(t, client, CloseAgentNotFound)
	if ce.Text != "agent not found" {
		t.Fatalf("close reason = %q, want %q", ce.Text, "agent not found")
	}
	select {
	case err := <-h.errs:
		if !errors.Is(err, ErrAgentNotFound) {
			t.Fatalf("Accept() error = %v, want ErrAgentNotFound", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("Accept() never returned")
	}
	if n := h.up.dials.Load(); n != 0 {
		t.Fatalf("upstream dials = %d, want 0", n)
	}
}

func TestLookupFailureClosesWithInternalError(t *testing.T) {
	h := newHarness(t, harnessConfig{agents: fakeAgents{err: errors.New("db unavailable")}})
	client := h.connect(t, "agent-1", "s-1")

	expectClose(t, client, websocket.CloseInternalServerErr)
	if n := h.up.dials.Load(); n != 0 {
		t.Fatalf("upstream dials = %d, want 0", n)
	}
}

func TestQueuedFramesFollowSetupAndGreetingInOrder(t *testing.T) {
	h := newHarness(t, harnessConfig{gated: true, options: func(o *Options) {
		o.SetupGrace = 20 * time.Millisecond
	}})
	client := h.connect(t, "agent-1", "s-1")
	h.session(t)

	for i := 1; i <= 3; i++ {
		if err := client.WriteMessage(websocket.TextMessage, audioFrame(i)); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	waitFor(t, "queued frames", func() bool {
		list := h.m.List()
		return len(list) == 1 && list[0].FramesIn == 3
	})
	time.Sleep(100 * time.Millisecond)
	close(h.up.gate)

	got := h.up.peer(t).next(t, 5)
	if !strings.HasPrefix(string(got[0].data), `{"setup"`) {
		t.Fatalf("frame 0 = %s, want setup", got[0].data)
	}
	if string(got[1].data) != `{"greeting":"Hello there"}` {
		t.Fatalf("frame 1 = %s, want greeting", got[1].data)
	}
	for i := 1; i <= 3; i++ {
		if string(got[i+1].data) != string(audioFrame(i)) {
			t.Fatalf("frame %d = %s, want %s", i+1, got[i+1].data, audioFrame(i))
		}
		if got[i+1].msgType != websocket.TextMessage {
			t.Fatalf("frame %d type = %d, want text", i+1, got[i+1].msgType)
		}
	}
}

func TestGreetingWaitsForSetupComplete(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)

	peer := h.up.peer(t)
	got := peer.next(t, 2)
	if string(got[1].data) != `{"greeting":"Hello there"}` {
		t.Fatalf("frame 1 = %s, want greeting", got[1].data)
	}
	mt, data, err := readMessage(t, client)
	if err != nil || mt != websocket.TextMessage || string(data) != `{"setupComplete":{}}` {
		t.Fatalf("client got %d %s %v, want forwarded setupComplete", mt, data, err)
	}
	waitFor(t, "active state", func() bool { return s.State() == session.StateActive })

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	f := peer.next(t, 1)[0]
	if f.msgType != websocket.BinaryMessage || string(f.data) != "\x01\x02\x03" {
		t.Fatalf("live frame = %d %v, want binary 010203", f.msgType, f.data)
	}
}

func TestNoGreetingWhenAgentHasNone(t *testing.T) {
	store := fakeAgents{cfgs: map[string]agents.Config{"quiet": {ClientID: "quiet"}}}
	h := newHarness(t, harnessConfig{ackSetup: true, agents: store})
	client := h.connect(t, "quiet", "s-1")
	s := h.session(t)

	peer := h.up.peer(t)
	peer.next(t, 1)
	waitFor(t, "active state", func() bool { return s.State() == session.StateActive })
	if err := client.WriteMessage(websocket.TextMessage, audioFrame(1)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if f := peer.next(t, 1)[0]; string(f.data) != string(audioFrame(1)) {
		t.Fatalf("frame after setup = %s, want client audio", f.data)
	}
}

func newDispatcher(t *testing.T, handlers ...tools.Handler) *tools.Dispatcher {
	t.Helper()
	reg, err := tools.NewRegistry(handlers...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return tools.NewDispatcher(reg, tools.DispatcherConfig{Timeout: 5 * time.Second})
}

func TestToolCallsAreInterceptedAndOtherFramesPassThrough(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true, tools: newDispatcher(t, tools.NewQueryKB(nil))})
	client := h.connect(t, "agent-1", "s-1")
	h.session(t)

	peer := h.up.peer(t)
	peer.next(t, 2)
	if _, data, err := readMessage(t, client); err != nil || string(data) != `{"setupComplete":{}}` {
		t.Fatalf("client got %s %v, want setupComplete", data, err)
	}

	toolFrame := []byte(`{"serverContent":{"modelTurn":{"parts":[{"functionCall":{"name":"query_kb","args":{"query":"pricing"},"callId":"abc"}}]}}}`)
	after := []byte(`{"serverContent":{"turnComplete":true}}`)
	audio := []byte{0x00, 0xff, 0x10, 0x7b, 0x22}
	peer.write(t, websocket.TextMessage, toolFrame)
	peer.write(t, websocket.TextMessage, after)
	peer.write(t, websocket.BinaryMessage, audio)

	resp := peer.next(t, 1)[0]
	var got, want map[string]any
	if err := json.Unmarshal(resp.data, &got); err != nil {
		t.Fatalf("tool response is not JSON: %s", resp.data)
	}
	_ = json.Unmarshal([]byte(`{"toolResponse":{"functionResponses":[{"name":"query_kb","response":{"result":"No specific insights found."},"id":"abc"}]}}`), &want)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tool response = %s", resp.data)
	}

	mt, data, err := readMessage(t, client)
	if err != nil || mt != websocket.TextMessage || string(data) != string(after) {
		t.Fatalf("client got %d %s %v, want %s", mt, data, err, after)
	}
	mt, data, err = readMessage(t, client)
	if err != nil || mt != websocket.BinaryMessage || string(data) != string(audio) {
		t.Fatalf("client got %d %v %v, want binary passthrough", mt, data, err)
	}
}

func TestUnknownToolKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true, tools: newDispatcher(t)})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)

	peer := h.up.peer(t)
	peer.next(t, 2)
	peer.write(t, websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"7","name":"launch_rocket","args":{}}]}}`))

	resp := peer.next(t, 1)[0]
	if !strings.Contains(string(resp.data), `"error":"Tool launch_rocket not found"`) || !strings.Contains(string(resp.data), `"id":"7"`) {
		t.Fatalf("tool response = %s", resp.data)
	}
	if s.State() != session.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	if err := client.WriteMessage(websocket.TextMessage, audioFrame(9)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if f := peer.next(t, 1)[0]; string(f.data) != string(audioFrame(9)) {
		t.Fatalf("frame = %s, want client audio", f.data)
	}
}

type blockingTool struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTool) Name() string { return "slow_lookup" }
func (b *blockingTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: "slow_lookup"}
}
func (b *blockingTool) Call(context.Context, string, map[string]any) any {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return "late"
}

func TestClientCloseDuringToolCallDiscardsResult(t *testing.T) {
	slow := &blockingTool{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessConfig{ackSetup: true, tools: newDispatcher(t, slow)})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)

	peer := h.up.peer(t)
	peer.next(t, 2)
	peer.write(t, websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"1","name":"slow_lookup"}]}}`))

	select {
	case <-slow.started:
	case <-time.After(waitTimeout):
		t.Fatalf("tool handler never started")
	}
	_ = client.UnderlyingConn().Close()

	select {
	case <-peer.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("upstream was not closed after client left")
	}
	close(slow.release)
	waitDone(t, s)

	select {
	case f := <-peer.frames:
		t.Fatalf("upstream got %s after teardown", f.data)
	case <-time.After(50 * time.Millisecond):
	}
	if n := h.usage.count(); n != 1 {
		t.Fatalf("usage records = %d, want 1", n)
	}
}

func TestSimultaneousCloseRecordsUsageOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)
	peer := h.up.peer(t)
	peer.next(t, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = peer.conn.UnderlyingConn().Close() }()
	go func() { defer wg.Done(); _ = client.UnderlyingConn().Close() }()
	wg.Wait()

	waitDone(t, s)
	if n := h.usage.count(); n != 1 {
		t.Fatalf("usage records = %d, want 1", n)
	}
	if s.State() != session.StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

type failingSink struct{ panics bool }

func (f failingSink) AppendUsage(context.Context, usage.Record) error {
	if f.panics {
		panic("sink exploded")
	}
	return errors.New("sink unavailable")
}

func TestUsageSinkFailureDoesNotReachClient(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			var failures atomic.Int32
			rec := usage.NewRecorder(failingSink{panics: panics}, usage.RecorderConfig{
				Timeout: time.Second,
				OnError: func() { failures.Add(1) },
			})
			h := newHarness(t, harnessConfig{ackSetup: true, usage: rec})
			client := h.connect(t, "agent-1", "s-1")
			s := h.session(t)
			h.up.peer(t).next(t, 2)

			if err := h.m.Stop(s.ID(), "call ended"); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}
			for {
				_, data, err := readMessage(t, client)
				if err != nil {
					var ce *websocket.CloseError
					if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
						t.Fatalf("close = %v, want 1000", err)
					}
					break
				}
				if strings.Contains(string(data), `"error"`) {
					t.Fatalf("client saw error frame %s", data)
				}
			}
			waitDone(t, s)
			if failures.Load() != 1 {
				t.Fatalf("usage failures = %d, want 1", failures.Load())
			}
		})
	}
}

func TestUpstreamAbnormalCloseSurfacesError(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true})
	client := h.connect(t, "agent-1", "s-1")
	h.session(t)
	peer := h.up.peer(t)
	peer.next(t, 2)
	if _, _, err := readMessage(t, client); err != nil {
		t.Fatalf("read setupComplete: %v", err)
	}

	_ = peer.conn.UnderlyingConn().Close()

	mt, data, err := readMessage(t, client)
	if err != nil || mt != websocket.TextMessage || !strings.HasPrefix(string(data), `{"error":"upstream closed`) {
		t.Fatalf("client got %d %s %v, want error frame", mt, data, err)
	}
	expectClose(t, client, websocket.CloseInternalServerErr)
}

func TestUpstreamNormalClosePropagates(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)
	peer := h.up.peer(t)
	peer.next(t, 2)

	peer.closeWith(websocket.CloseNormalClosure, "session complete")

	ce := expectClose(t, client, websocket.CloseNormalClosure)
	if ce.Text != "session complete" {
		t.Fatalf("close reason = %q, want upstream reason", ce.Text)
	}
	waitDone(t, s)
}

func TestUpstreamDialFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{dialErr: errors.New("quota exceeded")})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)

	mt, data, err := readMessage(t, client)
	if err != nil || mt != websocket.TextMessage || string(data) != `{"error":"upstream connection failed: quota exceeded"}` {
		t.Fatalf("client got %d %s %v, want error frame", mt, data, err)
	}
	expectClose(t, client, websocket.CloseInternalServerErr)
	waitDone(t, s)
	if n := h.usage.count(); n != 1 {
		t.Fatalf("usage records = %d, want 1", n)
	}
}

func TestPendingOverflowFailPolicy(t *testing.T) {
	h := newHarness(t, harnessConfig{gated: true, options: func(o *Options) {
		o.MaxPendingFrames = 2
		o.Overflow = OverflowFail
	}})
	client := h.connect(t, "agent-1", "s-1")
	s := h.session(t)

	for i := 1; i <= 3; i++ {
		if err := client.WriteMessage(websocket.TextMessage, audioFrame(i)); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	mt, data, err := readMessage(t, client)
	if err != nil || mt != websocket.TextMessage || string(data) != `{"error":"pending queue overflow"}` {
		t.Fatalf("client got %d %s %v, want overflow error", mt, data, err)
	}
	expectClose(t, client, websocket.CloseTryAgainLater)
	waitDone(t, s)
}

func TestPendingOverflowDropsOldest(t *testing.T) {
	h := newHarness(t, harnessConfig{gated: true, options: func(o *Options) {
		o.MaxPendingFrames = 2
		o.SetupGrace = 10 * time.Millisecond
	}})
	client := h.connect(t, "agent-1", "s-1")
	h.session(t)

	for i := 1; i <= 4; i++ {
		if err := client.WriteMessage(websocket.TextMessage, audioFrame(i)); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	waitFor(t, "queued frames", func() bool {
		list := h.m.List()
		return len(list) == 1 && list[0].FramesIn == 4
	})
	close(h.up.gate)

	got := h.up.peer(t).next(t, 4)
	if string(got[2].data) != string(audioFrame(3)) || string(got[3].data) != string(audioFrame(4)) {
		t.Fatalf("flushed = %s, %s; want frames 3 and 4", got[2].data, got[3].data)
	}
}

func TestServiceModeListStopAndShutdown(t *testing.T) {
	h := newHarness(t, harnessConfig{ackSetup: true})
	first := h.connect(t, "agent-1", "s-1")
	s1 := h.session(t)
	second := h.connect(t, "agent-1", "s-2")
	s2 := h.session(t)

	waitFor(t, "two active sessions", func() bool {
		list := h.m.List()
		return len(list) == 2 && list[0].State == session.StateActive && list[1].State == session.StateActive
	})
	if h.m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", h.m.ActiveCount())
	}

	dup := h.connect(t, "agent-1", "s-1")
	expectClose(t, dup, websocket.ClosePolicyViolation)

	if err := h.m.Stop("missing", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Stop(missing) error = %v, want ErrSessionNotFound", err)
	}
	if err := h.m.Stop("s-1", "operator request"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	ce := expectClose(t, first, websocket.CloseNormalClosure)
	if ce.Text != "operator request" {
		t.Fatalf("close reason = %q", ce.Text)
	}
	waitDone(t, s1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	expectClose(t, second, websocket.CloseGoingAway)
	waitDone(t, s2)
	if h.m.ActiveCount() != 0 || len(h.m.List()) != 0 {
		t.Fatalf("sessions left after shutdown: %d", h.m.ActiveCount())
	}

	late := h.connect(t, "agent-1", "s-3")
	expectClose(t, late, websocket.CloseGoingAway)
}

func TestServerlessModeServesInline(t *testing.T) {
	h := newHarness(t, harnessConfig{mode: ModeServerless, ackSetup: true})
	client := h.connect(t, "agent-1", "")
	peer := h.up.peer(t)
	peer.next(t, 2)

	if err := h.m.Stop("anything", ""); !errors.Is(err, ErrStopUnsupported) {
		t.Fatalf("Stop() error = %v, want ErrStopUnsupported", err)
	}
	if list := h.m.List(); list != nil {
		t.Fatalf("List() = %v, want nil in serverless mode", list)
	}
	waitFor(t, "active count", func() bool { return h.m.ActiveCount() == 1 })

	select {
	case err := <-h.errs:
		t.Fatalf("Serve() returned early: %v", err)
	default:
	}

	_ = client.Close()
	select {
	case err := <-h.errs:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("Serve() did not return after client left")
	}
	if n := h.usage.count(); n != 1 {
		t.Fatalf("usage records = %d, want 1", n)
	}
}

type countingSocket struct {
	mu       sync.Mutex
	closes   int
	controls int
	writes   int
}

func (c *countingSocket) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not readable")
}

func (c *countingSocket) WriteMessage(int, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return nil
}

func (c *countingSocket) WriteControl(int, []byte, time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls++
	return nil
}

func (c *countingSocket) SetWriteDeadline(time.Time) error { return nil }

func (c *countingSocket) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func TestTeardownIsIdempotent(t *testing.T) {
	m, err := NewManager(Options{Agents: fakeAgents{}, Upstream: &fakeUpstream{}})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	down, up := &countingSocket{}, &countingSocket{}
	s := newSession(m, down, agents.Config{ClientID: "a"}, "s-1")
	s.up = &endpoint{sock: up}

	s.end(closeSpec{code: websocket.CloseInternalServerErr, reason: "boom", errFrame: protocol.ErrorFrame("boom")}, closeSpec{})
	s.end(closeSpec{code: websocket.CloseNormalClosure}, closeSpec{code: websocket.CloseNormalClosure})

	for name, sock := range map[string]*countingSocket{"down": down, "up": up} {
		if sock.closes != 1 || sock.controls != 1 {
			t.Fatalf("%s closes=%d controls=%d, want 1/1", name, sock.closes, sock.controls)
		}
	}
	if down.writes != 1 {
		t.Fatalf("down error frames = %d, want 1", down.writes)
	}
	if s.State() != session.StateClosing {
		t.Fatalf("state = %s, want closing", s.State())
	}
}

func (c *countingSocket) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// lateUpstream finishes dialing only when released and ignores ctx.
type lateUpstream struct {
	*fakeUpstream
	release chan struct{}
	sock    *countingSocket
}

func (l *lateUpstream) Dial(context.Context, agents.Config) (protocol.Socket, error) {
	<-l.release
	return l.sock, nil
}

func TestUpstreamDialedAfterTeardownIsClosed(t *testing.T) {
	for i := 0; i < 40; i++ {
		up := &lateUpstream{fakeUpstream: &fakeUpstream{}, release: make(chan struct{}), sock: &countingSocket{}}
		m, err := NewManager(Options{
			Agents:   fakeAgents{cfgs: map[string]agents.Config{"agent-1": {ClientID: "agent-1"}}},
			Upstream: up,
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		// The client socket fails on its first read, so the session ends
		// while the dial is still outstanding.
		s, err := m.Accept(context.Background(), &countingSocket{}, "agent-1", fmt.Sprintf("late-%d", i))
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		waitDone(t, s)

		close(up.release)
		waitFor(t, "late upstream socket to close", func() bool { return up.sock.closeCount() == 1 })
	}
}
