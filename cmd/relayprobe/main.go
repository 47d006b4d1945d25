package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/ent0n29/voicerelay/internal/audio"
)

type options struct {
	baseURL  string
	clientID string
	sessions int
	duration time.Duration
	chunk    time.Duration
	realtime float64
	wavPath  string
	linger   time.Duration
	timeout  time.Duration
	verbose  bool
}

type sessionResult struct {
	Index        int     `json:"index"`
	FirstFrameMS float64 `json:"first_frame_ms,omitempty"`
	FramesOut    int     `json:"frames_out"`
	FramesIn     int     `json:"frames_in"`
	BytesIn      int     `json:"bytes_in"`
	CloseCode    int     `json:"close_code,omitempty"`
	CloseReason  string  `json:"close_reason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type summary struct {
	Sessions     int                `json:"sessions"`
	Failed       int                `json:"failed"`
	FirstFrameMS map[string]float64 `json:"first_frame_ms"`
	Results      []sessionResult    `json:"results"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.clientID, "client-id", "", "agent client id to open sessions for")
	fs.IntVarP(&cfg.sessions, "sessions", "n", 1, "concurrent sessions to open")
	fs.DurationVar(&cfg.duration, "duration", 3*time.Second, "audio to stream per session (ignored with --wav)")
	fs.DurationVar(&cfg.chunk, "chunk", 40*time.Millisecond, "audio chunk size")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV file to stream instead of silence")
	fs.DurationVar(&cfg.linger, "linger", 2*time.Second, "time to keep reading after the last chunk")
	fs.DurationVar(&cfg.timeout, "timeout", time.Minute, "overall probe timeout")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "print per-frame progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.clientID = strings.TrimSpace(cfg.clientID)
	switch {
	case cfg.baseURL == "":
		return options{}, errors.New("base-url is required")
	case cfg.clientID == "":
		return options{}, errors.New("client-id is required")
	case cfg.sessions <= 0:
		return options{}, errors.New("sessions must be > 0")
	case cfg.chunk < 10*time.Millisecond || cfg.chunk > 2*time.Second:
		return options{}, errors.New("chunk must be in [10ms,2s]")
	case cfg.realtime <= 0:
		return options{}, errors.New("realtime must be > 0")
	}
	return cfg, nil
}

func run(cfg options) error {
	pcm, rate, err := loadAudio(cfg)
	if err != nil {
		return err
	}
	chunks := audio.Chunk(pcm, rate, cfg.chunk)
	frames := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		f, err := audio.RealtimeInputFrame(c, rate)
		if err != nil {
			return fmt.Errorf("encode audio frame: %w", err)
		}
		frames = append(frames, f)
	}

	wsURL, err := relayURL(cfg.baseURL, cfg.clientID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	results := make([]sessionResult, cfg.sessions)
	var wg sync.WaitGroup
	for i := 0; i < cfg.sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = probeSession(ctx, cfg, wsURL, frames)
			results[i].Index = i
		}(i)
	}
	wg.Wait()

	out := summarize(results)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if out.Failed == out.Sessions {
		return fmt.Errorf("all %d sessions failed", out.Sessions)
	}
	return nil
}

func loadAudio(cfg options) ([]byte, int, error) {
	if cfg.wavPath == "" {
		return audio.Silence(audio.DefaultSampleRate, cfg.duration), audio.DefaultSampleRate, nil
	}
	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, 0, fmt.Errorf("read wav: %w", err)
	}
	pcm, rate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	return pcm, rate, nil
}

func relayURL(baseURL, clientID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base-url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/relay/ws"
	q := u.Query()
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func probeSession(ctx context.Context, cfg options, wsURL string, frames [][]byte) sessionResult {
	var res sessionResult
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer conn.Close()

	start := time.Now()
	var mu sync.Mutex
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				mu.Lock()
				if errors.As(err, &ce) {
					res.CloseCode, res.CloseReason = ce.Code, ce.Text
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			if res.FramesIn == 0 {
				res.FirstFrameMS = float64(time.Since(start).Microseconds()) / 1000
			}
			res.FramesIn++
			res.BytesIn += len(data)
			mu.Unlock()
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "relayprobe: frame type=%d bytes=%d\n", mt, len(data))
			}
		}
	}()

	pace := time.Duration(float64(cfg.chunk) / cfg.realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
send:
	for _, f := range frames {
		select {
		case <-ctx.Done():
			break send
		case <-readDone:
			break send
		case <-ticker.C:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			mu.Lock()
			res.Error = fmt.Sprintf("write: %v", err)
			mu.Unlock()
			break
		}
		mu.Lock()
		res.FramesOut++
		mu.Unlock()
	}

	select {
	case <-readDone:
	case <-time.After(cfg.linger):
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		select {
		case <-readDone:
		case <-time.After(2 * time.Second):
		}
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return res
}

func summarize(results []sessionResult) summary {
	out := summary{Sessions: len(results), Results: results, FirstFrameMS: map[string]float64{}}
	var samples []float64
	for _, r := range results {
		failed := r.Error != "" || (r.CloseCode != 0 && r.CloseCode != websocket.CloseNormalClosure)
		if failed {
			out.Failed++
		}
		if r.FramesIn > 0 {
			samples = append(samples, r.FirstFrameMS)
		}
	}
	if len(samples) == 0 {
		return out
	}
	sort.Float64s(samples)
	out.FirstFrameMS["p50"] = percentile(samples, 0.50)
	out.FirstFrameMS["p95"] = percentile(samples, 0.95)
	out.FirstFrameMS["max"] = samples[len(samples)-1]
	return out
}

// percentile uses nearest-rank on sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
