package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

var ErrMissingAPIKey = errors.New("gemini api key is not configured")

// greetingPrefix forces the model to open the call with a fixed phrase.
const greetingPrefix = "Please greet the user by saying exactly: "

// Declarer resolves tool declarations for the tool names an agent enables.
type Declarer interface {
	Declarations(names []string) []*genai.FunctionDeclaration
}

type Config struct {
	URL              string
	APIKey           string
	Model            string
	DefaultVoice     string
	ResponseModality string
	Transcription    bool
	HandshakeTimeout time.Duration
}

// Gemini dials the Live API websocket and builds the frames the relay
// sends on its own behalf.
type Gemini struct {
	cfg    Config
	tools  Declarer
	dialer websocket.Dialer
}

func NewGemini(cfg Config, tools Declarer) *Gemini {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "models/gemini-2.0-flash-live-001"
	}
	if strings.TrimSpace(cfg.DefaultVoice) == "" {
		cfg.DefaultVoice = "Puck"
	}
	cfg.ResponseModality = strings.ToUpper(strings.TrimSpace(cfg.ResponseModality))
	if cfg.ResponseModality == "" {
		cfg.ResponseModality = string(genai.ModalityAudio)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Gemini{
		cfg:   cfg,
		tools: tools,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial opens the upstream socket. The API key travels as a query parameter
// and is never included in returned errors.
func (g *Gemini) Dial(ctx context.Context, _ agents.Config) (protocol.Socket, error) {
	if strings.TrimSpace(g.cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	u, err := url.Parse(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("key", g.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, resp, err := g.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial failed (%s): %w", resp.Status, redact(err, g.cfg.APIKey))
		}
		return nil, fmt.Errorf("upstream dial failed: %w", redact(err, g.cfg.APIKey))
	}
	return conn, nil
}

// SetupFrame is the first frame written after the upstream opens.
func (g *Gemini) SetupFrame(agent agents.Config) ([]byte, error) {
	modality := genai.Modality(g.cfg.ResponseModality)
	gen := &genai.GenerationConfig{
		ResponseModalities: []genai.Modality{modality},
	}
	if modality == genai.ModalityAudio {
		voice := strings.TrimSpace(agent.Voice)
		if voice == "" {
			voice = g.cfg.DefaultVoice
		}
		gen.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	setup := &genai.LiveClientSetup{
		Model:            g.cfg.Model,
		GenerationConfig: gen,
	}
	if persona := strings.TrimSpace(agent.Persona); persona != "" {
		setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: persona}},
		}
	}
	if g.tools != nil {
		if decls := g.tools.Declarations(agent.Tools); len(decls) > 0 {
			setup.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}
	if g.cfg.Transcription {
		setup.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		setup.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	out, err := json.Marshal(genai.LiveClientMessage{Setup: setup})
	if err != nil {
		return nil, fmt.Errorf("encode setup frame: %w", err)
	}
	return out, nil
}

// GreetingFrame asks the model to speak the greeting as its first turn.
// ok is false when there is nothing to greet with.
func (g *Gemini) GreetingFrame(greeting string) (frame []byte, ok bool, err error) {
	greeting = strings.TrimSpace(greeting)
	if greeting == "" {
		return nil, false, nil
	}
	msg := genai.LiveClientMessage{
		ClientContent: &genai.LiveClientContent{
			Turns: []*genai.Content{{
				Role:  "user",
				Parts: []*genai.Part{{Text: greetingPrefix + greeting}},
			}},
			TurnComplete: true,
		},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("encode greeting frame: %w", err)
	}
	return out, true, nil
}

type redactedError struct {
	msg   string
	cause error
}

func (e redactedError) Error() string { return e.msg }
func (e redactedError) Unwrap() error { return e.cause }

func redact(err error, secret string) error {
	if err == nil || secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(err.Error(), secret, "[REDACTED]"), cause: err}
}
