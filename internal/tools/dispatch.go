package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

// Call is one function invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result pairs a call with the value its handler produced.
type Result struct {
	Call  Call
	Value any
}

var functionCallMarker = []byte("functionCall")

// Inspect extracts every function call carried by an upstream frame.
// Binary or malformed frames simply yield no calls.
func Inspect(frame []byte) []Call {
	if !bytes.Contains(frame, functionCallMarker) {
		return nil
	}
	msg, ok := protocol.ParseServerMessage(frame)
	if !ok {
		return nil
	}
	fcs := msg.FunctionCalls()
	if len(fcs) == 0 {
		return nil
	}
	calls := make([]Call, 0, len(fcs))
	for _, fc := range fcs {
		args := map[string]any{}
		if len(fc.Args) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(fc.Args, &decoded); err == nil && decoded != nil {
				args = decoded
			}
		}
		calls = append(calls, Call{ID: fc.CorrelationID(), Name: fc.Name, Args: args})
	}
	return calls
}

// BuildResponseFrame wraps handler results into one toolResponse frame.
func BuildResponseFrame(results ...Result) ([]byte, error) {
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{
			ID:       r.Call.ID,
			Name:     r.Call.Name,
			Response: map[string]any{"result": r.Value},
		})
	}
	out, err := json.Marshal(genai.LiveClientMessage{
		ToolResponse: &genai.LiveClientToolResponse{FunctionResponses: responses},
	})
	if err != nil {
		return nil, fmt.Errorf("encode tool response: %w", err)
	}
	return out, nil
}

type DispatcherConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Dispatcher runs tool handlers for intercepted calls.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Declarations exposes the registry to the setup frame builder.
func (d *Dispatcher) Declarations(names []string) []*genai.FunctionDeclaration {
	return d.registry.Declarations(names)
}

// Dispatch runs one call for the given agent and always returns a
// JSON-serializable value.
func (d *Dispatcher) Dispatch(ctx context.Context, agent agents.Config, call Call) any {
	start := time.Now()
	log := d.logger.With("client_id", agent.ClientID, "tool", call.Name, "call_id", call.ID)

	h, ok := d.registry.Lookup(call.Name)
	if ok {
		if decision := policy.DecideTool(agent.Tools, call.Name); !decision.Allowed {
			log.Warn("tool call refused", "reason", decision.Reason)
			ok = false
		}
	}
	if !ok {
		d.metrics.ObserveToolCall(call.Name, "not_found", time.Since(start))
		return NotFound(call.Name)
	}

	log.Debug("tool call dispatched", "args", policy.RedactArgs(call.Args))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan any, 1)
	go func() {
		done <- d.invoke(ctx, h, agent.ClientID, call.Args)
	}()

	var result any
	select {
	case result = <-done:
	case <-ctx.Done():
		result = ErrorResult{Error: fmt.Sprintf("Tool %s did not finish: %v", call.Name, ctx.Err())}
	}

	label := "ok"
	if isError(result) {
		label = "error"
		log.Warn("tool call failed", "result", result)
	}
	d.metrics.ObserveToolCall(call.Name, label, time.Since(start))
	return result
}

// Intercept dispatches every call in frame, in order, and returns the
// toolResponse frame to send upstream. ok is false for frames without calls.
func (d *Dispatcher) Intercept(ctx context.Context, agent agents.Config, frame []byte) (response []byte, ok bool) {
	calls := Inspect(frame)
	if len(calls) == 0 {
		return nil, false
	}
	results := make([]Result, 0, len(calls))
	for _, c := range calls {
		results = append(results, Result{Call: c, Value: d.Dispatch(ctx, agent, c)})
	}
	out, err := BuildResponseFrame(results...)
	if err != nil {
		d.logger.Error("tool response encode failed", "client_id", agent.ClientID, "error", err)
		for i := range results {
			results[i].Value = ErrorResult{Error: "tool result could not be encoded"}
		}
		out, _ = BuildResponseFrame(results...)
	}
	return out, true
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, clientID string, args map[string]any) (result any) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("tool handler panicked", "tool", h.Name(), "panic", fmt.Sprint(p))
			result = ErrorResult{Error: fmt.Sprintf("Tool %s failed", h.Name())}
		}
	}()
	return h.Call(ctx, clientID, args)
}

func isError(v any) bool {
	switch t := v.(type) {
	case ErrorResult:
		return true
	case *ErrorResult:
		return t != nil
	case map[string]any:
		_, ok := t["error"]
		return ok
	default:
		return false
	}
}
