package tools

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Handler services one named tool. Call must not return Go errors to the
// caller; failures are reported as an ErrorResult value.
type Handler interface {
	Name() string
	Declaration() *genai.FunctionDeclaration
	Call(ctx context.Context, clientID string, args map[string]any) any
}

// ErrorResult is the structured failure every tool returns instead of an error.
type ErrorResult struct {
	Error string `json:"error"`
}

func NotFound(name string) ErrorResult {
	return ErrorResult{Error: fmt.Sprintf("Tool %s not found", name)}
}

// Registry is built once at startup and only read afterwards, so it is
// shared by every session without locking.
type Registry struct {
	handlers map[string]Handler
	order    []string
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		name := strings.TrimSpace(h.Name())
		if name == "" {
			return nil, fmt.Errorf("tool handler has empty name")
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("duplicate tool handler %q", name)
		}
		r.handlers[name] = h
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[strings.TrimSpace(name)]
	return h, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Declarations returns the function declarations for the named tools, in
// the given order. An empty list selects every registered tool.
func (r *Registry) Declarations(names []string) []*genai.FunctionDeclaration {
	if r == nil {
		return nil
	}
	if len(names) == 0 {
		names = r.order
	}
	var out []*genai.FunctionDeclaration
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		h, ok := r.handlers[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		if d := h.Declaration(); d != nil {
			out = append(out, d)
		}
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func stringSchema(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: description}
}
