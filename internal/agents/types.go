package agents

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("agent config not found")

// Config is the persona, voice and greeting resolved for one client id.
// It is read once when a relay session starts and never mutated afterwards.
type Config struct {
	ClientID string   `json:"client_id" yaml:"id"`
	Persona  string   `json:"persona" yaml:"persona"`
	Voice    string   `json:"voice" yaml:"voice"`
	Greeting string   `json:"greeting" yaml:"greeting"`
	Tools    []string `json:"tools,omitempty" yaml:"tools"`
}

// Store resolves agent configuration by client id.
type Store interface {
	GetAgent(ctx context.Context, clientID string) (Config, error)
}

// Normalize trims identifiers and drops empty tool names.
func (c Config) Normalize() Config {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.Voice = strings.TrimSpace(c.Voice)
	var tools []string
	for _, name := range c.Tools {
		if n := strings.TrimSpace(name); n != "" {
			tools = append(tools, n)
		}
	}
	c.Tools = tools
	return c
}
