package agents

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedDocument is a knowledge snippet declared next to the agents in a seed file.
type SeedDocument struct {
	ClientID string `yaml:"client_id"`
	Title    string `yaml:"title"`
	Content  string `yaml:"content"`
}

// Seed is the content of an AGENTS_FILE.
type Seed struct {
	Agents    []Config       `yaml:"agents"`
	Knowledge []SeedDocument `yaml:"knowledge"`
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (Seed, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Seed{}, errors.New("seed file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed file: %w", err)
	}

	seen := make(map[string]struct{}, len(seed.Agents))
	for i := range seed.Agents {
		a := seed.Agents[i].Normalize()
		if a.ClientID == "" {
			return Seed{}, fmt.Errorf("agents[%d]: id is required", i)
		}
		if _, dup := seen[a.ClientID]; dup {
			return Seed{}, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ClientID)
		}
		seen[a.ClientID] = struct{}{}
		seed.Agents[i] = a
	}
	for i := range seed.Knowledge {
		d := &seed.Knowledge[i]
		d.ClientID = strings.TrimSpace(d.ClientID)
		if d.ClientID == "" || strings.TrimSpace(d.Content) == "" {
			return Seed{}, fmt.Errorf("knowledge[%d]: client_id and content are required", i)
		}
	}
	return seed, nil
}
