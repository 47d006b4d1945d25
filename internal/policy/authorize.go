package policy

import (
	"regexp"
	"strings"
)

type ToolDecision struct {
	Allowed bool
	Reason  string
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.\-]{0,63}$`)

// DecideTool checks a model-requested tool name against the tools an agent
// enables. An empty enabled list means every registered tool is allowed.
func DecideTool(enabled []string, name string) ToolDecision {
	name = strings.TrimSpace(name)
	if !toolNamePattern.MatchString(name) {
		return ToolDecision{Reason: "invalid tool name"}
	}
	if len(enabled) == 0 {
		return ToolDecision{Allowed: true}
	}
	for _, e := range enabled {
		if strings.TrimSpace(e) == name {
			return ToolDecision{Allowed: true}
		}
	}
	return ToolDecision{Reason: "tool not enabled for agent"}
}
