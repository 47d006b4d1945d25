package protocol

import (
	"bytes"
	"encoding/json"
)

// Frame kinds used as metric labels and log attributes.
const (
	KindRealtimeInput        = "realtime_input"
	KindClientContent        = "client_content"
	KindToolResponse         = "tool_response"
	KindSetup                = "setup"
	KindSetupComplete        = "setup_complete"
	KindServerContent        = "server_content"
	KindToolCall             = "tool_call"
	KindToolCallCancellation = "tool_call_cancellation"
	KindGoAway               = "go_away"
	KindUsageMetadata        = "usage_metadata"
	KindError                = "error"
	KindBinary               = "binary"
	KindUnknown              = "unknown"
)

// ServerMessage is the subset of an upstream frame the relay looks at.
// Everything else is forwarded untouched.
type ServerMessage struct {
	SetupComplete        json.RawMessage `json:"setupComplete"`
	ServerContent        *ServerContent  `json:"serverContent"`
	ToolCall             *ToolCall       `json:"toolCall"`
	ToolCallCancellation json.RawMessage `json:"toolCallCancellation"`
	GoAway               json.RawMessage `json:"goAway"`
	UsageMetadata        json.RawMessage `json:"usageMetadata"`
	Error                json.RawMessage `json:"error"`
}

type ServerContent struct {
	ModelTurn           *Turn          `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
	InputTranscription  *Transcription `json:"inputTranscription"`
	OutputTranscription *Transcription `json:"outputTranscription"`
}

type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text         string          `json:"text"`
	InlineData   json.RawMessage `json:"inlineData"`
	FunctionCall *FunctionCall   `json:"functionCall"`
}

// FunctionCall carries its correlation id as "id"; some producers use "callId".
type FunctionCall struct {
	ID     string          `json:"id"`
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// CorrelationID returns whichever id field was populated.
func (f FunctionCall) CorrelationID() string {
	if f.ID != "" {
		return f.ID
	}
	return f.CallID
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type Transcription struct {
	Text string `json:"text"`
}

// ParseServerMessage decodes an upstream frame. ok is false for anything
// that is not a JSON object, which includes raw binary audio.
func ParseServerMessage(data []byte) (msg ServerMessage, ok bool) {
	if !looksLikeObject(data) {
		return ServerMessage{}, false
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, false
	}
	return msg, true
}

// Kind names the dominant payload of a parsed server message.
func (m ServerMessage) Kind() string {
	switch {
	case present(m.SetupComplete):
		return KindSetupComplete
	case m.ToolCall != nil:
		return KindToolCall
	case present(m.ToolCallCancellation):
		return KindToolCallCancellation
	case m.ServerContent != nil:
		return KindServerContent
	case present(m.GoAway):
		return KindGoAway
	case present(m.UsageMetadata):
		return KindUsageMetadata
	case present(m.Error):
		return KindError
	default:
		return KindUnknown
	}
}

// IsSetupComplete reports whether the upstream acknowledged the setup frame.
func (m ServerMessage) IsSetupComplete() bool {
	return present(m.SetupComplete)
}

// FunctionCalls collects calls from both the toolCall envelope and
// function-call parts embedded in a model turn, in frame order. Calls
// without a name are kept so the frame is still answered upstream.
func (m ServerMessage) FunctionCalls() []FunctionCall {
	var out []FunctionCall
	if m.ServerContent != nil && m.ServerContent.ModelTurn != nil {
		for _, p := range m.ServerContent.ModelTurn.Parts {
			if p.FunctionCall != nil {
				out = append(out, *p.FunctionCall)
			}
		}
	}
	if m.ToolCall != nil {
		out = append(out, m.ToolCall.FunctionCalls...)
	}
	return out
}

// ClassifyServerFrame labels an upstream frame from its first key without
// decoding the payload, so large audio frames stay cheap to count.
func ClassifyServerFrame(data []byte) string {
	key, ok := firstKey(data)
	if !ok {
		return KindBinary
	}
	switch key {
	case "setupComplete":
		return KindSetupComplete
	case "serverContent":
		return KindServerContent
	case "toolCall":
		return KindToolCall
	case "toolCallCancellation":
		return KindToolCallCancellation
	case "goAway":
		return KindGoAway
	case "usageMetadata":
		return KindUsageMetadata
	case "error":
		return KindError
	default:
		return KindUnknown
	}
}

// ClassifyClientFrame labels a downstream frame. Unknown shapes are still
// relayed; the label only feeds metrics.
func ClassifyClientFrame(data []byte) string {
	key, ok := firstKey(data)
	if !ok {
		return KindBinary
	}
	switch key {
	case "realtimeInput", "realtime_input":
		return KindRealtimeInput
	case "clientContent", "client_content":
		return KindClientContent
	case "toolResponse", "tool_response":
		return KindToolResponse
	case "setup":
		return KindSetup
	default:
		return KindUnknown
	}
}

// firstKey returns the first object key of a JSON document. ok is false
// when data does not start like a JSON object.
func firstKey(data []byte) (string, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	rest := bytes.TrimLeft(trimmed[1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", true
	}
	end := bytes.IndexByte(rest[1:], '"')
	if end < 0 {
		return "", true
	}
	return string(rest[1 : 1+end]), true
}

type errorFrame struct {
	Error string `json:"error"`
}

// ErrorFrame is the JSON body sent to the client right before a failure close.
func ErrorFrame(message string) []byte {
	out, err := json.Marshal(errorFrame{Error: message})
	if err != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return out
}

func looksLikeObject(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
