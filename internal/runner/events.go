package runner

import (
	"encoding/json"
	"fmt"

	"github.com/jujucub/claps/pkg/protocol"
)

// streamEvent is one line of the agent subprocess's --output-format
// stream-json output (spec §4.6). Only the fields this runner acts on
// are modeled; anything else is ignored.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Message   *messagePayload `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type messagePayload struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Name      string         `json:"name,omitempty"`      // tool name, for tool_use
	Input     map[string]any `json:"input,omitempty"`     // tool arguments, for tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"` // tool_result payload
	IsError   bool           `json:"is_error,omitempty"`
}

// WorkLogEvent is one derived, human-meaningful line forwarded to the
// owning channel via the gateway's work-log notification (spec §4.6,
// §6 "/notify-tool").
type WorkLogEvent struct {
	Type    string
	Tool    string
	Details string
}

// parsedLine is the outcome of classifying a single JSON line: zero or
// more derived work-log events, plus any assistant text to accumulate
// into the run's final output.
type parsedLine struct {
	workLog   []WorkLogEvent
	text      string
	sessionID string
	result    *streamEvent
}

// classifyLine decodes one JSON line and derives its work-log events
// (spec §4.6 step: "classifies system/assistant/user/result events into
// work-log events").
func classifyLine(line []byte) (parsedLine, error) {
	var evt streamEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return parsedLine{}, fmt.Errorf("runner: decode stream line: %w", err)
	}

	out := parsedLine{sessionID: evt.SessionID}

	switch evt.Type {
	case protocol.AgentEventSystem:
		if evt.Subtype == protocol.SystemSubtypePermissionRequest {
			out.workLog = append(out.workLog, WorkLogEvent{
				Type:    protocol.WorkLogApprovalPending,
				Details: "waiting for tool approval",
			})
		}
	case protocol.AgentEventAssistant:
		if evt.Message == nil {
			return out, nil
		}
		for _, block := range evt.Message.Content {
			switch block.Type {
			case protocol.BlockText:
				out.text += block.Text
			case protocol.BlockThinking:
				out.workLog = append(out.workLog, WorkLogEvent{
					Type:    protocol.WorkLogThinking,
					Details: truncateText(block.Text, 100),
				})
			case protocol.BlockToolUse:
				out.workLog = append(out.workLog, WorkLogEvent{
					Type:    protocol.WorkLogToolStart,
					Tool:    block.Name,
					Details: describeToolUse(block.Name, block.Input),
				})
			}
		}
	case protocol.AgentEventUser:
		if evt.Message == nil {
			return out, nil
		}
		for _, block := range evt.Message.Content {
			if block.Type != protocol.BlockToolResult {
				continue
			}
			if block.IsError {
				out.workLog = append(out.workLog, WorkLogEvent{
					Type:    protocol.WorkLogError,
					Details: summarizeToolResult(block.Content),
				})
			} else {
				out.workLog = append(out.workLog, WorkLogEvent{
					Type:    protocol.WorkLogToolEnd,
					Details: summarizeToolResult(block.Content),
				})
			}
		}
	case protocol.AgentEventResult:
		e := evt
		out.result = &e
	}
	return out, nil
}

func describeToolUse(name string, input map[string]any) string {
	switch name {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return truncateText(cmd, 100)
		}
	case "Read", "Write", "Edit":
		if p, ok := input["file_path"].(string); ok {
			return p
		}
	case "Glob", "Grep":
		if p, ok := input["pattern"].(string); ok {
			return p
		}
	case "Task":
		if d, ok := input["description"].(string); ok {
			return d
		}
	}
	return name
}

func summarizeToolResult(content any) string {
	switch v := content.(type) {
	case string:
		return truncateText(v, 200)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return truncateText(string(b), 200)
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
