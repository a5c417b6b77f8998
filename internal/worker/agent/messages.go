// Package agent drives the external coding agent: it spawns the agent binary,
// exchanges newline-delimited JSON messages with it, enforces execution
// budgets, and suspends the agent while human clarifications are pending.
package agent

import (
	"encoding/json"
	"fmt"
)

// AskUserTool is the tool name the agent invokes to request a human answer.
const AskUserTool = "AskUserQuestion"

// Message is the tagged union of messages the agent emits.
type Message interface{ isMessage() }

// SystemMessage is an initialisation or housekeeping notice.
type SystemMessage struct {
	Subtype string
	Data    map[string]any
}

// AssistantMessage is one assistant turn: text blocks plus tool uses.
type AssistantMessage struct {
	Model   string
	Content []ContentBlock
}

// UserMessage carries tool results back into the conversation.
type UserMessage struct {
	Content []ContentBlock
}

// ResultMessage terminates the stream and carries session-level metrics.
type ResultMessage struct {
	Subtype       string
	SessionID     string
	IsError       bool
	NumTurns      int
	TotalCostUSD  float64
	DurationMS    int64
	DurationAPIMS int64
	Usage         map[string]int
	Result        string
}

func (SystemMessage) isMessage()    {}
func (AssistantMessage) isMessage() {}
func (UserMessage) isMessage()      {}
func (ResultMessage) isMessage()    {}

// ContentBlock is the sum over Text | ToolUse | ToolResult.
type ContentBlock interface{ isBlock() }

type TextBlock struct {
	Text string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolResultBlock struct {
	ToolUseID string
	Content   string
}

func (TextBlock) isBlock()       {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}

// ControlRequest is the agent asking the driver for a decision, most
// importantly the pre-tool permission check (subtype can_use_tool).
type ControlRequest struct {
	RequestID string
	Subtype   string
	ToolName  string
	Input     map[string]any
}

// wire envelope of one NDJSON line.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Message   json.RawMessage `json:"message"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Data      map[string]any  `json:"data"`

	SessionID     string         `json:"session_id"`
	IsError       bool           `json:"is_error"`
	NumTurns      int            `json:"num_turns"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	DurationMS    int64          `json:"duration_ms"`
	DurationAPIMS int64          `json:"duration_api_ms"`
	Usage         map[string]int `json:"usage"`
	Result        string         `json:"result"`
}

type wireMessage struct {
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type wireControlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// DecodeLine parses one NDJSON line into either a Message or a
// ControlRequest. Exactly one of the two returns is non-nil on success.
func DecodeLine(line []byte) (Message, *ControlRequest, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("op=agent.decode: %w", err)
	}

	switch env.Type {
	case "system":
		return SystemMessage{Subtype: env.Subtype, Data: env.Data}, nil, nil

	case "assistant":
		var msg wireMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, nil, fmt.Errorf("op=agent.decode_assistant: %w", err)
		}
		blocks, err := decodeBlocks(msg.Content)
		if err != nil {
			return nil, nil, err
		}
		return AssistantMessage{Model: msg.Model, Content: blocks}, nil, nil

	case "user":
		var msg wireMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, nil, fmt.Errorf("op=agent.decode_user: %w", err)
		}
		blocks, err := decodeBlocks(msg.Content)
		if err != nil {
			return nil, nil, err
		}
		return UserMessage{Content: blocks}, nil, nil

	case "result":
		return ResultMessage{
			Subtype:       env.Subtype,
			SessionID:     env.SessionID,
			IsError:       env.IsError,
			NumTurns:      env.NumTurns,
			TotalCostUSD:  env.TotalCostUSD,
			DurationMS:    env.DurationMS,
			DurationAPIMS: env.DurationAPIMS,
			Usage:         env.Usage,
			Result:        env.Result,
		}, nil, nil

	case "control_request":
		var req wireControlRequest
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return nil, nil, fmt.Errorf("op=agent.decode_control: %w", err)
		}
		return nil, &ControlRequest{
			RequestID: env.RequestID,
			Subtype:   req.Subtype,
			ToolName:  req.ToolName,
			Input:     req.Input,
		}, nil

	default:
		// Unknown envelope types are logged upstream and skipped.
		return nil, nil, nil
	}
}

func decodeBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	// Content is either a bare string or a block list.
	var asText string
	if err := json.Unmarshal(raw, &asText); err == nil {
		return []ContentBlock{TextBlock{Text: asText}}, nil
	}
	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("op=agent.decode_blocks: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(wire))
	for _, b := range wire {
		switch b.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: b.Text})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{ToolUseID: b.ToolUseID, Content: flattenContent(b.Content)})
		}
	}
	return blocks, nil
}

// flattenContent renders a tool result body, which the wire format carries as
// either a string or a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []wireBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Question is one entry of an ask-user tool invocation.
type Question struct {
	Question    string
	Header      string
	Options     []QuestionOption
	MultiSelect bool
}

type QuestionOption struct {
	Label       string
	Description string
}

// QuestionSet groups the questions of a single ask-user tool call under the
// driver-assigned tool-local id. Answered is true when the rendezvous
// resolved the questions during the run.
type QuestionSet struct {
	ToolID    string
	Questions []Question
	Answered  bool
}

// ParseQuestions extracts the questions list from an ask-user tool input.
func ParseQuestions(input map[string]any) []Question {
	raw, _ := input["questions"].([]any)
	out := make([]Question, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := Question{}
		q.Question, _ = m["question"].(string)
		q.Header, _ = m["header"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				om, ok := o.(map[string]any)
				if !ok {
					continue
				}
				opt := QuestionOption{}
				opt.Label, _ = om["label"].(string)
				opt.Description, _ = om["description"].(string)
				q.Options = append(q.Options, opt)
			}
		}
		out = append(out, q)
	}
	return out
}
