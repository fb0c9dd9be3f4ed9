// Package ndjson implements a tolerant NDJSON->event pipeline: it reads
// the assistant subprocess's line-delimited stdout, parses each line as
// JSON (wrapping anything that fails to parse rather than dropping it),
// dispatches on the `type` field, and stamps every resulting event with
// a sequence number from the owning session.
package ndjson

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	"github.com/tetherline/tether/pkg/wire"
)

// maxLineSize bounds a single NDJSON line: generous enough for a large
// tool-result echo without risking unbounded memory growth on a
// malformed stream.
const maxLineSize = 10 * 1024 * 1024

// rawLine is the subset of fields this pipeline dispatches on; assistant
// line shapes vary by `type` beyond this.
type rawLine struct {
	Type             string          `json:"type"`
	ParentToolUseID  string          `json:"parent_tool_use_id"`
	Text             string          `json:"text"`
	ToolName         string          `json:"tool_name"`
	ToolUseID        string          `json:"tool_use_id"`
	ToolArgs         json.RawMessage `json:"tool_args"`
	ToolOutput       string          `json:"tool_output"`
	IsError          bool            `json:"is_error"`
	Stage            string          `json:"stage"`
	ControlRequestID string          `json:"control_request_id"`
	Prompt           string          `json:"prompt"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd"`
}

// Sequencer hands out strictly increasing sequence numbers for one
// session. Not safe for concurrent use from more than one goroutine; the
// pipeline runs on the session's single stdout-pump goroutine
// (pkg/session), so one Sequencer per session is sufficient.
type Sequencer struct {
	n uint64
}

// Next returns the next sequence number, starting at 1: a prefix of
// 1,2,3,... with no gaps.
func (s *Sequencer) Next() uint64 {
	s.n++
	return s.n
}

// EmitFunc receives each produced event, in source order.
type EmitFunc func(wire.AgentEvent)

// Pump reads NDJSON lines from r until EOF or a read error, emitting one
// AgentEvent per line via emit. It never returns an error for a line that
// merely fails to parse as JSON — that line becomes an EventUnknown event
// instead, preserving the ordering contract (events are emitted in the
// byte order of their source lines) without losing any input.
func Pump(r io.Reader, seq *Sequencer, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		emit(parseLine(line, seq))
	}
	return scanner.Err()
}

func parseLine(line []byte, seq *Sequencer) wire.AgentEvent {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return wire.AgentEvent{
			Sequence:  seq.Next(),
			Timestamp: time.Now(),
			Kind:      wire.EventUnknown,
			Raw:       string(line),
		}
	}

	ev := wire.AgentEvent{
		Sequence:      seq.Next(),
		Timestamp:     time.Now(),
		ParentToolUse: raw.ParentToolUseID,
	}

	switch raw.Type {
	case "system_init", "system":
		ev.Kind = wire.EventSystemInit
		ev.Text = raw.Text
	case "assistant_text", "text":
		ev.Kind = wire.EventAssistantText
		ev.Text = raw.Text
	case "tool_use", "assistant_tool_use":
		ev.Kind = wire.EventAssistantTool
		ev.ToolName = raw.ToolName
		ev.ToolUseID = raw.ToolUseID
		ev.ToolArgs = []byte(raw.ToolArgs)
	case "tool_result", "user_tool_result":
		ev.Kind = wire.EventUserToolResult
		ev.ToolUseID = raw.ToolUseID
		ev.ToolOutput = raw.ToolOutput
		ev.IsError = raw.IsError
	case "content_block_start", "content_block_delta", "content_block_stop",
		"message_start", "message_delta", "message_stop":
		ev.Kind = wire.EventStreamDelta
		ev.DeltaStage = raw.Type
		ev.Text = raw.Text
	case "control_request":
		ev.Kind = wire.EventControlRequest
		ev.ControlRequestID = raw.ControlRequestID
		ev.ControlPrompt = raw.Prompt
	case "result", "session_result":
		ev.Kind = wire.EventSessionResult
		ev.UsagePromptTokens = raw.PromptTokens
		ev.UsageCompletionTokens = raw.CompletionTokens
		ev.UsageCostUSD = raw.CostUSD
	default:
		ev.Kind = wire.EventUnknown
		ev.Raw = string(line)
	}

	return ev
}
