package sse

import (
	"encoding/json"

	"github.com/chatforge/chatforge/model"
)

// Wire frames are a superset of the OpenAI chat.completion.chunk shape.
// Content, reasoning and tool-call deltas reuse the chunk layout so
// OpenAI-compatible clients parse them unchanged; events that do not fit the
// chunk shape carry a top-level "type" discriminator instead.

// Chunk mirrors chat.completion.chunk.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice is one streamed choice delta.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental payload of a choice.
type Delta struct {
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragmentary tool call inside a chunk delta.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the name and argument fragment of a tool call.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolOutputFrame reports a completed tool execution.
type ToolOutputFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Index   int             `json:"index"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	IsError bool            `json:"is_error,omitempty"`
}

// UsageFrame reports token usage.
type UsageFrame struct {
	Type  string           `json:"type"`
	Usage model.TokenUsage `json:"usage"`
}

// ErrorFrame reports a terminal stream error.
type ErrorFrame struct {
	Type  string   `json:"type"`
	Error FrameErr `json:"error"`
}

// FrameErr is the error body of an ErrorFrame.
type FrameErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EvaluationFrame is reserved for the external judge flow.
type EvaluationFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encoder translates canonical stream events into wire frames. One encoder
// serves one response; it pins the chunk id, model and created timestamp so
// every chunk of the stream shares them.
type Encoder struct {
	id      string
	mdl     string
	created int64
}

// NewEncoder returns an encoder for one streamed response.
func NewEncoder(id, mdl string, created int64) *Encoder {
	return &Encoder{id: id, mdl: mdl, created: created}
}

// Encode maps a canonical event to its wire frame. Events with no wire
// representation (ToolCallDone is internal bookkeeping) return nil.
func (e *Encoder) Encode(ev model.Event) any {
	switch v := ev.(type) {
	case model.ContentDelta:
		return e.chunk(Delta{Content: v.Text}, nil)
	case model.ReasoningDelta:
		return e.chunk(Delta{ReasoningContent: v.Text}, nil)
	case model.ToolCallDelta:
		tc := ToolCallDelta{Index: v.Index, ID: v.ID, Function: FunctionDelta{Name: v.Name, Arguments: v.ArgsFragment}}
		if v.Name != "" {
			tc.Type = "function"
		}
		return e.chunk(Delta{ToolCalls: []ToolCallDelta{tc}}, nil)
	case model.ToolCallDone:
		return nil
	case model.ToolOutput:
		return ToolOutputFrame{Type: "tool_output", ID: v.ID, Index: v.Index, Name: v.Name, Payload: v.Payload, IsError: v.IsError}
	case model.UsageEvent:
		return UsageFrame{Type: "usage", Usage: v.Usage}
	case model.StopEvent:
		reason := string(v.Reason)
		return e.chunk(Delta{}, &reason)
	case model.ErrorEvent:
		return ErrorFrame{Type: "error", Error: FrameErr{Kind: v.Kind, Message: v.Message}}
	default:
		return nil
	}
}

func (e *Encoder) chunk(d Delta, finish *string) Chunk {
	return Chunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.mdl,
		Choices: []Choice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}
