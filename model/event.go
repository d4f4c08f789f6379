package model

import "encoding/json"

type (
	// Event is one streaming event produced by a provider adapter or the
	// orchestrator. The set is closed: ContentDelta, ReasoningDelta,
	// ToolCallDelta, ToolCallDone, ToolOutput, UsageEvent, StopEvent and
	// ErrorEvent. Consumers switch exhaustively over the variants; there is
	// no string-typed discrimination on the hot path.
	Event interface {
		isEvent()
	}

	// ContentDelta carries an incremental fragment of assistant text.
	ContentDelta struct {
		Text string
	}

	// ReasoningDelta carries an incremental fragment of reasoning text.
	ReasoningDelta struct {
		Text string
	}

	// ToolCallDelta carries a fragment of a tool call under assembly. Name is
	// set on the first fragment for an index; ArgsFragment accumulates across
	// fragments with the same Index.
	ToolCallDelta struct {
		ID           string
		Index        int
		Name         string
		ArgsFragment string
	}

	// ToolCallDone signals that the tool call at Call.Index is fully
	// assembled and its arguments are complete JSON.
	ToolCallDone struct {
		Call ToolCall
	}

	// ToolOutput carries the result of a tool execution. Emitted by the
	// orchestrator, never by provider adapters.
	ToolOutput struct {
		ID      string
		Index   int
		Name    string
		Payload json.RawMessage
		IsError bool
	}

	// UsageEvent reports incremental token usage.
	UsageEvent struct {
		Usage TokenUsage
	}

	// StopEvent signals the end of a model turn with its finish reason.
	StopEvent struct {
		Reason StopReason
	}

	// ErrorEvent carries a terminal stream error surfaced as an event so it
	// can be framed and journaled before the stream closes.
	ErrorEvent struct {
		Kind    string
		Message string
	}
)

func (ContentDelta) isEvent()   {}
func (ReasoningDelta) isEvent() {}
func (ToolCallDelta) isEvent()  {}
func (ToolCallDone) isEvent()   {}
func (ToolOutput) isEvent()     {}
func (UsageEvent) isEvent()     {}
func (StopEvent) isEvent()      {}
func (ErrorEvent) isEvent()     {}
