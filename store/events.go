package store

import (
	"encoding/json"
	"fmt"

	"github.com/chatforge/chatforge/model"
)

// Journaled event payloads. Streaming deltas for tool-call arguments are not
// journaled; the terminal tool_call event carries the complete arguments.
type (
	contentChunkPayload struct {
		Text string `json:"text"`
	}
	reasoningChunkPayload struct {
		Text string `json:"text"`
	}
	toolCallPayload struct {
		ID        string          `json:"id"`
		Index     int             `json:"index"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	toolResultPayload struct {
		ID      string          `json:"id"`
		Index   int             `json:"index"`
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
		IsError bool            `json:"is_error,omitempty"`
	}
	errorPayload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
)

// EncodeEvent maps a stream event to its journal row type and payload.
// Events that carry no durable state return ok=false.
func EncodeEvent(ev model.Event) (EventType, json.RawMessage, bool, error) {
	var (
		typ     EventType
		payload any
	)
	switch v := ev.(type) {
	case model.ContentDelta:
		typ, payload = EventContentChunk, contentChunkPayload{Text: v.Text}
	case model.ReasoningDelta:
		typ, payload = EventReasoningChunk, reasoningChunkPayload{Text: v.Text}
	case model.ToolCallDone:
		typ, payload = EventToolCall, toolCallPayload{
			ID:        v.Call.ID,
			Index:     v.Call.Index,
			Name:      v.Call.Name,
			Arguments: v.Call.Arguments,
		}
	case model.ToolOutput:
		typ, payload = EventToolResult, toolResultPayload{
			ID:      v.ID,
			Index:   v.Index,
			Name:    v.Name,
			Payload: v.Payload,
			IsError: v.IsError,
		}
	case model.ErrorEvent:
		typ, payload = EventError, errorPayload{Kind: v.Kind, Message: v.Message}
	default:
		return "", nil, false, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, false, fmt.Errorf("store: encode %s event: %w", typ, err)
	}
	return typ, raw, true, nil
}

// Replay reconstructs the assistant content that the journaled events
// produced. It is the source of truth for finalization: the message's stored
// content must equal the replay of its events.
type Replay struct {
	Text      string
	Reasoning string
	ToolCalls []model.ToolCall
	Results   []model.ToolResultPart
	ErrorKind string
	ErrorMsg  string
}

// ReplayEvents folds journal rows, in event_seq order, back into content.
func ReplayEvents(rows []EventRow) (Replay, error) {
	var r Replay
	for _, row := range rows {
		switch row.Type {
		case EventContentChunk:
			var p contentChunkPayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return Replay{}, fmt.Errorf("store: replay event %d: %w", row.EventSeq, err)
			}
			r.Text += p.Text
		case EventReasoningChunk:
			var p reasoningChunkPayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return Replay{}, fmt.Errorf("store: replay event %d: %w", row.EventSeq, err)
			}
			r.Reasoning += p.Text
		case EventToolCall:
			var p toolCallPayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return Replay{}, fmt.Errorf("store: replay event %d: %w", row.EventSeq, err)
			}
			r.ToolCalls = append(r.ToolCalls, model.ToolCall{
				ID:        p.ID,
				Index:     p.Index,
				Name:      p.Name,
				Arguments: p.Arguments,
			})
		case EventToolResult:
			var p toolResultPayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return Replay{}, fmt.Errorf("store: replay event %d: %w", row.EventSeq, err)
			}
			r.Results = append(r.Results, model.ToolResultPart{
				ToolUseID: p.ID,
				Content:   p.Payload,
				IsError:   p.IsError,
			})
		case EventError:
			var p errorPayload
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return Replay{}, fmt.Errorf("store: replay event %d: %w", row.EventSeq, err)
			}
			r.ErrorKind, r.ErrorMsg = p.Kind, p.Message
		default:
			return Replay{}, fmt.Errorf("store: replay: unknown event type %q", row.Type)
		}
	}
	return r, nil
}

// Parts renders the replayed content as canonical message parts.
func (r Replay) Parts() []model.Part {
	var parts []model.Part
	if r.Reasoning != "" {
		parts = append(parts, model.ReasoningPart{Text: r.Reasoning})
	}
	if r.Text != "" {
		parts = append(parts, model.TextPart{Text: r.Text})
	}
	for _, call := range r.ToolCalls {
		parts = append(parts, model.ToolUsePart{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Arguments,
		})
	}
	return parts
}
