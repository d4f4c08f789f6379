package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatforge/chatforge/model"
)

// Message lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusFinal     Status = "final"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further events may be appended.
func (s Status) Terminal() bool {
	return s == StatusFinal || s == StatusError || s == StatusAborted
}

// Tool call lifecycle states.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

type (
	// ConversationSettings is the per-conversation settings snapshot.
	ConversationSettings struct {
		Model            string `json:"model,omitempty"`
		ProviderID       string `json:"provider_id,omitempty"`
		SystemPrompt     string `json:"system_prompt,omitempty"`
		ToolsEnabled     bool   `json:"tools_enabled,omitempty"`
		StreamingEnabled bool   `json:"streaming_enabled,omitempty"`
		ReasoningEffort  string `json:"reasoning_effort,omitempty"`
		Verbosity        string `json:"verbosity,omitempty"`
		QualityLevel     string `json:"quality_level,omitempty"`
		CustomParamsID   string `json:"custom_params_id,omitempty"`
	}

	// Conversation is one conversation row.
	Conversation struct {
		ID          string               `json:"id"`
		UserID      string               `json:"-"`
		Title       string               `json:"title"`
		Settings    ConversationSettings `json:"settings"`
		Metadata    map[string]any       `json:"metadata,omitempty"`
		NextSeq     int64                `json:"next_seq"`
		ParentID    *string              `json:"parent_conversation_id,omitempty"`
		ForkedAtSeq *int64               `json:"forked_at_seq,omitempty"`
		CreatedAt   time.Time            `json:"created_at"`
		UpdatedAt   time.Time            `json:"updated_at"`
	}

	// Message is one message row. Parts hold the canonical mixed content.
	Message struct {
		ID               string          `json:"id"`
		ConversationID   string          `json:"conversation_id"`
		UserID           string          `json:"-"`
		Seq              int64           `json:"seq"`
		ClientMessageID  string          `json:"client_message_id,omitempty"`
		Role             model.Role      `json:"role"`
		Status           Status          `json:"status"`
		Parts            []model.Part    `json:"-"`
		ContentJSON      json.RawMessage `json:"content_json,omitempty"`
		ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
		ProviderID       string          `json:"provider_id,omitempty"`
		Model            string          `json:"model,omitempty"`
		CreatedAt        time.Time       `json:"created_at"`
		UpdatedAt        time.Time       `json:"updated_at"`
	}

	// EventRow is one append-only message event.
	EventRow struct {
		MessageID string          `json:"message_id"`
		EventSeq  int             `json:"event_seq"`
		Type      EventType       `json:"type"`
		Payload   json.RawMessage `json:"payload"`
	}

	// ToolCallRow is one persisted tool call.
	ToolCallRow struct {
		MessageID   string          `json:"message_id"`
		CallIndex   int             `json:"call_index"`
		ToolName    string          `json:"tool_name"`
		Arguments   json.RawMessage `json:"arguments_json"`
		TextOffset  int             `json:"text_offset"`
		Status      ToolCallStatus  `json:"status"`
		OutputRef   json.RawMessage `json:"output_ref,omitempty"`
		StartedAt   *time.Time      `json:"started_at,omitempty"`
		CompletedAt *time.Time      `json:"completed_at,omitempty"`
	}
)

// EventType discriminates message event variants.
type EventType string

const (
	EventContentChunk   EventType = "content_chunk"
	EventReasoningChunk EventType = "reasoning_chunk"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventError          EventType = "error"
)

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func marshalParts(parts []model.Part) (json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(parts))
	for i, p := range parts {
		raw, err := model.MarshalPart(p)
		if err != nil {
			return nil, fmt.Errorf("store: marshal part %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func unmarshalParts(raw json.RawMessage) ([]model.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	parts := make([]model.Part, 0, len(items))
	for i, item := range items {
		p, err := model.UnmarshalPart(item)
		if err != nil {
			return nil, fmt.Errorf("store: decode part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
