// Package model defines the canonical request/response shapes exchanged
// between the chat pipeline and provider adapters. It is a provider-agnostic
// abstraction over chat completion APIs (OpenAI, Anthropic, Gemini and
// OpenAI-compatible third parties) so the orchestrator and persistence layers
// never couple to a specific SDK. Adapters translate these normalized types
// into provider-specific wire formats at the edges.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Role identifies the author of a conversation message.
	Role string

	// Message is one entry of the conversation history sent to or received
	// from a model. Parts preserve the ordered mixed content of the message
	// (text, media references, tool use and tool results).
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
		Role Role `json:"role"`
		// Parts holds the ordered content fragments of the message.
		Parts []Part `json:"parts"`
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// every backend; adapters drop unsupported fields deterministically based
	// on the provider metadata.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// ConversationID identifies the conversation on adapters that keep
		// provider-side continuity state. Empty for one-shot requests.
		ConversationID string
		// Messages is the ordered chat history, including the system prompt.
		Messages []Message
		// Tools lists the tool schemas exposed to the model. Empty disables
		// tool calling for the turn.
		Tools []ToolDefinition
		// ToolChoice constrains tool use for this turn. Empty means "auto".
		ToolChoice ToolChoice
		// Temperature is the sampling temperature. Nil uses the provider default.
		Temperature *float64
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// ReasoningEffort requests a reasoning budget ("low", "medium", "high")
		// on providers that advertise support; stripped otherwise.
		ReasoningEffort string
		// Verbosity requests a response verbosity level on providers that
		// advertise support; stripped otherwise.
		Verbosity string
		// Extra carries custom request parameters forwarded verbatim to
		// providers that accept them.
		Extra map[string]any
	}

	// Response wraps a complete (non-streaming) model turn.
	Response struct {
		// Message is the assistant message produced by the model. Parts may be
		// empty when the model only requested tool calls.
		Message Message
		// ToolCalls lists the tool invocations requested by the model, in
		// call-index order.
		ToolCalls []ToolCall
		// Usage reports token usage when the provider supplies it.
		Usage TokenUsage
		// StopReason explains why generation ended.
		StopReason StopReason
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool arguments.
		InputSchema json.RawMessage
	}

	// ToolChoice constrains the model's tool use for a single turn.
	ToolChoice string

	// ToolCall is a fully assembled tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-issued call identifier used to correlate results.
		ID string
		// Index is the zero-based position of the call within the assistant
		// turn. Indexes are contiguous per turn.
		Index int
		// Name identifies the tool to invoke.
		Name string
		// Arguments is the raw JSON argument payload.
		Arguments json.RawMessage
	}

	// StopReason is the normalized finish reason reported by providers.
	StopReason string

	// TokenUsage records token counts when reported by the provider.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// ModelInfo describes one model advertised by a provider.
	ModelInfo struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by,omitempty"`
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Event values until io.EOF. Recv is called from a single
	// goroutine; Close releases underlying resources and is idempotent.
	Streamer interface {
		// Recv returns the next event from the stream.
		Recv() (Event, error)
		// Close closes the stream.
		Close() error
	}

	// Client is the contract the pipeline uses to invoke a provider. Adapters
	// wrap provider SDKs and translate Request/Response to wire formats.
	// Implementations are safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the full response.
		Complete(ctx context.Context, req Request) (Response, error)
		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental events.
		Stream(ctx context.Context, req Request) (Streamer, error)
		// ListModels returns the models the provider advertises.
		ListModels(ctx context.Context) ([]ModelInfo, error)
	}
)

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool choice modes.
const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// Normalized stop reasons.
const (
	StopEnd           StopReason = "stop"
	StopLength        StopReason = "length"
	StopToolCalls     StopReason = "tool_calls"
	StopContentFilter StopReason = "content_filter"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Text concatenates the text parts of the message in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}
