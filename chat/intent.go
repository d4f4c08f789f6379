package chat

import (
	"encoding/json"
	"fmt"

	"github.com/chatforge/chatforge/model"
)

// Intent types accepted by the pipeline.
const (
	IntentAppendMessage = "append_message"
	IntentEditMessage   = "edit_message"
)

type (
	// CompletionBody is the POST /v1/chat/completions request body: an intent
	// envelope wrapping an OpenAI-shaped completion request. Legacy bodies
	// without the envelope are rejected.
	CompletionBody struct {
		ConversationID string  `json:"conversation_id,omitempty"`
		Intent         *Intent `json:"intent"`
	}

	// Intent is the client-supplied mutation descriptor. ExpectedLastSeq is
	// the optimistic-lock token.
	Intent struct {
		Type            string          `json:"type"`
		ClientOperation string          `json:"client_operation"`
		ExpectedLastSeq *int64          `json:"expected_last_seq"`
		Messages        []WireMessage   `json:"messages,omitempty"`
		Completion      *Completion     `json:"completion,omitempty"`
		MessageID       string          `json:"message_id,omitempty"`
		Content         json.RawMessage `json:"content,omitempty"`
	}

	// Completion carries the OpenAI-shaped parameters plus pipeline controls.
	Completion struct {
		Model                 string         `json:"model"`
		Stream                bool           `json:"stream"`
		Tools                 []string       `json:"tools,omitempty"`
		ProviderID            string         `json:"provider_id,omitempty"`
		Temperature           *float64       `json:"temperature,omitempty"`
		MaxTokens             int            `json:"max_tokens,omitempty"`
		ReasoningEffort       string         `json:"reasoning_effort,omitempty"`
		Verbosity             string         `json:"verbosity,omitempty"`
		CustomRequestParamsID string         `json:"custom_request_params_id,omitempty"`
		Extra                 map[string]any `json:"extra,omitempty"`
	}

	// WireMessage is one OpenAI-shaped message whose content is either a
	// string or a mixed-content part array.
	WireMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
)

// validateAppend checks the envelope for the completions endpoint.
func (b *CompletionBody) validateAppend() error {
	if b.Intent == nil {
		return validationError("request body must carry an intent envelope", CodeIntentRequired)
	}
	in := b.Intent
	if in.Type != IntentAppendMessage {
		return validationError(fmt.Sprintf("intent type %q is not valid here", in.Type), "")
	}
	if len(in.Messages) == 0 {
		return validationError("intent.messages must not be empty", "")
	}
	if in.Completion == nil {
		return validationError("intent.completion is required", "")
	}
	if in.Completion.Model == "" {
		return validationError("intent.completion.model is required", "")
	}
	for i, m := range in.Messages {
		if model.Role(m.Role) != model.RoleUser {
			return validationError(fmt.Sprintf("intent.messages[%d]: only user messages may be appended", i), "")
		}
	}
	return nil
}

// validateEdit checks the envelope for the edit endpoint.
func (in *Intent) validateEdit() error {
	if in == nil {
		return validationError("request body must carry an intent envelope", CodeIntentRequired)
	}
	if in.Type != IntentEditMessage {
		return validationError(fmt.Sprintf("intent type %q is not valid here", in.Type), "")
	}
	if len(in.Content) == 0 {
		return validationError("intent.content is required", "")
	}
	return nil
}

// Parts decodes the wire content into canonical parts. A JSON string becomes
// a single text part; an array is decoded as typed part envelopes.
func (m WireMessage) Parts() ([]model.Part, error) {
	return decodeContent(m.Content)
}

func decodeContent(raw json.RawMessage) ([]model.Part, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("content is empty")
	}
	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []model.Part{model.TextPart{Text: text}}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		parts := make([]model.Part, 0, len(items))
		for i, item := range items {
			p, err := model.UnmarshalPart(item)
			if err != nil {
				return nil, fmt.Errorf("content[%d]: %w", i, err)
			}
			parts = append(parts, p)
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("content must be a string or part array")
	}
}
