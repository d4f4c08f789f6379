package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Part is one canonical content fragment of a Message. Implementations
	// are TextPart, ImageRefPart, AudioRefPart, FileRefPart, ReasoningPart,
	// ToolUsePart and ToolResultPart. The set is closed; consumers switch
	// exhaustively over the variants.
	Part interface {
		isPart()
	}

	// TextPart carries user- or assistant-visible text.
	TextPart struct {
		Text string `json:"text"`
	}

	// ImageRefPart references an uploaded image by its opaque blob identifier.
	// The pipeline treats the reference as metadata and never dereferences it.
	ImageRefPart struct {
		Ref    string `json:"ref"`
		Detail string `json:"detail,omitempty"`
	}

	// AudioRefPart references an uploaded audio blob.
	AudioRefPart struct {
		Ref string `json:"ref"`
	}

	// FileRefPart references an uploaded file blob.
	FileRefPart struct {
		Ref  string `json:"ref"`
		Name string `json:"name,omitempty"`
	}

	// ReasoningPart carries provider reasoning output attached to an
	// assistant message.
	ReasoningPart struct {
		Text string `json:"text"`
		// Signature authenticates the reasoning text on providers that sign it.
		Signature string `json:"signature,omitempty"`
	}

	// ToolUsePart declares a tool invocation inside an assistant message.
	ToolUsePart struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}

	// ToolResultPart communicates a tool result back to the model, correlated
	// via ToolUseID.
	ToolResultPart struct {
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}
)

func (TextPart) isPart()       {}
func (ImageRefPart) isPart()   {}
func (AudioRefPart) isPart()   {}
func (FileRefPart) isPart()    {}
func (ReasoningPart) isPart()  {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// partEnvelope is the stored JSON form of a Part: the variant name plus the
// variant payload flattened alongside it.
type partEnvelope struct {
	Type string          `json:"type"`
	Rest json.RawMessage `json:"-"`
}

// Part type tags used in stored JSON and on the wire.
const (
	partTypeText       = "text"
	partTypeImageRef   = "image_ref"
	partTypeAudioRef   = "audio_ref"
	partTypeFileRef    = "file_ref"
	partTypeReasoning  = "reasoning"
	partTypeToolUse    = "tool_use"
	partTypeToolResult = "tool_result"
)

// MarshalJSON encodes the message with typed part envelopes so the closed
// union survives a round trip through storage.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Parts))
	for i, p := range m.Parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, fmt.Errorf("marshal part %d: %w", i, err)
		}
		parts = append(parts, raw)
	}
	return json.Marshal(struct {
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}{Role: m.Role, Parts: parts})
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var tmp struct {
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Parts = nil
	for i, raw := range tmp.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("decode part %d: %w", i, err)
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

// MarshalPart encodes a single part with its type tag.
func MarshalPart(p Part) (json.RawMessage, error) {
	var (
		tag  string
		body any
	)
	switch v := p.(type) {
	case TextPart:
		tag, body = partTypeText, v
	case ImageRefPart:
		tag, body = partTypeImageRef, v
	case AudioRefPart:
		tag, body = partTypeAudioRef, v
	case FileRefPart:
		tag, body = partTypeFileRef, v
	case ReasoningPart:
		tag, body = partTypeReasoning, v
	case ToolUsePart:
		tag, body = partTypeToolUse, v
	case ToolResultPart:
		tag, body = partTypeToolResult, v
	default:
		return nil, fmt.Errorf("unknown part type %T", p)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	// Splice the type tag into the variant object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(`"` + tag + `"`)
	return json.Marshal(fields)
}

// UnmarshalPart decodes a part envelope produced by MarshalPart.
func UnmarshalPart(raw json.RawMessage) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case partTypeText:
		var v TextPart
		return v, json.Unmarshal(raw, &v)
	case partTypeImageRef:
		var v ImageRefPart
		return v, json.Unmarshal(raw, &v)
	case partTypeAudioRef:
		var v AudioRefPart
		return v, json.Unmarshal(raw, &v)
	case partTypeFileRef:
		var v FileRefPart
		return v, json.Unmarshal(raw, &v)
	case partTypeReasoning:
		var v ReasoningPart
		return v, json.Unmarshal(raw, &v)
	case partTypeToolUse:
		var v ToolUsePart
		return v, json.Unmarshal(raw, &v)
	case partTypeToolResult:
		var v ToolResultPart
		return v, json.Unmarshal(raw, &v)
	case "":
		return nil, errors.New("part missing type tag")
	default:
		return nil, fmt.Errorf("unknown part type %q", env.Type)
	}
}
