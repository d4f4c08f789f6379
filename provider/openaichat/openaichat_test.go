package openaichat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/model"
)

func TestEncodeRequestTools(t *testing.T) {
	req := model.Request{
		Model:    "gpt-4o",
		Messages: []model.Message{model.TextMessage(model.RoleUser, "hi")},
		Tools: []model.ToolDefinition{{
			Name:        "get_time",
			Description: "current time",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tz":{"type":"string"}}}`),
		}},
	}
	params, _, err := encodeRequest(req, false)
	require.NoError(t, err)

	require.Len(t, params.Tools, 1)
	fn := params.Tools[0].Function
	assert.Equal(t, "get_time", fn.Name)
	assert.Equal(t, "current time", fn.Description.Value)
	assert.Equal(t, "object", fn.Parameters["type"])
}

func TestEncodeRequestToolChoiceNone(t *testing.T) {
	req := model.Request{
		Model:      "gpt-4o",
		Messages:   []model.Message{model.TextMessage(model.RoleUser, "hi")},
		ToolChoice: model.ToolChoiceNone,
	}
	params, _, err := encodeRequest(req, false)
	require.NoError(t, err)
	assert.Equal(t, "none", params.ToolChoice.OfAuto.Value)
}

func TestEncodeRequestVerbosityRidesAsOption(t *testing.T) {
	req := model.Request{
		Model:     "gpt-5",
		Messages:  []model.Message{model.TextMessage(model.RoleUser, "hi")},
		Verbosity: "low",
	}
	_, opts, err := encodeRequest(req, false)
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestEncodeAssistantToolCalls(t *testing.T) {
	msg := model.Message{Role: model.RoleAssistant, Parts: []model.Part{
		model.TextPart{Text: "checking"},
		model.ToolUsePart{ID: "call_1", Name: "get_time", Args: json.RawMessage(`{"tz":"UTC"}`)},
	}}
	got := encodeAssistant(msg)
	require.NotNil(t, got.OfAssistant)
	require.Len(t, got.OfAssistant.ToolCalls, 1)
	tc := got.OfAssistant.ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "get_time", tc.Function.Name)
	assert.JSONEq(t, `{"tz":"UTC"}`, tc.Function.Arguments)
}

func TestNormalizeFinish(t *testing.T) {
	assert.Equal(t, model.StopToolCalls, normalizeFinish("tool_calls"))
	assert.Equal(t, model.StopLength, normalizeFinish("length"))
	assert.Equal(t, model.StopContentFilter, normalizeFinish("content_filter"))
	assert.Equal(t, model.StopEnd, normalizeFinish("stop"))
}

func TestStreamerAssemblesFragmentedCalls(t *testing.T) {
	s := &streamer{calls: map[int]*callBuffer{
		0: {id: "call_1", name: "get_time", fragments: []string{`{"tz":`, `"UTC"}`}},
	}}
	s.flushCalls()

	require.Len(t, s.pending, 1)
	done, ok := s.pending[0].(model.ToolCallDone)
	require.True(t, ok)
	assert.Equal(t, "call_1", done.Call.ID)
	assert.JSONEq(t, `{"tz":"UTC"}`, string(done.Call.Arguments))
}
