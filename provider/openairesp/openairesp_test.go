package openairesp

import (
	"encoding/json"
	"testing"

	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/model"
)

func TestEncodeInputSplitsSystem(t *testing.T) {
	input, system, err := encodeInput([]model.Message{
		model.TextMessage(model.RoleSystem, "be brief"),
		model.TextMessage(model.RoleUser, "hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "be brief", system)
	assert.Len(t, input, 1)
}

func TestTailAfterAssistant(t *testing.T) {
	msgs := []model.Message{
		model.TextMessage(model.RoleUser, "one"),
		model.TextMessage(model.RoleAssistant, "reply"),
		model.TextMessage(model.RoleUser, "two"),
	}
	tail := tailAfterAssistant(msgs)
	require.Len(t, tail, 1)
	assert.Equal(t, "two", tail[0].Text())

	noAssistant := msgs[:1]
	assert.Len(t, tailAfterAssistant(noAssistant), 1)
}

func TestStreamerTextDelta(t *testing.T) {
	s := newStreamer(nil, nil)
	s.handle(responses.ResponseStreamEventUnion{
		Type:  "response.output_text.delta",
		Delta: responses.ResponseStreamEventUnionDelta{OfString: "hel"},
	})
	require.Len(t, s.pending, 1)
	assert.Equal(t, model.ContentDelta{Text: "hel"}, s.pending[0])
}

func TestStreamerFunctionCallLifecycle(t *testing.T) {
	s := newStreamer(nil, nil)
	s.handle(responses.ResponseStreamEventUnion{
		Type: "response.output_item.added",
		Item: responses.ResponseOutputItemUnion{
			Type: "function_call", ID: "item_1", CallID: "call_1", Name: "get_time",
		},
	})
	s.handle(responses.ResponseStreamEventUnion{
		Type:   "response.function_call_arguments.delta",
		ItemID: "item_1",
		Delta:  responses.ResponseStreamEventUnionDelta{OfString: `{"tz":"UTC"}`},
	})
	s.handle(responses.ResponseStreamEventUnion{
		Type: "response.output_item.done",
		Item: responses.ResponseOutputItemUnion{
			Type: "function_call", ID: "item_1", CallID: "call_1", Name: "get_time",
			Arguments: `{"tz":"UTC"}`,
		},
	})

	require.Len(t, s.pending, 3)
	done, ok := s.pending[2].(model.ToolCallDone)
	require.True(t, ok)
	assert.Equal(t, "call_1", done.Call.ID)
	assert.Equal(t, 0, done.Call.Index)
	assert.Equal(t, json.RawMessage(`{"tz":"UTC"}`), done.Call.Arguments)
}
