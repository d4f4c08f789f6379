package anthropic

import (
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func rawEvent(t *testing.T, typ, payload string) ssestream.Event {
	t.Helper()
	return ssestream.Event{Type: typ, Data: []byte(payload)}
}

func drain(t *testing.T, s model.Streamer) []model.Event {
	t.Helper()
	var out []model.Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking. "}}`),
		rawEvent(t, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_time"}}`),
		rawEvent(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"timezone\":"}}`),
		rawEvent(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"UTC\"}"}}`),
		rawEvent(t, "content_block_stop", `{"type":"content_block_stop","index":1}`),
		rawEvent(t, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":10,"output_tokens":5}}`),
		rawEvent(t, "message_stop", `{"type":"message_stop"}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(stream)
	defer s.Close()

	got := drain(t, s)

	var (
		text   string
		deltas []model.ToolCallDelta
		done   *model.ToolCallDone
		stop   *model.StopEvent
		usage  *model.UsageEvent
	)
	for _, ev := range got {
		switch v := ev.(type) {
		case model.ContentDelta:
			text += v.Text
		case model.ToolCallDelta:
			deltas = append(deltas, v)
		case model.ToolCallDone:
			vv := v
			done = &vv
		case model.StopEvent:
			vv := v
			stop = &vv
		case model.UsageEvent:
			vv := v
			usage = &vv
		}
	}

	assert.Equal(t, "Checking. ", text)
	require.NotEmpty(t, deltas)
	assert.Equal(t, "get_time", deltas[0].Name)
	assert.Equal(t, 0, deltas[0].Index)

	require.NotNil(t, done)
	assert.Equal(t, "toolu_1", done.Call.ID)
	assert.Equal(t, 0, done.Call.Index)
	assert.JSONEq(t, `{"timezone":"UTC"}`, string(done.Call.Arguments))

	require.NotNil(t, stop)
	assert.Equal(t, model.StopToolCalls, stop.Reason)

	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.Usage.InputTokens)
	assert.Equal(t, 15, usage.Usage.TotalTokens)
}

func TestStreamerThinkingDelta(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`),
		rawEvent(t, "message_stop", `{"type":"message_stop"}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(stream)
	defer s.Close()

	got := drain(t, s)
	require.NotEmpty(t, got)
	assert.Equal(t, model.ReasoningDelta{Text: "hmm"}, got[0])
}

func TestStreamerMissingToolID(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"x"}}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(stream)
	defer s.Close()

	_, err := s.Recv()
	assert.Error(t, err)
}

func TestPrepareRequestShapes(t *testing.T) {
	temp := 0.2
	req := model.Request{
		Model:       "claude-sonnet-4-5",
		Temperature: &temp,
		Messages: []model.Message{
			model.TextMessage(model.RoleSystem, "be brief"),
			model.TextMessage(model.RoleUser, "hi"),
			model.TextMessage(model.RoleAssistant, "hello"),
			model.TextMessage(model.RoleUser, "what time is it?"),
		},
		Tools: []model.ToolDefinition{{
			Name:        "get_time",
			Description: "current time",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}
	params, err := prepareRequest(req)
	require.NoError(t, err)

	// System prompt is a top-level field, not a message.
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	assert.Len(t, params.Messages, 3)
	assert.Len(t, params.Tools, 1)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
}

func TestPrepareRequestToolChoiceNone(t *testing.T) {
	req := model.Request{
		Model:      "claude-sonnet-4-5",
		Messages:   []model.Message{model.TextMessage(model.RoleUser, "hi")},
		ToolChoice: model.ToolChoiceNone,
	}
	params, err := prepareRequest(req)
	require.NoError(t, err)
	assert.NotNil(t, params.ToolChoice.OfNone)
}
