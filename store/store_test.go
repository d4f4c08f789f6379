package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/chatforge/model"
)

func testKey() [32]byte {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	return key
}

func TestKeyBoxRoundTrip(t *testing.T) {
	box := NewKeyBox(testKey())

	sealed, err := box.Seal("sk-test-secret")
	require.NoError(t, err)
	assert.Greater(t, len(sealed), 24)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-secret", opened)
}

func TestKeyBoxFreshNonces(t *testing.T) {
	box := NewKeyBox(testKey())
	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyBoxRejectsTampering(t *testing.T) {
	box := NewKeyBox(testKey())
	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = box.Open(sealed)
	assert.Error(t, err)

	_, err = box.Open([]byte("short"))
	assert.Error(t, err)

	other := testKey()
	other[0] ^= 0xff
	_, err = NewKeyBox(other).Open(sealed)
	assert.Error(t, err)
}

func TestEncodeEventSkipsTransient(t *testing.T) {
	for _, ev := range []model.Event{
		model.ToolCallDelta{Index: 0, ArgsFragment: "{"},
		model.UsageEvent{Usage: model.TokenUsage{TotalTokens: 3}},
		model.StopEvent{Reason: model.StopEnd},
	} {
		_, _, ok, err := EncodeEvent(ev)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestReplayReproducesContent(t *testing.T) {
	events := []model.Event{
		model.ReasoningDelta{Text: "thinking "},
		model.ReasoningDelta{Text: "harder"},
		model.ContentDelta{Text: "The time "},
		model.ContentDelta{Text: "is noon."},
		model.ToolCallDone{Call: model.ToolCall{
			ID: "call_1", Index: 0, Name: "get_time",
			Arguments: json.RawMessage(`{"timezone":"UTC"}`),
		}},
		model.ToolOutput{
			ID: "call_1", Index: 0, Name: "get_time",
			Payload: json.RawMessage(`{"time":"12:00"}`),
		},
		model.ErrorEvent{Kind: "aborted", Message: "stopped"},
	}

	var rows []EventRow
	for i, ev := range events {
		typ, payload, ok, err := EncodeEvent(ev)
		require.NoError(t, err)
		require.True(t, ok)
		rows = append(rows, EventRow{EventSeq: i, Type: typ, Payload: payload})
	}

	r, err := ReplayEvents(rows)
	require.NoError(t, err)

	assert.Equal(t, "The time is noon.", r.Text)
	assert.Equal(t, "thinking harder", r.Reasoning)
	require.Len(t, r.ToolCalls, 1)
	assert.Equal(t, "get_time", r.ToolCalls[0].Name)
	assert.JSONEq(t, `{"timezone":"UTC"}`, string(r.ToolCalls[0].Arguments))
	require.Len(t, r.Results, 1)
	assert.Equal(t, "call_1", r.Results[0].ToolUseID)
	assert.Equal(t, "aborted", r.ErrorKind)
}

func TestReplayRejectsUnknownType(t *testing.T) {
	_, err := ReplayEvents([]EventRow{{Type: "mystery", Payload: json.RawMessage(`{}`)}})
	assert.Error(t, err)
}

func TestReplayParts(t *testing.T) {
	r := Replay{
		Text:      "answer",
		Reasoning: "because",
		ToolCalls: []model.ToolCall{{ID: "c1", Name: "get_time", Arguments: json.RawMessage(`{}`)}},
	}
	parts := r.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, model.ReasoningPart{Text: "because"}, parts[0])
	assert.Equal(t, model.TextPart{Text: "answer"}, parts[1])
	call, ok := parts[2].(model.ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "c1", call.ID)
}

func TestPartsRoundTrip(t *testing.T) {
	in := []model.Part{
		model.TextPart{Text: "hi"},
		model.ImageRefPart{Ref: "blob-1", Detail: "high"},
		model.ToolResultPart{ToolUseID: "c1", Content: json.RawMessage(`"ok"`)},
	}
	raw, err := marshalParts(in)
	require.NoError(t, err)

	out, err := unmarshalParts(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMessageText(t *testing.T) {
	msg := Message{Parts: []model.Part{
		model.ReasoningPart{Text: "skip"},
		model.TextPart{Text: "a"},
		model.TextPart{Text: "b"},
	}}
	assert.Equal(t, "ab", msg.Text())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusStreaming.Terminal())
	assert.True(t, StatusFinal.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusAborted.Terminal())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****t3st", maskKey("sk-verylong-t3st"))
	assert.Equal(t, "****", maskKey("abc"))
}
