package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatforge/chatforge/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer.
// Tool input JSON arrives fragmentary per content block; fragments accumulate
// in per-block buffers and a completed call is emitted on the block stop
// event. Content block indexes are remapped to contiguous call indexes.
type streamer struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	pending []model.Event
	done    bool

	toolBlocks map[int]*toolBuffer
	nextCall   int
	stopReason string
	sawCalls   bool
}

type toolBuffer struct {
	id        string
	name      string
	callIndex int
	fragments []string
}

func newStreamer(s *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	return &streamer{stream: s, toolBlocks: make(map[int]*toolBuffer)}
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, classify("messages.stream", err)
			}
			continue
		}
		if err := s.handle(s.stream.Current()); err != nil {
			s.done = true
			return nil, err
		}
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

func (s *streamer) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.toolBlocks = make(map[int]*toolBuffer)
		s.stopReason = ""
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			tb := &toolBuffer{id: toolUse.ID, name: toolUse.Name, callIndex: s.nextCall}
			s.nextCall++
			s.sawCalls = true
			s.toolBlocks[idx] = tb
			s.pending = append(s.pending, model.ToolCallDelta{
				ID:    tb.id,
				Index: tb.callIndex,
				Name:  tb.name,
			})
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.pending = append(s.pending, model.ContentDelta{Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			tb := s.toolBlocks[idx]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			s.pending = append(s.pending, model.ToolCallDelta{
				ID:           tb.id,
				Index:        tb.callIndex,
				ArgsFragment: delta.PartialJSON,
			})
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.pending = append(s.pending, model.ReasoningDelta{Text: delta.Thinking})
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := s.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(s.toolBlocks, idx)
		s.pending = append(s.pending, model.ToolCallDone{Call: model.ToolCall{
			ID:        tb.id,
			Index:     tb.callIndex,
			Name:      tb.name,
			Arguments: finalInput(tb.fragments),
		}})
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		if ev.Usage.OutputTokens > 0 || ev.Usage.InputTokens > 0 {
			s.pending = append(s.pending, model.UsageEvent{Usage: model.TokenUsage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
				TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			}})
		}
	case sdk.MessageStopEvent:
		s.pending = append(s.pending, model.StopEvent{Reason: normalizeStop(s.stopReason)})
	}
	return nil
}

func finalInput(fragments []string) json.RawMessage {
	joined := strings.TrimSpace(strings.Join(fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
