package openairesp

import (
	"io"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"

	"github.com/chatforge/chatforge/model"
)

// streamer adapts a Responses API event stream to model.Streamer. Function
// calls are announced by output_item.added, accumulate via
// function_call_arguments.delta and complete on output_item.done. Call
// indexes are assigned in announcement order, which matches output order.
type streamer struct {
	stream  *ssestream.Stream[responses.ResponseStreamEventUnion]
	onDone  func(responseID string)
	pending []model.Event
	done    bool

	callIndex map[string]int
	callName  map[string]string
	callID    map[string]string
	nextIndex int
	sawCalls  bool
	stopped   bool
}

func newStreamer(s *ssestream.Stream[responses.ResponseStreamEventUnion], onDone func(string)) *streamer {
	return &streamer{
		stream:    s,
		onDone:    onDone,
		callIndex: make(map[string]int),
		callName:  make(map[string]string),
		callID:    make(map[string]string),
	}
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
				return nil, classify("responses.stream", err)
			}
			continue
		}
		s.handle(s.stream.Current())
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

func (s *streamer) handle(event responses.ResponseStreamEventUnion) {
	switch event.Type {
	case "response.output_text.delta":
		if text := event.Delta.OfString; text != "" {
			s.pending = append(s.pending, model.ContentDelta{Text: text})
		}
	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		if text := event.Delta.OfString; text != "" {
			s.pending = append(s.pending, model.ReasoningDelta{Text: text})
		}
	case "response.output_item.added":
		item := event.Item
		if item.Type != "function_call" {
			return
		}
		idx := s.nextIndex
		s.nextIndex++
		s.sawCalls = true
		s.callIndex[item.ID] = idx
		s.callName[item.ID] = item.Name
		s.callID[item.ID] = item.CallID
		s.pending = append(s.pending, model.ToolCallDelta{
			ID:    item.CallID,
			Index: idx,
			Name:  item.Name,
		})
	case "response.function_call_arguments.delta":
		idx, ok := s.callIndex[event.ItemID]
		if !ok || event.Delta.OfString == "" {
			return
		}
		s.pending = append(s.pending, model.ToolCallDelta{
			ID:           s.callID[event.ItemID],
			Index:        idx,
			ArgsFragment: event.Delta.OfString,
		})
	case "response.output_item.done":
		item := event.Item
		if item.Type != "function_call" {
			return
		}
		idx, ok := s.callIndex[item.ID]
		if !ok {
			return
		}
		s.pending = append(s.pending, model.ToolCallDone{Call: model.ToolCall{
			ID:        item.CallID,
			Index:     idx,
			Name:      item.Name,
			Arguments: normalizeArgs(item.Arguments),
		}})
	case "response.completed":
		resp := event.Response
		if s.onDone != nil && resp.ID != "" {
			s.onDone(resp.ID)
		}
		if resp.Usage.TotalTokens > 0 {
			s.pending = append(s.pending, model.UsageEvent{Usage: model.TokenUsage{
				InputTokens:  int(resp.Usage.InputTokens),
				OutputTokens: int(resp.Usage.OutputTokens),
				TotalTokens:  int(resp.Usage.TotalTokens),
			}})
		}
		reason := model.StopEnd
		if s.sawCalls {
			reason = model.StopToolCalls
		}
		if !s.stopped {
			s.stopped = true
			s.pending = append(s.pending, model.StopEvent{Reason: reason})
		}
	case "response.failed", "error":
		s.pending = append(s.pending, model.ErrorEvent{Kind: "provider_error", Message: "upstream response failed"})
	}
}
