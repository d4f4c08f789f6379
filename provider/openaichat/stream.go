package openaichat

import (
	"io"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/chatforge/chatforge/model"
)

// streamer adapts a Chat Completions SSE stream to model.Streamer. Tool-call
// argument fragments accumulate per index; completed calls are emitted in
// index order when the finish reason arrives, before the stop event.
type streamer struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	pending []model.Event
	calls   map[int]*callBuffer
	done    bool
}

type callBuffer struct {
	id        string
	name      string
	fragments []string
}

func newStreamer(s *ssestream.Stream[openai.ChatCompletionChunk]) *streamer {
	return &streamer{stream: s, calls: make(map[int]*callBuffer)}
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
				return nil, classify("chat.completions.stream", err)
			}
			continue
		}
		s.handle(s.stream.Current())
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

func (s *streamer) handle(chunk openai.ChatCompletionChunk) {
	if chunk.Usage.TotalTokens > 0 {
		s.pending = append(s.pending, model.UsageEvent{Usage: model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:  int(chunk.Usage.TotalTokens),
		}})
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.pending = append(s.pending, model.ContentDelta{Text: choice.Delta.Content})
	}
	if reasoning := unquoteExtra(choice.Delta.JSON.ExtraFields["reasoning_content"].Raw()); reasoning != "" && reasoning != "null" {
		s.pending = append(s.pending, model.ReasoningDelta{Text: reasoning})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := int(tc.Index)
		buf := s.calls[idx]
		if buf == nil {
			buf = &callBuffer{}
			s.calls[idx] = buf
		}
		if tc.ID != "" {
			buf.id = tc.ID
		}
		if tc.Function.Name != "" {
			buf.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			buf.fragments = append(buf.fragments, tc.Function.Arguments)
		}
		s.pending = append(s.pending, model.ToolCallDelta{
			ID:           buf.id,
			Index:        idx,
			Name:         tc.Function.Name,
			ArgsFragment: tc.Function.Arguments,
		})
	}

	if choice.FinishReason != "" {
		s.flushCalls()
		s.pending = append(s.pending, model.StopEvent{Reason: normalizeFinish(choice.FinishReason)})
	}
}

// flushCalls emits ToolCallDone events in index order.
func (s *streamer) flushCalls() {
	indexes := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		buf := s.calls[idx]
		args := strings.Join(buf.fragments, "")
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		s.pending = append(s.pending, model.ToolCallDone{Call: model.ToolCall{
			ID:        buf.id,
			Index:     idx,
			Name:      buf.name,
			Arguments: []byte(args),
		}})
	}
	s.calls = make(map[int]*callBuffer)
}
